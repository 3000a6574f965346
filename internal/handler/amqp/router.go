// Package amqp hosts the bus consumer pipeline: one watermill router per
// process, per-handler middleware chains, and the gateway-side deliver
// listener.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/fx"
)

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("amqp: new router: %w", err)
	}
	return router, nil
}

// RouterModule provides the shared consumer router and binds its lifecycle:
// Run after every handler registered, Close on shutdown.
var RouterModule = fx.Module("amqp-router",
	fx.Provide(NewWatermillRouter),
	fx.Invoke(func(lc fx.Lifecycle, router *message.Router, shutdowner fx.Shutdowner) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					// Run blocks until Close; an early return means the
					// broker connection is beyond recovery.
					if err := router.Run(context.Background()); err != nil {
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				return router.Close()
			},
		})
	}),
)

// ConsumerMiddleware is the standard chain every bus handler runs behind:
// trace propagation, structured logging, bounded retry, poison routing,
// throttle and timeout. The poison middleware is built per consumer so each
// queue can point at its own parking topic.
func ConsumerMiddleware(logger *slog.Logger, poison message.HandlerMiddleware) []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		TraceIDMiddleware,
		LoggingMiddleware(logger),
		NewRetryMiddleware(watermill.NewSlogLogger(logger)).Middleware,
		poison,
		middleware.NewThrottle(1000, time.Second).Middleware,
		middleware.Timeout(30 * time.Second),
	}
}
