// Package http runs the process HTTP listener: client transports (WebSocket,
// long-poll) and the service API share one mux.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/webitel/im-message-plane/config"
	apihandler "github.com/webitel/im-message-plane/internal/handler/http"
	"github.com/webitel/im-message-plane/internal/handler/lp"
	wshandler "github.com/webitel/im-message-plane/internal/handler/ws"
	"go.uber.org/fx"
)

func NewServer(cfg *config.Config, api *apihandler.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

var Module = fx.Module("http-server",
	fx.Provide(
		wshandler.NewHandler,
		lp.NewLPHandler,
		apihandler.NewHandler,
		NewServer,
	),
	fx.Invoke(func(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger, shutdowner fx.Shutdowner) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					logger.Info("http server listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "err", err)
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
