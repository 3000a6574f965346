package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/dedup"
	"github.com/webitel/im-message-plane/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("offline-worker",
	fx.Provide(
		func(sp *pubsub.SubscriberProvider, client *redis.Client, st store.MessageStore,
			bus pubsub.BusDispatcher, cfg *config.Config, logger *slog.Logger,
		) (*Worker, error) {
			sub, err := sp.OfflineQueue()
			if err != nil {
				return nil, err
			}
			dd := dedup.NewRedisSet(client, logger, "store", cfg.Dedup.TTL)
			return New(sub, dd, st, bus, cfg.Worker, logger), nil
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, w *Worker, logger *slog.Logger) {
		var cancel context.CancelFunc
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				var runCtx context.Context
				runCtx, cancel = context.WithCancel(context.Background())
				go func() {
					defer close(done)
					if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("offline worker stopped", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
				return nil
			},
		})
	}),
)
