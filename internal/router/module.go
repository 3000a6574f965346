package router

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/dedup"
	"github.com/webitel/im-message-plane/internal/registry"
	"github.com/webitel/im-message-plane/internal/sequencer"
	"go.uber.org/fx"
)

const sequencerCacheSize = 16384

var Module = fx.Module("router",
	fx.Provide(
		func(client *redis.Client, cfg *config.Config) (sequencer.Sequencer, error) {
			return sequencer.NewRedisSequencer(client, cfg.Sequencer.BlockSize, sequencerCacheSize)
		},
		func(reg registry.Registrar, logger *slog.Logger, cfg *config.Config) (*RouteCache, error) {
			return NewRouteCache(reg, logger, cfg.Registry.LookupRetries)
		},
		func(client *redis.Client, logger *slog.Logger, cfg *config.Config,
			seq sequencer.Sequencer, routes *RouteCache, bus pubsub.BusDispatcher,
		) (Router, error) {
			return NewMessageRouter(Params{
				Dedup:  dedup.NewRedisSet(client, logger, "msg", cfg.Dedup.TTL),
				Seq:    seq,
				Routes: routes,
				Bus:    bus,
				Logger: logger,
			})
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, routes *RouteCache) {
		var cancel context.CancelFunc
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				var watchCtx context.Context
				watchCtx, cancel = context.WithCancel(context.Background())
				return routes.WatchInvalidate(watchCtx)
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
