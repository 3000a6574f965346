// Package redis provides the process-wide Redis client. The dedup sets and
// the sequencer share it; it is owned by the fx root and handed down as a
// parameter, never reached through a global.
package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-message-plane/config"
	"go.uber.org/fx"
)

func NewClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

var Module = fx.Module("redis",
	fx.Provide(NewClient),
	fx.Invoke(func(lc fx.Lifecycle, client *redis.Client) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}),
)
