package store

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/im-message-plane/config"
	"go.uber.org/fx"
)

var Module = fx.Module("store",
	fx.Provide(
		NewPgMessageStore,
		func(s *PgMessageStore) MessageStore { return s },
		func(pool *pgxpool.Pool) GroupStore { return NewPgGroupStore(pool) },
		func(s MessageStore, logger *slog.Logger, cfg *config.Config) *PurgeSweeper {
			return NewPurgeSweeper(s, logger, cfg.Store.MessageTTL, cfg.Store.PurgeInterval)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, sweeper *PurgeSweeper) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				sweeper.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				sweeper.Stop()
				return nil
			},
		})
	}),
)
