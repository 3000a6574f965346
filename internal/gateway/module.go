package gateway

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, g *Gateway) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				g.Shutdown(ctx)
				return nil
			},
		})
	}),
)
