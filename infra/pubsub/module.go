package pubsub

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("pubsub",
	fx.Provide(
		NewProvider,
		func(p *Provider) *Factory { return p.GetFactory() },
	),
	fx.Invoke(func(lc fx.Lifecycle, p *Provider) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return p.Close()
			},
		})
	}),
)
