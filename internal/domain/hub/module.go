package hub

import (
	"context"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("hub",
	fx.Provide(
		func() *Hub {
			return NewHub(
				WithMailboxSize(2048),
				WithSendTimeout(500*time.Millisecond),
				WithIdleTimeout(30*time.Minute),
				WithEvictionInterval(15*time.Minute),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown()
				return nil
			},
		})
	}),
)
