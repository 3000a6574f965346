package service

import (
	"github.com/webitel/im-message-plane/config"
	"go.uber.org/fx"
)

var Module = fx.Module("service",
	fx.Provide(
		func(cfg *config.Config) Auther {
			return NewJWTAuther(cfg.Auth.Secret)
		},
		fx.Annotate(NewDeliveryService, fx.As(new(Deliverer))),
	),
)
