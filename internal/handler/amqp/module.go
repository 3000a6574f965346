package amqp

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"go.uber.org/fx"
)

// Module wires the gateway-side consumer pipeline.
var Module = fx.Module("amqp-handler",
	RouterModule,
	fx.Provide(
		func(h hub.Hubber, bus pubsub.BusDispatcher, logger *slog.Logger, cfg *config.Config) *DeliverHandler {
			return NewDeliverHandler(h, bus, logger, cfg.NodeID())
		},
	),
	fx.Invoke(func(dh *DeliverHandler, router *message.Router, sp *pubsub.SubscriberProvider) error {
		return dh.RegisterHandlers(router, sp)
	}),
)
