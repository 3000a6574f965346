package fanout

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	amqphandler "github.com/webitel/im-message-plane/internal/handler/amqp"
	"go.uber.org/fx"
)

var Module = fx.Module("fanout",
	amqphandler.RouterModule,
	fx.Provide(NewWorker),
	fx.Invoke(func(w *Worker, r *message.Router, sp *pubsub.SubscriberProvider) error {
		return w.RegisterHandlers(r, sp)
	}),
)
