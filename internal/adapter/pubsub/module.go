package pubsub

import "go.uber.org/fx"

var Module = fx.Module("bus-adapter",
	fx.Provide(
		NewBusDispatcher,
		NewSubscriberProvider,
	),
)
