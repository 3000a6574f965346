package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/message"
	infrapubsub "github.com/webitel/im-message-plane/infra/pubsub"
)

// SubscriberProvider builds the consumer side of each bus.
type SubscriberProvider struct {
	factory *infrapubsub.Factory
}

func NewSubscriberProvider(factory *infrapubsub.Factory) *SubscriberProvider {
	return &SubscriberProvider{factory: factory}
}

// PrivateBus returns a per-node subscriber: every gateway node gets its own
// auto-delete queue bound to the whole private exchange and delivers only to
// users connected locally.
func (p *SubscriberProvider) PrivateBus(nodeID string) (message.Subscriber, error) {
	return p.factory.BuildSubscriber(&infrapubsub.SubscriberConfig{
		Exchange:   privateExchange(),
		Queue:      "im-gateway." + nodeID + ".private.v1",
		AutoDelete: true,
		Prefetch:   64,
	})
}

// OfflineQueue returns a competing-consumer subscriber: all offline workers
// share one durable queue, so each message is persisted by exactly one
// worker (modulo redelivery, which the store-scope dedup absorbs).
func (p *SubscriberProvider) OfflineQueue() (message.Subscriber, error) {
	return p.factory.BuildSubscriber(&infrapubsub.SubscriberConfig{
		Exchange: offlineExchange(),
		Queue:    "im-offline-worker.v1",
		Durable:  true,
		Prefetch: 256,
	})
}

// GroupQueue returns the fan-out workers' shared durable queue.
func (p *SubscriberProvider) GroupQueue() (message.Subscriber, error) {
	return p.factory.BuildSubscriber(&infrapubsub.SubscriberConfig{
		Exchange: groupExchange(),
		Queue:    "im-fanout-worker.v1",
		Durable:  true,
		Prefetch: 64,
	})
}
