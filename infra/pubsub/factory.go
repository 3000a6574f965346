package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ExchangeConfig names a topic exchange.
type ExchangeConfig struct {
	Name    string
	Type    string
	Durable bool
}

// PublisherConfig builds a publisher bound to one exchange. The topic passed
// to Publish becomes the AMQP routing key.
type PublisherConfig struct {
	Exchange ExchangeConfig
	// Confirm waits for a broker publish confirmation; the durable-log
	// producers require it.
	Confirm bool
}

// SubscriberConfig builds a subscriber with its own queue. The topic passed
// to Subscribe becomes the binding pattern. A shared durable queue gives
// competing-consumer (consumer group) semantics; an exclusive auto-delete
// queue gives per-node fan-out.
type SubscriberConfig struct {
	Exchange   ExchangeConfig
	Queue      string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Prefetch   int
}

// Factory assembles watermill pub/sub pairs over the shared connection.
type Factory struct {
	conn   *amqp.ConnectionWrapper
	logger watermill.LoggerAdapter
}

func (f *Factory) BuildPublisher(cfg *PublisherConfig) (message.Publisher, error) {
	wcfg := amqp.Config{
		Marshaler: amqp.DefaultMarshaler{},
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return cfg.Exchange.Name },
			Type:         cfg.Exchange.Type,
			Durable:      cfg.Exchange.Durable,
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
			ConfirmDelivery:    cfg.Confirm,
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
	return amqp.NewPublisherWithConnection(wcfg, f.logger, f.conn)
}

func (f *Factory) BuildSubscriber(cfg *SubscriberConfig) (message.Subscriber, error) {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	wcfg := amqp.Config{
		Marshaler: amqp.DefaultMarshaler{},
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return cfg.Exchange.Name },
			Type:         cfg.Exchange.Type,
			Durable:      cfg.Exchange.Durable,
		},
		Queue: amqp.QueueConfig{
			GenerateName: func(string) string { return cfg.Queue },
			Durable:      cfg.Durable,
			AutoDelete:   cfg.AutoDelete,
			Exclusive:    cfg.Exclusive,
		},
		QueueBind: amqp.QueueBindConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
		},
		Consume: amqp.ConsumeConfig{
			Qos: amqp.QosConfig{PrefetchCount: prefetch},
		},
		TopologyBuilder: &amqp.DefaultTopologyBuilder{},
	}
	return amqp.NewSubscriberWithConnection(wcfg, f.logger, f.conn)
}
