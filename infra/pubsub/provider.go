// Package pubsub owns the AMQP connection and builds watermill publishers
// and subscribers on top of it. Topic exchanges plus per-recipient routing
// keys give the durable log its partition stickiness: everything for one
// recipient flows through one routing key and is consumed in order.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/webitel/im-message-plane/config"
)

// Provider owns the shared broker connection.
type Provider struct {
	conn   *amqp.ConnectionWrapper
	logger watermill.LoggerAdapter
}

func NewProvider(cfg *config.Config, logger watermill.LoggerAdapter) (*Provider, error) {
	conn, err := amqp.NewConnection(amqp.ConnectionConfig{AmqpURI: cfg.AMQP.URI}, logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect broker: %w", err)
	}
	return &Provider{conn: conn, logger: logger}, nil
}

func (p *Provider) GetFactory() *Factory {
	return &Factory{conn: p.conn, logger: p.logger}
}

func (p *Provider) Close() error {
	return p.conn.Close()
}
