package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/hub"
)

// Deliverer hands out short-lived hub subscriptions for transports that do
// not keep a full gateway session (long-polling). Such subscriptions see the
// fast path only; the durable backlog still waits for a real session.
type Deliverer interface {
	Subscribe(ctx context.Context, userID uuid.UUID, deviceID string) (hub.Connector, error)
	Unsubscribe(userID, connID uuid.UUID)
}

// Interface guard
var _ Deliverer = (*DeliveryService)(nil)

type DeliveryService struct {
	hub hub.Hubber
}

func NewDeliveryService(h hub.Hubber) *DeliveryService {
	return &DeliveryService{hub: h}
}

func (s *DeliveryService) Subscribe(ctx context.Context, userID uuid.UUID, deviceID string) (hub.Connector, error) {
	const pollBufferSize = 256

	conn := hub.NewConnector(ctx, userID, deviceID, pollBufferSize)
	s.hub.Register(conn)
	return conn, nil
}

func (s *DeliveryService) Unsubscribe(userID, connID uuid.UUID) {
	s.hub.Unregister(userID, connID)
}
