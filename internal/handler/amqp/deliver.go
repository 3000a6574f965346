package amqp

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/domain/event"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

const (
	deliverHandlerName = "ON_PRIVATE_DELIVER"
	deliverPoisonTopic = "im-gateway.private.poison"
)

// DeliverHandler is the gateway-side fast path consumer: it watches the
// whole private bus through this node's queue and pushes messages to locally
// connected recipients. Users on other nodes are acked untouched; their
// gateway has its own queue.
type DeliverHandler struct {
	hub    hub.Hubber
	bus    pubsub.BusDispatcher
	logger *slog.Logger
	nodeID string
}

func NewDeliverHandler(hub hub.Hubber, bus pubsub.BusDispatcher, logger *slog.Logger, nodeID string) *DeliverHandler {
	return &DeliverHandler{
		hub:    hub,
		bus:    bus,
		logger: logger.With("component", "deliver_handler"),
		nodeID: nodeID,
	}
}

// [REGISTRATION_PIPELINE]
func (h *DeliverHandler) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(h.bus.DLQPublisher(), deliverPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	sub, err := subProvider.PrivateBus(h.nodeID)
	if err != nil {
		return err
	}

	router.AddConsumerHandler(deliverHandlerName, pubsub.PrivateBinding, sub, h.onDeliver).
		AddMiddleware(ConsumerMiddleware(h.logger, poison)...)

	h.logger.Info("AMQP_PIPELINE_READY", "handler", deliverHandlerName, "node", h.nodeID)
	return nil
}

func (h *DeliverHandler) onDeliver(msg *message.Message) error {
	// [PANIC_RECOVERY]
	// Keep the consumer alive whatever a malformed payload manages to do.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("PANIC_RECOVERED",
				"err", r,
				"stack", string(debug.Stack()),
				"msg_id", msg.UUID,
				"trace_id", TraceID(msg.Context()))
		}
	}()

	// [IDENTIFICATION]
	userID, ok := resolveRecipient(msg)
	if !ok {
		h.logger.Warn("ROUTING_FAILED: recipient_missing", "msg_id", msg.UUID)
		return nil // ACK: invalid routing is a terminal state.
	}

	// [LOCALITY_FILTER]
	// Only deliver when the recipient holds a session on THIS node.
	if !h.hub.IsConnected(userID) {
		return nil // ACK: another instance owns the user, or nobody does.
	}

	// [DECODING]
	m, err := model.DecodeMessage(msg.Payload)
	if err != nil {
		h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
		return nil // ACK: poison pill protection.
	}

	// [LOCAL_DISPATCH]
	// A refused broadcast means every session mailbox is saturated. Ack
	// anyway: the durable copy is already on the offline leg, the device
	// picks it up on its next flush.
	if !h.hub.Broadcast(event.NewDeliverEvent(m, userID)) {
		h.logger.Warn("BROADCAST_REFUSED",
			"msg_id", m.MsgID,
			"user_id", userID,
			"trace_id", TraceID(msg.Context()))
	}
	return nil
}

func resolveRecipient(msg *message.Message) (uuid.UUID, bool) {
	raw := msg.Metadata.Get(pubsub.MetaRecipientID)
	if raw == "" {
		return uuid.Nil, false
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return uid, true
}
