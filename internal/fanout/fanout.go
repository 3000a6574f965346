// Package fanout expands group events into per-member deliveries (the
// slow half of group routing). One durable queue is shared by all fan-out
// workers; each event is expanded by exactly one of them.
package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/domain/model"
	amqphandler "github.com/webitel/im-message-plane/internal/handler/amqp"
	"github.com/webitel/im-message-plane/internal/router"
	"github.com/webitel/im-message-plane/internal/store"
)

const (
	handlerName = "ON_GROUP_FANOUT"
	poisonTopic = "im-fanout.group.poison"
)

type Worker struct {
	groups store.GroupStore
	routes *router.RouteCache
	bus    pubsub.BusDispatcher
	logger *slog.Logger
}

func NewWorker(groups store.GroupStore, routes *router.RouteCache, bus pubsub.BusDispatcher, logger *slog.Logger) *Worker {
	return &Worker{
		groups: groups,
		routes: routes,
		bus:    bus,
		logger: logger.With("component", "fanout"),
	}
}

func (w *Worker) RegisterHandlers(r *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(w.bus.DLQPublisher(), poisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	sub, err := subProvider.GroupQueue()
	if err != nil {
		return err
	}

	r.AddConsumerHandler(handlerName, pubsub.GroupBinding, sub, w.onGroupEvent).
		AddMiddleware(amqphandler.ConsumerMiddleware(w.logger, poison)...)

	w.logger.Info("AMQP_PIPELINE_READY", "handler", handlerName)
	return nil
}

// onGroupEvent expands one group record. The offline leg is published for
// every member unconditionally; the private leg only for members with a live
// registry route. An error anywhere nacks the whole event — the per-member
// publishes that already landed are idempotent downstream thanks to the
// (msg_id, recipient) store key.
func (w *Worker) onGroupEvent(msg *message.Message) error {
	ev, err := model.DecodeGroupEvent(msg.Payload)
	if err != nil {
		w.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
		return nil // ACK: poison pill protection.
	}

	ctx := msg.Context()
	members, err := w.groups.Members(ctx, ev.GroupID)
	if err != nil {
		return fmt.Errorf("fanout: members of %s: %w", ev.GroupID, err)
	}

	delivered := 0
	for _, member := range members {
		if member == ev.SenderID {
			continue
		}
		m := ev.MemberMessage(member)

		if err := w.bus.PublishOffline(ctx, m); err != nil {
			return fmt.Errorf("fanout: offline publish %s/%s: %w", ev.MsgID, member, err)
		}
		if w.memberOnline(ctx, m) {
			if err := w.bus.PublishPrivate(ctx, m); err != nil {
				// Offline leg already holds the copy; degrade silently.
				w.logger.Warn("fast publish failed for member",
					"msg_id", ev.MsgID, "member", member, "err", err)
				continue
			}
			delivered++
		}
	}

	w.logger.Debug("group event expanded",
		"msg_id", ev.MsgID, "group_id", ev.GroupID,
		"members", len(members), "fast_path", delivered)
	return nil
}

func (w *Worker) memberOnline(ctx context.Context, m *model.Message) bool {
	entries, err := w.routes.Lookup(ctx, m.RecipientID)
	if err != nil {
		w.logger.Warn("registry lookup failed, slow path",
			"msg_id", m.MsgID, "member", m.RecipientID, "err", err)
		return false
	}
	return len(entries) > 0
}
