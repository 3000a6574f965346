package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	infrapubsub "github.com/webitel/im-message-plane/infra/pubsub"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

// BusDispatcher is the high-level contract for outgoing bus traffic. The
// router, gateway and workers stay agnostic of exchange topology.
type BusDispatcher interface {
	PublishPrivate(ctx context.Context, msg *model.Message) error
	PublishOffline(ctx context.Context, msg *model.Message) error
	PublishGroup(ctx context.Context, ev *model.GroupEvent) error
	PublishDLQ(ctx context.Context, rec *model.DLQRecord) error
	// DLQPublisher exposes the raw publisher for watermill's poison-queue
	// middleware.
	DLQPublisher() message.Publisher
}

type busDispatcher struct {
	private message.Publisher
	group   message.Publisher
	offline message.Publisher
	dlq     message.Publisher
}

// Interface guard
var _ BusDispatcher = (*busDispatcher)(nil)

// NewBusDispatcher builds one confirmed publisher per exchange.
func NewBusDispatcher(factory *infrapubsub.Factory) (BusDispatcher, error) {
	d := new(busDispatcher)

	var err error
	if d.private, err = factory.BuildPublisher(&infrapubsub.PublisherConfig{Exchange: privateExchange(), Confirm: true}); err != nil {
		return nil, fmt.Errorf("pubsub: private publisher: %w", err)
	}
	if d.group, err = factory.BuildPublisher(&infrapubsub.PublisherConfig{Exchange: groupExchange(), Confirm: true}); err != nil {
		return nil, fmt.Errorf("pubsub: group publisher: %w", err)
	}
	if d.offline, err = factory.BuildPublisher(&infrapubsub.PublisherConfig{Exchange: offlineExchange(), Confirm: true}); err != nil {
		return nil, fmt.Errorf("pubsub: offline publisher: %w", err)
	}
	if d.dlq, err = factory.BuildPublisher(&infrapubsub.PublisherConfig{Exchange: dlqExchange(), Confirm: true}); err != nil {
		return nil, fmt.Errorf("pubsub: dlq publisher: %w", err)
	}
	return d, nil
}

func (d *busDispatcher) PublishPrivate(ctx context.Context, msg *model.Message) error {
	return publishMessage(ctx, d.private, PrivateKey(msg.RecipientID), msg)
}

func (d *busDispatcher) PublishOffline(ctx context.Context, msg *model.Message) error {
	return publishMessage(ctx, d.offline, OfflineKey(msg.RecipientID), msg)
}

func (d *busDispatcher) PublishGroup(ctx context.Context, ev *model.GroupEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("pubsub: encode group event: %w", err)
	}

	m := message.NewMessage(watermill.NewUUID(), payload)
	m.SetContext(ctx)
	m.Metadata.Set(MetaGroupID, ev.GroupID.String())
	m.Metadata.Set(MetaMsgID, ev.MsgID)

	if err := d.group.Publish(GroupKey(ev.GroupID), m); err != nil {
		return fmt.Errorf("pubsub: publish group %s: %w", ev.GroupID, err)
	}
	return nil
}

func (d *busDispatcher) PublishDLQ(ctx context.Context, rec *model.DLQRecord) error {
	payload, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("pubsub: encode dlq record: %w", err)
	}

	m := message.NewMessage(watermill.NewUUID(), payload)
	m.SetContext(ctx)

	if err := d.dlq.Publish(DLQKey, m); err != nil {
		return fmt.Errorf("pubsub: publish dlq: %w", err)
	}
	return nil
}

func (d *busDispatcher) DLQPublisher() message.Publisher { return d.dlq }

func publishMessage(ctx context.Context, pub message.Publisher, key string, msg *model.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("pubsub: encode message %s: %w", msg.MsgID, err)
	}

	m := message.NewMessage(watermill.NewUUID(), payload)
	m.SetContext(ctx)
	m.Metadata.Set(MetaRecipientID, msg.RecipientID.String())
	m.Metadata.Set(MetaMsgID, msg.MsgID)

	if err := pub.Publish(key, m); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", key, err)
	}
	return nil
}
