package event

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

// Interface guard
var _ Eventer = (*DeliverEvent)(nil)

// DeliverEvent pushes one message to every session of the recipient user on
// this node. The hub routes on UserID; the ack supervisor tracks the
// underlying MsgID per device.
type DeliverEvent struct {
	message *model.Message
	userID  uuid.UUID
	// One event fans out to every writer pump of the recipient; the cache is
	// atomic because those pumps may marshal it concurrently.
	cached atomic.Value
}

func NewDeliverEvent(msg *model.Message, userID uuid.UUID) *DeliverEvent {
	return &DeliverEvent{message: msg, userID: userID}
}

func (e *DeliverEvent) GetID() string         { return e.message.MsgID }
func (e *DeliverEvent) GetKind() Kind         { return MessageDeliver }
func (e *DeliverEvent) GetUserID() uuid.UUID  { return e.userID }
func (e *DeliverEvent) GetPriority() Priority { return PriorityHigh }
func (e *DeliverEvent) GetOccurredAt() int64  { return e.message.ServerTS }
func (e *DeliverEvent) GetPayload() any       { return e.message }
func (e *DeliverEvent) GetCached() any        { return e.cached.Load() }
func (e *DeliverEvent) SetCached(v any)       { e.cached.Store(v) }

// Message exposes the typed payload for the delivery layer.
func (e *DeliverEvent) Message() *model.Message { return e.message }

// Interface guard
var _ Eventer = (*SystemEvent)(nil)

// SystemEvent carries service-generated signals (handshake results, server
// initiated teardown).
type SystemEvent struct {
	ID         string
	UserID     uuid.UUID
	Kind       Kind
	Priority   Priority
	OccurredAt int64
	Payload    any
	cached     atomic.Value
}

func NewSystemEvent(userID uuid.UUID, kind Kind, priority Priority, payload any) *SystemEvent {
	return &SystemEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       kind,
		Priority:   priority,
		OccurredAt: time.Now().UnixMilli(),
		Payload:    payload,
	}
}

func (e *SystemEvent) GetID() string         { return e.ID }
func (e *SystemEvent) GetKind() Kind         { return e.Kind }
func (e *SystemEvent) GetUserID() uuid.UUID  { return e.UserID }
func (e *SystemEvent) GetPriority() Priority { return e.Priority }
func (e *SystemEvent) GetOccurredAt() int64  { return e.OccurredAt }
func (e *SystemEvent) GetPayload() any       { return e.Payload }
func (e *SystemEvent) GetCached() any        { return e.cached.Load() }
func (e *SystemEvent) SetCached(v any)       { e.cached.Store(v) }
