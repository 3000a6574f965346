package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationType discriminates private pair threads from group threads.
type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

func (t ConversationType) Valid() bool {
	return t == ConversationPrivate || t == ConversationGroup
}

// DeliveryState tracks where a message sits in the delivery pipeline. It is
// advisory on the online path; durable state lives in the message store.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryAcked     DeliveryState = "acked"
	DeliveryFailed    DeliveryState = "failed"
)

// Content is an opaque payload plus its content-type tag. The plane never
// inspects Data.
type Content struct {
	Data        []byte `json:"data"`
	ContentType string `json:"content_type"`
}

// Message is the unit that flows end to end: gateway ingress, router, durable
// log, offline worker, store, gateway egress.
type Message struct {
	MsgID            string           `json:"msg_id"`
	ConversationType ConversationType `json:"conversation_type"`
	ConversationID   string           `json:"conversation_id"`
	SenderID         uuid.UUID        `json:"sender_id"`
	RecipientID      uuid.UUID        `json:"recipient_id,omitzero"`
	GroupID          uuid.UUID        `json:"group_id,omitzero"`
	Content          Content          `json:"content"`
	ClientTS         int64            `json:"client_ts"`
	ServerTS         int64            `json:"server_ts"`
	Sequence         uint64           `json:"sequence"`
}

// PrivateConversationID builds the canonical thread id for a user pair: the
// lexicographically ordered pair joined by a colon. Both directions of a
// dialog map to the same id, which is what makes the per-conversation
// sequence a total order over the dialog.
func PrivateConversationID(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}

// GroupConversationID namespaces group threads away from private ones so the
// two can never collide on a sequencer key.
func GroupConversationID(g uuid.UUID) string {
	return "g:" + g.String()
}

// Validate rejects messages that must never enter the pipeline. Empty msg_id
// is the cardinal sin: it is the dedup and retry-idempotency key.
func (m *Message) Validate() error {
	if m.MsgID == "" {
		return fmt.Errorf("message: empty msg_id")
	}
	if len(m.MsgID) > 128 {
		return fmt.Errorf("message: msg_id longer than 128 bytes")
	}
	if !m.ConversationType.Valid() {
		return fmt.Errorf("message: unknown conversation type %q", m.ConversationType)
	}
	if m.SenderID == uuid.Nil {
		return fmt.Errorf("message: empty sender")
	}
	switch m.ConversationType {
	case ConversationPrivate:
		if m.RecipientID == uuid.Nil {
			return fmt.Errorf("message: private message without recipient")
		}
	case ConversationGroup:
		if m.GroupID == uuid.Nil {
			return fmt.Errorf("message: group message without group id")
		}
	}
	return nil
}

// Stamp assigns the server-side ordering fields at sequencing time.
func (m *Message) Stamp(seq uint64, at time.Time) {
	m.Sequence = seq
	m.ServerTS = at.UnixMilli()
}

// Encode / DecodeMessage form the bus codec. JSON keeps payloads inspectable
// in the broker UI; content bytes ride base64-encoded.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
