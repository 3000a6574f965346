// Package event defines the envelopes that flow from the delivery pipeline
// through the hub to individual device sessions.
package event

import "github.com/google/uuid"

type Kind int16

const (
	Connected Kind = iota + 1
	Disconnected
	MessageDeliver
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case MessageDeliver:
		return "message_deliver"
	default:
		return "unknown"
	}
}

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer is the contract for every packet the hub routes. GetCached lets
// transports marshal once per event even when it fans out to several
// devices.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetUserID() uuid.UUID
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}
