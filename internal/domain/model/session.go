package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle of a gateway session.
//
//	Connecting -> Authenticated -> Active <-> Draining -> Closed
//
// Draining stops accepting inbound frames and gives pending acks a bounded
// grace window before the registry lease is released.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionAuthenticated
	SessionActive
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionAuthenticated:
		return "authenticated"
	case SessionActive:
		return "active"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo is the immutable identity of a session, shared with the
// registry entry and the stats surface.
type SessionInfo struct {
	SessionID   uuid.UUID `json:"session_id"`
	UserID      uuid.UUID `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	Endpoint    string    `json:"endpoint"`
	ConnectedAt time.Time `json:"connected_at"`
}

// HubStats is the snapshot rendered by the stats dashboard and the debug
// endpoint.
type HubStats struct {
	TotalUsers    int    `json:"total_users"`
	TotalSessions int    `json:"total_sessions"`
	QueuedFrames  int    `json:"queued_frames"`
	DroppedFrames uint64 `json:"dropped_frames"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
