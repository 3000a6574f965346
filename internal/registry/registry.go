// Package registry maintains the ephemeral (user, device) -> gateway
// endpoint mapping that routing decisions are based on. Entries are bound to
// a lease: a gateway that stops renewing disappears automatically, so a
// crashed node can never leave stale routes behind.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "/im/registry/users/"

var (
	// ErrDeviceCapExceeded is returned by Register when the user already has
	// the maximum number of devices and this device is not one of them. The
	// caller evicts the oldest device and retries once.
	ErrDeviceCapExceeded = errors.New("registry: device cap exceeded")

	// ErrLeaseExpired is returned by Renew when the lease is already gone;
	// the caller must re-register.
	ErrLeaseExpired = errors.New("registry: lease expired")
)

// Entry is the value stored per (user, device).
type Entry struct {
	UserID      uuid.UUID `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	Endpoint    string    `json:"endpoint"`
	SessionID   uuid.UUID `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (e Entry) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("registry: decode entry: %w", err)
	}
	return e, nil
}

// Lease is the opaque handle Register returns. The owner renews it on every
// heartbeat and releases it on teardown.
type Lease struct {
	Key     string
	LeaseID int64
	Entry   Entry
}

type ChangeType int

const (
	Added ChangeType = iota + 1
	Removed
)

// Change is one watch notification.
type Change struct {
	Type     ChangeType
	UserID   uuid.UUID
	DeviceID string
	Entry    Entry
}

// Registrar is the connection-registry contract.
type Registrar interface {
	Register(ctx context.Context, entry Entry) (*Lease, error)
	Renew(ctx context.Context, lease *Lease) error
	Release(ctx context.Context, lease *Lease) error
	Lookup(ctx context.Context, userID uuid.UUID) ([]Entry, error)
	// EvictOldest removes the user's longest-connected device entry and
	// returns it, or nil when the user has none.
	EvictOldest(ctx context.Context, userID uuid.UUID) (*Entry, error)
	// Watch streams add/remove changes for the whole registry subtree until
	// ctx is cancelled.
	Watch(ctx context.Context) (<-chan Change, error)
}

func entryKey(userID uuid.UUID, deviceID string) string {
	return keyPrefix + userID.String() + "/" + deviceID
}

func userPrefix(userID uuid.UUID) string {
	return keyPrefix + userID.String() + "/"
}

// parseKey recovers (user, device) from a registry key.
func parseKey(key string) (uuid.UUID, string, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return uuid.Nil, "", false
	}
	userPart, devicePart, ok := strings.Cut(rest, "/")
	if !ok || devicePart == "" {
		return uuid.Nil, "", false
	}
	userID, err := uuid.Parse(userPart)
	if err != nil {
		return uuid.Nil, "", false
	}
	return userID, devicePart, true
}

// oldestEntry picks the eviction victim by connected_at.
func oldestEntry(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	oldest := entries[0]
	for _, e := range entries[1:] {
		if e.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = e
		}
	}
	return oldest, true
}

// hasDevice reports whether the device already holds an entry, in which case
// Register is a refresh rather than a new slot.
func hasDevice(entries []Entry, deviceID string) bool {
	for _, e := range entries {
		if e.DeviceID == deviceID {
			return true
		}
	}
	return false
}
