// Package dedup is the bounded-TTL set of recently seen message ids. It is
// instantiated once per scope: the router marks ids at ingress (collapsing
// client retries) and the offline worker marks them before persisting
// (collapsing at-least-once bus redelivery). The scopes must not share keys,
// or the worker would drop every row the router had already marked.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable signals a backend failure. The set fails closed: the id was
// NOT marked, callers may proceed but must log, because a brief outage
// weakens dedup without ever violating durability.
var ErrUnavailable = errors.New("dedup: backend unavailable")

// Set is the atomic check-and-mark contract.
type Set interface {
	// CheckAndMark returns true iff the id was already present; otherwise it
	// inserts the id with the configured TTL and returns false. Concurrent
	// calls for the same id serialize so exactly one caller sees false.
	CheckAndMark(ctx context.Context, msgID string) (bool, error)
	// IsDuplicate is the read-only probe; it never marks.
	IsDuplicate(ctx context.Context, msgID string) (bool, error)
}

// Interface guard
var _ Set = (*RedisSet)(nil)

// RedisSet implements Set with SET NX EX, which is a single atomic
// round-trip per check-and-mark.
type RedisSet struct {
	client *redis.Client
	logger *slog.Logger
	scope  string
	ttl    time.Duration
}

func NewRedisSet(client *redis.Client, logger *slog.Logger, scope string, ttl time.Duration) *RedisSet {
	return &RedisSet{
		client: client,
		logger: logger.With("component", "dedup", "scope", scope),
		scope:  scope,
		ttl:    ttl,
	}
}

func (s *RedisSet) key(msgID string) string {
	return "dedup:" + s.scope + ":" + msgID
}

func (s *RedisSet) CheckAndMark(ctx context.Context, msgID string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.key(msgID), 1, s.ttl).Result()
	if err != nil {
		s.logger.Warn("check-and-mark failed, proceeding unmarked", "msg_id", msgID, "err", err)
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// SETNX succeeded => the key did not exist => first observation.
	return !set, nil
}

func (s *RedisSet) IsDuplicate(ctx context.Context, msgID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(msgID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}
