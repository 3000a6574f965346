// Package sequencer allocates the strictly monotonic per-conversation
// sequence numbers. Blocks of ids are reserved from Redis with a single
// INCRBY; allocation inside a block is a local mutex-guarded increment, so
// the durable backend is touched once per block_size messages. A crash
// abandons the unused tail of the current block — sequences may skip, which
// the ordering invariant permits, but can never repeat.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the durable backing cannot reserve a
// block. Callers must fail the request; fabricating sequences is forbidden.
var ErrUnavailable = errors.New("sequencer: durable backing unavailable")

// Sequencer is the allocation contract.
type Sequencer interface {
	Next(ctx context.Context, conversationID string) (uint64, error)
}

// block is the reserved id range (last, last+1 .. hi] for one conversation.
type block struct {
	mu      sync.Mutex
	next    uint64 // next id to hand out
	hi      uint64 // inclusive upper bound of the reservation
	retired bool   // evicted from the table; its tail must never be handed out
}

// Interface guard
var _ Sequencer = (*RedisSequencer)(nil)

// RedisSequencer keeps the per-conversation block table in an LRU: evicting
// a warm block only costs the unused tail of its reservation, so the table
// stays bounded no matter how many conversations a node touches.
type RedisSequencer struct {
	client    *redis.Client
	blockSize uint64
	blocks    *lru.Cache[string, *block]
}

func NewRedisSequencer(client *redis.Client, blockSize uint64, maxConversations int) (*RedisSequencer, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("sequencer: block size must be > 0")
	}
	// The eviction callback runs under the cache lock and takes the block
	// mutex, so a block cannot be retired in the middle of an allocation: a
	// successor block for the same conversation, with its higher reservation,
	// only becomes reachable after the last allocation from the old one
	// finished. Without the flag, a goroutine holding a just-evicted block
	// could hand out its low tail after a fresh block already issued higher
	// ids, reordering the conversation.
	blocks, err := lru.NewWithEvict[string, *block](maxConversations, func(_ string, b *block) {
		b.mu.Lock()
		b.retired = true
		b.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return &RedisSequencer{
		client:    client,
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

func (s *RedisSequencer) counterKey(conversationID string) string {
	return "seq:conv:" + conversationID
}

func (s *RedisSequencer) Next(ctx context.Context, conversationID string) (uint64, error) {
	for {
		b, ok := s.blocks.Get(conversationID)
		if !ok {
			b = &block{}
			// Two goroutines may race to insert; both end up with the same
			// pointer via PeekOrAdd, and reservations stay disjoint regardless
			// because INCRBY is atomic.
			if prev, found, _ := s.blocks.PeekOrAdd(conversationID, b); found {
				b = prev
			}
		}

		b.mu.Lock()
		if b.retired {
			// Evicted between the cache lookup and the lock. Start over with
			// whatever block the table holds now.
			b.mu.Unlock()
			continue
		}

		if b.next == 0 || b.next > b.hi {
			hi, err := s.reserve(ctx, conversationID)
			if err != nil {
				b.mu.Unlock()
				return 0, err
			}
			b.hi = hi
			b.next = hi - s.blockSize + 1
		}

		seq := b.next
		b.next++
		b.mu.Unlock()
		return seq, nil
	}
}

// reserve claims the next block from the durable counter and returns its
// inclusive upper bound.
func (s *RedisSequencer) reserve(ctx context.Context, conversationID string) (uint64, error) {
	hi, err := s.client.IncrBy(ctx, s.counterKey(conversationID), int64(s.blockSize)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return uint64(hi), nil
}
