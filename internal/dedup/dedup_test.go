package dedup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T, scope string, ttl time.Duration) (*RedisSet, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSet(client, slog.Default(), scope, ttl), mr
}

func TestCheckAndMark_FirstObservationOnly(t *testing.T) {
	set, _ := newTestSet(t, "msg", time.Hour)
	ctx := context.Background()

	dup, err := set.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = set.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = set.CheckAndMark(ctx, "m-2")
	require.NoError(t, err)
	assert.False(t, dup, "distinct ids are independent")
}

func TestCheckAndMark_TTLExpiry(t *testing.T) {
	set, mr := newTestSet(t, "msg", time.Minute)
	ctx := context.Background()

	_, err := set.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	dup, err := set.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, dup, "after the retention window the id is fresh again")
}

func TestScopesDoNotShareKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	msgScope := NewRedisSet(client, slog.Default(), "msg", time.Hour)
	storeScope := NewRedisSet(client, slog.Default(), "store", time.Hour)
	ctx := context.Background()

	dup, err := msgScope.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)
	require.False(t, dup)

	// The router marking at ingress must not make the worker drop the row.
	dup, err = storeScope.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIsDuplicate_ReadOnly(t *testing.T) {
	set, _ := newTestSet(t, "store", time.Hour)
	ctx := context.Background()

	dup, err := set.IsDuplicate(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, dup)

	// The probe must not have marked.
	dup, err = set.CheckAndMark(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestCheckAndMark_BackendDown(t *testing.T) {
	set, mr := newTestSet(t, "msg", time.Hour)
	mr.Close()

	dup, err := set.CheckAndMark(context.Background(), "m-1")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, dup, "an outage reports not-a-duplicate, never drops")
}
