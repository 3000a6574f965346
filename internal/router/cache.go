package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"github.com/webitel/im-message-plane/internal/registry"
)

const (
	routeCacheSize = 32768
	routeCacheTTL  = 5 * time.Second
)

type cachedRoute struct {
	entries  []registry.Entry
	cachedAt time.Time
}

// RouteCache fronts registry lookups with a short-TTL LRU plus watch-driven
// invalidation, and a circuit breaker so a registry outage costs one failed
// call per interval instead of one per message.
type RouteCache struct {
	reg     registry.Registrar
	logger  *slog.Logger
	cache   *lru.Cache[uuid.UUID, cachedRoute]
	breaker *gobreaker.CircuitBreaker
	retries int
	clock   func() time.Time
}

func NewRouteCache(reg registry.Registrar, logger *slog.Logger, retries int) (*RouteCache, error) {
	cache, err := lru.New[uuid.UUID, cachedRoute](routeCacheSize)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "route_cache")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "registry-lookup",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change", "name", name,
				"from", from.String(), "to", to.String())
		},
	})
	return &RouteCache{
		reg:     reg,
		logger:  logger,
		cache:   cache,
		breaker: breaker,
		retries: retries,
		clock:   time.Now,
	}, nil
}

// Lookup returns the user's live registry entries, from cache when fresh.
func (c *RouteCache) Lookup(ctx context.Context, userID uuid.UUID) ([]registry.Entry, error) {
	if cached, ok := c.cache.Get(userID); ok {
		if c.clock().Sub(cached.cachedAt) < routeCacheTTL {
			return cached.entries, nil
		}
		c.cache.Remove(userID)
	}

	entries, err := c.lookupWithRetry(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(userID, cachedRoute{entries: entries, cachedAt: c.clock()})
	return entries, nil
}

// Invalidate drops the cached routes for one user.
func (c *RouteCache) Invalidate(userID uuid.UUID) {
	c.cache.Remove(userID)
}

func (c *RouteCache) lookupWithRetry(ctx context.Context, userID uuid.UUID) ([]registry.Entry, error) {
	attempts := c.retries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * 50 * time.Millisecond):
			}
		}
		res, err := c.breaker.Execute(func() (any, error) {
			return c.reg.Lookup(ctx, userID)
		})
		if err == nil {
			return res.([]registry.Entry), nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// The breaker is shedding; retrying inside this call is pointless.
			break
		}
	}
	return nil, fmt.Errorf("router: lookup %s: %w", userID, lastErr)
}

// WatchInvalidate consumes registry changes until ctx is cancelled, dropping
// cached routes the moment a device appears or disappears. Closing the gap
// between a disconnect and the cache TTL keeps fast-path misfires rare; the
// write-through offline leg covers the ones that slip past.
func (c *RouteCache) WatchInvalidate(ctx context.Context) error {
	changes, err := c.reg.Watch(ctx)
	if err != nil {
		return fmt.Errorf("router: watch registry: %w", err)
	}
	go func() {
		for change := range changes {
			c.Invalidate(change.UserID)
		}
		c.logger.Debug("registry watch closed")
	}()
	return nil
}
