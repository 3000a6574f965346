package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Interface guard
var _ Registrar = (*EtcdRegistry)(nil)

// EtcdRegistry implements Registrar on etcd leases. One lease per (user,
// device); the entry key is attached to the lease, so a gateway crash removes
// the entry within lease_ttl without any cleanup code running.
type EtcdRegistry struct {
	client     *clientv3.Client
	logger     *slog.Logger
	leaseTTL   time.Duration
	maxDevices int
}

func NewEtcdRegistry(client *clientv3.Client, logger *slog.Logger, leaseTTL time.Duration, maxDevices int) *EtcdRegistry {
	return &EtcdRegistry{
		client:     client,
		logger:     logger.With("component", "registry"),
		leaseTTL:   leaseTTL,
		maxDevices: maxDevices,
	}
}

func (r *EtcdRegistry) Register(ctx context.Context, entry Entry) (*Lease, error) {
	existing, err := r.Lookup(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= r.maxDevices && !hasDevice(existing, entry.DeviceID) {
		return nil, ErrDeviceCapExceeded
	}

	grant, err := r.client.Grant(ctx, int64(r.leaseTTL.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := entry.encode()
	if err != nil {
		return nil, err
	}

	key := entryKey(entry.UserID, entry.DeviceID)
	// Re-registering an existing device simply rebinds the key to the fresh
	// lease; the superseded lease expires on its own with no keys attached.
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return nil, fmt.Errorf("registry: put %s: %w", key, err)
	}

	r.logger.Debug("registered",
		"user_id", entry.UserID,
		"device_id", entry.DeviceID,
		"endpoint", entry.Endpoint,
		"lease_id", int64(grant.ID),
	)

	return &Lease{Key: key, LeaseID: int64(grant.ID), Entry: entry}, nil
}

func (r *EtcdRegistry) Renew(ctx context.Context, lease *Lease) error {
	_, err := r.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease.LeaseID))
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return ErrLeaseExpired
		}
		return fmt.Errorf("registry: renew lease %d: %w", lease.LeaseID, err)
	}
	return nil
}

func (r *EtcdRegistry) Release(ctx context.Context, lease *Lease) error {
	// Revoking the lease deletes the attached entry key atomically.
	if _, err := r.client.Revoke(ctx, clientv3.LeaseID(lease.LeaseID)); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return nil // already expired, nothing to release
		}
		return fmt.Errorf("registry: revoke lease %d: %w", lease.LeaseID, err)
	}
	return nil
}

func (r *EtcdRegistry) Lookup(ctx context.Context, userID uuid.UUID) ([]Entry, error) {
	resp, err := r.client.Get(ctx, userPrefix(userID), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %s: %w", userID, err)
	}

	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		entry, err := decodeEntry(kv.Value)
		if err != nil {
			r.logger.Warn("skipping undecodable registry entry", "key", string(kv.Key), "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *EtcdRegistry) EvictOldest(ctx context.Context, userID uuid.UUID) (*Entry, error) {
	entries, err := r.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	victim, ok := oldestEntry(entries)
	if !ok {
		return nil, nil
	}

	// Eviction must kill the victim's lease, not just its entry: the owning
	// gateway only learns about the eviction when its next Renew fails with
	// ErrLeaseExpired and tears the session down. Deleting the bare key would
	// leave the lease renewable and the Nth+1 connection alive forever.
	key := entryKey(victim.UserID, victim.DeviceID)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry: evict %s/%s: %w", victim.UserID, victim.DeviceID, err)
	}
	if len(resp.Kvs) == 0 {
		// Gone between Lookup and Get; the slot is free either way.
		return &victim, nil
	}

	if leaseID := resp.Kvs[0].Lease; leaseID != 0 {
		// Revocation deletes the attached key atomically.
		if _, err := r.client.Revoke(ctx, clientv3.LeaseID(leaseID)); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return nil, fmt.Errorf("registry: revoke evicted lease %d: %w", leaseID, err)
		}
	} else if _, err := r.client.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("registry: evict %s/%s: %w", victim.UserID, victim.DeviceID, err)
	}

	r.logger.Info("evicted oldest device",
		"user_id", victim.UserID,
		"device_id", victim.DeviceID,
		"connected_at", victim.ConnectedAt,
	)
	return &victim, nil
}

func (r *EtcdRegistry) Watch(ctx context.Context) (<-chan Change, error) {
	watchCh := r.client.Watch(ctx, keyPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
	out := make(chan Change, 64)

	go func() {
		defer close(out)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch error", "err", err)
				continue
			}
			for _, ev := range resp.Events {
				change, ok := r.toChange(ev)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (r *EtcdRegistry) toChange(ev *clientv3.Event) (Change, bool) {
	userID, deviceID, ok := parseKey(string(ev.Kv.Key))
	if !ok {
		return Change{}, false
	}

	change := Change{UserID: userID, DeviceID: deviceID}
	switch {
	case ev.Type == clientv3.EventTypeDelete:
		change.Type = Removed
		if ev.PrevKv != nil {
			if entry, err := decodeEntry(ev.PrevKv.Value); err == nil {
				change.Entry = entry
			}
		}
	default:
		change.Type = Added
		entry, err := decodeEntry(ev.Kv.Value)
		if err != nil {
			return Change{}, false
		}
		change.Entry = entry
	}
	return change, true
}
