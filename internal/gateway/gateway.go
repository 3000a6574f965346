// Package gateway is the session plane: it admits authenticated device
// connections, anchors them in the connection registry, flushes their stored
// backlog, and supervises delivery acks for everything pushed online.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/registry"
	"github.com/webitel/im-message-plane/internal/router"
	"github.com/webitel/im-message-plane/internal/store"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

// ErrNotAccepting is returned for send frames on a Draining or Closed
// session.
var ErrNotAccepting = errors.New("gateway: session not accepting frames")

type Gateway struct {
	cfg    config.GatewayConfig
	hub    hub.Hubber
	reg    registry.Registrar
	router router.Router
	store  store.MessageStore
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

type Params struct {
	fx.In

	Config *config.Config
	Hub    hub.Hubber
	Reg    registry.Registrar
	Router router.Router
	Store  store.MessageStore
	Logger *slog.Logger
}

func New(p Params) *Gateway {
	return &Gateway{
		cfg:      p.Config.Gateway,
		hub:      p.Hub,
		reg:      p.Reg,
		router:   p.Router,
		store:    p.Store,
		logger:   p.Logger.With("component", "gateway"),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Connect admits an authenticated device: registry entry under a fresh
// lease (evicting the oldest device once if the cap is hit), hub attachment,
// then the stored backlog flush. The returned session is Active.
func (g *Gateway) Connect(ctx context.Context, userID uuid.UUID, deviceID string, resumeFrom uint64) (*Session, error) {
	sessionID := uuid.New()
	entry := registry.Entry{
		UserID:      userID,
		DeviceID:    deviceID,
		Endpoint:    g.cfg.Endpoint,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
	}

	lease, err := g.register(ctx, entry)
	if err != nil {
		return nil, err
	}

	conn := hub.NewConnector(ctx, userID, deviceID, g.cfg.OutboundQueueCap)
	logger := g.logger.With("session_id", sessionID, "user_id", userID, "device_id", deviceID)

	s := &Session{
		info: model.SessionInfo{
			SessionID:   sessionID,
			UserID:      userID,
			DeviceID:    deviceID,
			Endpoint:    g.cfg.Endpoint,
			ConnectedAt: entry.ConnectedAt,
		},
		conn:        conn,
		lease:       lease,
		logger:      logger,
		sendTimeout: g.cfg.AckTimeout,
		closedCh:    make(chan struct{}),
	}
	s.acks = NewAckSupervisor(g.cfg.AckTimeout, g.cfg.AckRetries, s.push, logger)
	s.setState(model.SessionActive)

	g.hub.Register(conn)
	g.mu.Lock()
	g.sessions[sessionID] = s
	g.mu.Unlock()

	if err := g.flushOffline(ctx, s, resumeFrom); err != nil {
		// The backlog stays durable; the session is still usable and the next
		// reconnect resumes the flush.
		logger.Warn("offline flush incomplete", "err", err)
	}

	logger.Info("session connected", "resume_from", resumeFrom)
	return s, nil
}

func (g *Gateway) register(ctx context.Context, entry registry.Entry) (*registry.Lease, error) {
	lease, err := g.reg.Register(ctx, entry)
	if !errors.Is(err, registry.ErrDeviceCapExceeded) {
		return lease, err
	}

	evicted, evictErr := g.reg.EvictOldest(ctx, entry.UserID)
	if evictErr != nil {
		return nil, fmt.Errorf("gateway: evict for %s: %w", entry.UserID, evictErr)
	}
	if evicted != nil {
		g.logger.Info("evicted oldest device",
			"user_id", entry.UserID, "device_id", evicted.DeviceID)
	}
	return g.reg.Register(ctx, entry)
}

// Heartbeat renews the registry lease. ErrLeaseExpired means the entry is
// gone and routing no longer sees this session: the caller must tear the
// connection down so the client re-registers from scratch.
func (g *Gateway) Heartbeat(ctx context.Context, s *Session) error {
	if err := g.reg.Renew(ctx, s.lease); err != nil {
		if errors.Is(err, registry.ErrLeaseExpired) {
			g.logger.Warn("lease expired, closing session", "session_id", s.ID())
			g.Disconnect(context.WithoutCancel(ctx), s)
		}
		return err
	}
	return nil
}

// Ack processes a client delivery ack: resolve the in-flight entry and mark
// the row delivered for this device. Unknown and repeated acks are no-ops.
func (g *Gateway) Ack(ctx context.Context, s *Session, msgID string) error {
	if _, ok := s.acks.Resolve(msgID); !ok {
		return nil
	}
	if err := g.store.MarkDelivered(ctx, msgID, s.UserID(), s.DeviceID()); err != nil {
		// The ack is lost but not the message: the row stays undelivered and
		// the next flush re-sends it, which the client treats as a duplicate.
		return fmt.Errorf("gateway: mark delivered %s: %w", msgID, err)
	}
	return nil
}

// Send routes one client message. The sender identity comes from the
// session, never from the frame.
func (g *Gateway) Send(ctx context.Context, s *Session, msg *model.Message) (*router.Outcome, error) {
	if !s.Accepting() {
		return nil, ErrNotAccepting
	}
	msg.SenderID = s.UserID()
	switch msg.ConversationType {
	case model.ConversationGroup:
		return g.router.RouteGroup(ctx, msg)
	default:
		return g.router.RoutePrivate(ctx, msg)
	}
}

// Disconnect tears the session down: drain grace for in-flight acks when
// draining, then lease release, hub detach and supervisor stop.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	g.mu.Lock()
	if _, ok := g.sessions[s.ID()]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.ID())
	g.mu.Unlock()

	if s.State() == model.SessionDraining && s.acks.InFlight() > 0 {
		g.awaitDrain(s)
	}
	s.setState(model.SessionClosed)
	close(s.closedCh)

	s.acks.Stop()
	g.hub.Unregister(s.UserID(), s.conn.GetID())
	s.conn.Close()

	if err := g.reg.Release(ctx, s.lease); err != nil {
		g.logger.Warn("lease release failed, expires on its own",
			"session_id", s.ID(), "err", err)
	}
	g.logger.Info("session disconnected", "session_id", s.ID(), "user_id", s.UserID())
}

func (g *Gateway) awaitDrain(s *Session) {
	deadline := time.NewTimer(g.cfg.DrainGrace)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return
		case <-tick.C:
			if s.acks.InFlight() == 0 {
				return
			}
		}
	}
}

// flushOffline replays the stored backlog in sequence order. Each frame is
// tracked by the ack supervisor via the writer pump; rows are only marked
// delivered when the device acks, so an interrupted flush resumes where the
// acks stopped.
func (g *Gateway) flushOffline(ctx context.Context, s *Session, afterSeq uint64) error {
	for {
		batch, err := g.store.ScanUndelivered(ctx, s.UserID(), s.DeviceID(), afterSeq, g.cfg.FlushLimit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, msg := range batch {
			if !s.push(msg) {
				return fmt.Errorf("gateway: flush backpressure at seq %d", msg.Sequence)
			}
			afterSeq = msg.Sequence
		}
		if len(batch) < g.cfg.FlushLimit {
			return nil
		}
	}
}

// SessionCount is part of the stats surface.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Shutdown disconnects every session. Used on process stop so leases are
// released promptly instead of waiting out their TTL. Disconnects run in
// parallel because each one may sit out a drain grace period.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	all := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.Unlock()

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(32)
	for _, s := range all {
		grp.Go(func() error {
			g.Disconnect(ctx, s)
			return nil
		})
	}
	_ = grp.Wait()
}
