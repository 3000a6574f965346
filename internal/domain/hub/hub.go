/*
Package hub is the in-process session registry of a gateway node.

Every user with at least one open session is represented by an isolated Cell
(an actor with its own mailbox); a Cell multiplexes events to all of the
user's device sessions. Lookups go through a sync.Map so the hot broadcast
path never takes a global lock, and an optional janitor reclaims cells that
went quiet.
*/
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/event"
	"github.com/webitel/im-message-plane/internal/domain/model"
)

// Hubber is the façade the delivery pipeline talks to.
type Hubber interface {
	Broadcast(ev event.Eventer) bool
	Register(conn Connector)
	Unregister(userID, connID uuid.UUID)
	IsConnected(userID uuid.UUID) bool
	SessionsOf(userID uuid.UUID) []Connector
	Stats() model.HubStats
	Shutdown()
}

type hubConfig struct {
	mailboxSize      int
	sendTimeout      time.Duration
	idleTimeout      time.Duration
	evictionInterval time.Duration
}

type Hub struct {
	cells     sync.Map // uuid.UUID -> Celler
	config    hubConfig
	startedAt time.Time
	doneCh    chan struct{}
	stopOnce  sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			mailboxSize:      1024,
			sendTimeout:      500 * time.Millisecond,
			idleTimeout:      30 * time.Minute,
			evictionInterval: 15 * time.Minute,
		},
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

func (h *Hub) IsConnected(userID uuid.UUID) bool {
	val, ok := h.cells.Load(userID)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	return ok && cell.SessionCount() > 0
}

// Broadcast routes the event to its user cell. False means the user has no
// cell on this node or the mailbox is saturated.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register lazily creates the user cell and attaches the session.
func (h *Hub) Register(conn Connector) {
	uID := conn.GetUserID()
	val, _ := h.cells.LoadOrStore(uID, Celler(NewCell(uID, h.config.mailboxSize, h.config.sendTimeout)))
	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
	}
}

// Unregister detaches a session and purges the cell once the last one is
// gone.
func (h *Hub) Unregister(userID, connID uuid.UUID) {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			if cell.Detach(connID) {
				cell.Stop()
				h.cells.Delete(userID)
			}
		}
	}
}

func (h *Hub) SessionsOf(userID uuid.UUID) []Connector {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Sessions()
		}
	}
	return nil
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	h.cells.Range(func(_, val any) bool {
		cell, ok := val.(Celler)
		if !ok {
			return true
		}
		stats.TotalUsers++
		stats.TotalSessions += cell.SessionCount()
		stats.QueuedFrames += cell.QueuedFrames()
		for _, conn := range cell.Sessions() {
			stats.DroppedFrames += conn.Dropped()
		}
		return true
	})
	return stats
}

// janitor periodically evicts cells that have been idle with no sessions.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if cell, ok := val.(Celler); ok && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Shutdown stops all cells and closes every attached session.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.doneCh)
	})
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			for _, conn := range cell.Sessions() {
				conn.Close()
			}
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}
