package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/event"
)

// Celler is the per-user delivery unit.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	Sessions() []Connector
	SessionCount() int
	QueuedFrames() int
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell isolates one user's delivery from everyone else's. A buffered mailbox
// decouples the bus consumers from socket latency; the background loop fans
// events out to every attached device session.
type Cell struct {
	userID  uuid.UUID
	mailbox chan event.Eventer

	mu       sync.RWMutex
	sessions map[uuid.UUID]Connector

	doneCh   chan struct{}
	stopOnce sync.Once

	lastActivityAt time.Time

	// sendTimeout bounds how long the fan-out loop may block on one slow
	// session before moving on.
	sendTimeout time.Duration
}

func NewCell(userID uuid.UUID, mailboxSize int, sendTimeout time.Duration) *Cell {
	c := &Cell{
		userID:         userID,
		mailbox:        make(chan event.Eventer, mailboxSize),
		sessions:       make(map[uuid.UUID]Connector),
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
		sendTimeout:    sendTimeout,
	}
	go c.loop()
	return c
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// IsIdle reports true when the user has no sessions and no recent traffic;
// the janitor uses it to reclaim memory.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) Push(ev event.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes a session and reports whether the cell is now empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

func (c *Cell) Sessions() []Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		out = append(out, conn)
	}
	return out
}

func (c *Cell) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) QueuedFrames() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := len(c.mailbox)
	for _, conn := range c.sessions {
		total += conn.QueueLen()
	}
	return total
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev event.Eventer) {
	for _, conn := range c.Sessions() {
		conn.Send(ev, c.sendTimeout)
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
