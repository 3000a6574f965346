package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/event"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the transport-facing handle for one device session. The hub
// and gateway only ever see this interface; the concrete type stays private
// so tests can substitute fakes.
type Connector interface {
	GetID() uuid.UUID
	GetUserID() uuid.UUID
	GetDeviceID() string
	// Send enqueues an event for the writer pump. It returns false when the
	// outbound queue stayed full for the whole timeout: the session is a slow
	// consumer and must be drained.
	Send(ev event.Eventer, timeout time.Duration) bool
	Recv() <-chan event.Eventer
	QueueLen() int
	Dropped() uint64
	Close()
}

type connect struct {
	id       uuid.UUID
	userID   uuid.UUID
	deviceID string

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh    chan event.Eventer
	closeOnce sync.Once

	dropped uint64 // atomic
}

// [POOL] Connectors churn with every reconnect; reuse them to keep GC
// pressure flat under connect storms.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

func NewConnector(ctx context.Context, userID uuid.UUID, deviceID string, queueCap int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, userID, deviceID, queueCap)
	return c
}

// reset wipes pooled state with a struct literal, which also re-arms the
// sync.Once guard.
func (c *connect) reset(ctx context.Context, userID uuid.UUID, deviceID string, queueCap int) {
	childCtx, cancel := context.WithCancel(ctx)
	*c = connect{
		id:       uuid.New(),
		userID:   userID,
		deviceID: deviceID,
		ctx:      childCtx,
		cancelFn: cancel,
		sendCh:   make(chan event.Eventer, queueCap),
	}
}

func (c *connect) GetID() uuid.UUID     { return c.id }
func (c *connect) GetUserID() uuid.UUID { return c.userID }
func (c *connect) GetDeviceID() string  { return c.deviceID }

func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	default:
	}

	// Queue full. Wait out transient jitter, then report backpressure so the
	// owner can transition the session to Draining. Frames are never dropped
	// silently here: anything undelivered is already durable in the store.
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-t.C:
		atomic.AddUint64(&c.dropped, 1)
		return false
	}
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }
func (c *connect) QueueLen() int              { return len(c.sendCh) }
func (c *connect) Dropped() uint64            { return atomic.LoadUint64(&c.dropped) }

// Close terminates the session exactly once and recycles the object. Safe to
// call concurrently from the hub (shutdown), the cell (eviction) and the
// transport handler (defer).
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()

		if c.sendCh != nil {
			close(c.sendCh)
		}
		c.sendCh = nil

		connectPool.Put(c)
	})
}
