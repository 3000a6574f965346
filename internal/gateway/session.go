package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/event"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/registry"
)

// Session is one authenticated device connection. It owns the registry lease
// and the ack supervisor; the transport handler drives it frame by frame.
type Session struct {
	info  model.SessionInfo
	conn  hub.Connector
	lease *registry.Lease
	acks  *AckSupervisor

	state  atomic.Int32
	logger *slog.Logger

	sendTimeout time.Duration

	drainOnce sync.Once
	closedCh  chan struct{}
}

func (s *Session) ID() uuid.UUID           { return s.info.SessionID }
func (s *Session) UserID() uuid.UUID       { return s.info.UserID }
func (s *Session) DeviceID() string        { return s.info.DeviceID }
func (s *Session) Info() model.SessionInfo { return s.info }
func (s *Session) Conn() hub.Connector     { return s.conn }
func (s *Session) Acks() *AckSupervisor    { return s.acks }

func (s *Session) State() model.SessionState {
	return model.SessionState(s.state.Load())
}

func (s *Session) setState(st model.SessionState) {
	s.state.Store(int32(st))
}

// Closed is signalled once the session reaches the Closed state.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// Accepting reports whether inbound frames are still processed. Draining and
// Closed sessions reject sends; acks are accepted until Closed.
func (s *Session) Accepting() bool {
	return s.State() == model.SessionActive
}

// push hands one deliver event to the transport queue. A refusal means the
// device is a slow consumer; the session transitions to Draining and the
// undelivered message is left to the store.
func (s *Session) push(msg *model.Message) bool {
	ev := event.NewDeliverEvent(msg, s.info.UserID)
	if s.conn.Send(ev, s.sendTimeout) {
		return true
	}
	s.logger.Warn("outbound queue saturated, draining session",
		"msg_id", msg.MsgID, "queue_len", s.conn.QueueLen())
	s.beginDrain()
	return false
}

// beginDrain moves the session to Draining exactly once. The owner (gateway
// teardown loop) closes the transport after the grace window.
func (s *Session) beginDrain() {
	s.drainOnce.Do(func() {
		if s.State() == model.SessionActive {
			s.setState(model.SessionDraining)
		}
	})
}
