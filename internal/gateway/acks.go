package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/im-message-plane/internal/domain/model"
)

// ResendFunc pushes one retransmission toward the session transport.
type ResendFunc func(msg *model.Message) bool

// AckSupervisor tracks deliver frames that went out on one session and have
// not been acked yet. The timer for a msg_id starts when the frame is
// written; a timeout retransmits on the same session, and after the retry
// budget is spent the supervisor gives up quietly — the durable copy in the
// store is what guarantees the message survives.
type AckSupervisor struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
	stopped bool

	timeout time.Duration
	retries int
	resend  ResendFunc
	logger  *slog.Logger
}

type pendingAck struct {
	msg      *model.Message
	attempts int
	timer    *time.Timer
}

func NewAckSupervisor(timeout time.Duration, retries int, resend ResendFunc, logger *slog.Logger) *AckSupervisor {
	return &AckSupervisor{
		pending: make(map[string]*pendingAck),
		timeout: timeout,
		retries: retries,
		resend:  resend,
		logger:  logger,
	}
}

// Track arms (or re-arms) the ack timer for a deliver frame. Called from the
// writer pump at transmission time, so a retransmission re-enters here and
// simply resets the timer without touching the attempt count.
func (s *AckSupervisor) Track(msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if p, ok := s.pending[msg.MsgID]; ok {
		p.timer.Reset(s.timeout)
		return
	}

	p := &pendingAck{msg: msg}
	p.timer = time.AfterFunc(s.timeout, func() { s.onTimeout(msg.MsgID) })
	s.pending[msg.MsgID] = p
}

// Resolve clears a pending entry. Returns false for unknown or already-acked
// ids; duplicate acks are a no-op by contract.
func (s *AckSupervisor) Resolve(msgID string) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[msgID]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(s.pending, msgID)
	return p.msg, true
}

// InFlight reports how many deliveries still await an ack.
func (s *AckSupervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every timer. Undelivered messages stay in the store and reach
// the device on its next flush.
func (s *AckSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *AckSupervisor) onTimeout(msgID string) {
	s.mu.Lock()
	p, ok := s.pending[msgID]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	p.attempts++
	if p.attempts > s.retries {
		delete(s.pending, msgID)
		s.mu.Unlock()
		s.logger.Warn("ack retries exhausted, leaving delivery to next flush",
			"msg_id", msgID, "attempts", p.attempts)
		return
	}
	msg := p.msg
	attempt := p.attempts
	s.mu.Unlock()

	s.logger.Debug("ack timeout, retransmitting", "msg_id", msgID, "attempt", attempt)
	s.resend(msg)

	// Re-arm unconditionally: Track resets this timer when the pump actually
	// writes the frame, and a stalled pump still burns through the budget.
	s.mu.Lock()
	if p, ok := s.pending[msgID]; ok && !s.stopped {
		p.timer.Reset(s.timeout)
	}
	s.mu.Unlock()
}
