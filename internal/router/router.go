// Package router is the stateless routing core. It stamps every inbound
// message with its conversation sequence, writes it through to the durable
// offline bus, and additionally publishes on the fast private bus when the
// recipient has at least one live registry entry.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/dedup"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/sequencer"
)

// Path tells the caller which leg carried the message.
type Path string

const (
	// PathFast means the recipient looked online and the message also went
	// out on the private bus. Durability still comes from the offline leg.
	PathFast Path = "fast"
	// PathSlow means no live route was found (or the fast publish failed);
	// the offline worker will persist and the recipient pulls on reconnect.
	PathSlow Path = "slow"
)

// Outcome is what the sender gets back. Duplicate outcomes replay the
// original sequence so client retries converge on one answer.
type Outcome struct {
	MsgID     string
	Sequence  uint64
	Path      Path
	Duplicate bool
}

// Router is the message-routing contract.
type Router interface {
	// RoutePrivate accepts one private message, assigns its sequence and
	// dispatches it. A msg_id seen before returns the recorded outcome with
	// Duplicate set; the message is not re-published.
	RoutePrivate(ctx context.Context, msg *model.Message) (*Outcome, error)
	// RouteGroup accepts one group message and publishes a single fan-out
	// event; per-member expansion happens in the fan-out worker.
	RouteGroup(ctx context.Context, msg *model.Message) (*Outcome, error)
}

// Interface guard
var _ Router = (*MessageRouter)(nil)

type MessageRouter struct {
	dedup    dedup.Set
	seq      sequencer.Sequencer
	routes   *RouteCache
	bus      pubsub.BusDispatcher
	logger   *slog.Logger
	clock    func() time.Time
	outcomes *lru.Cache[string, *Outcome]
}

const outcomeCacheSize = 65536

type Params struct {
	Dedup  dedup.Set
	Seq    sequencer.Sequencer
	Routes *RouteCache
	Bus    pubsub.BusDispatcher
	Logger *slog.Logger
}

func NewMessageRouter(p Params) (*MessageRouter, error) {
	outcomes, err := lru.New[string, *Outcome](outcomeCacheSize)
	if err != nil {
		return nil, err
	}
	return &MessageRouter{
		dedup:    p.Dedup,
		seq:      p.Seq,
		routes:   p.Routes,
		bus:      p.Bus,
		logger:   p.Logger.With("component", "router"),
		clock:    time.Now,
		outcomes: outcomes,
	}, nil
}

func (r *MessageRouter) RoutePrivate(ctx context.Context, msg *model.Message) (*Outcome, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.ConversationType != model.ConversationPrivate {
		return nil, fmt.Errorf("router: RoutePrivate called with %s message", msg.ConversationType)
	}
	msg.ConversationID = model.PrivateConversationID(msg.SenderID, msg.RecipientID)

	if out, dup := r.checkDuplicate(ctx, msg.MsgID); dup {
		return out, nil
	}

	seq, err := r.seq.Next(ctx, msg.ConversationID)
	if err != nil {
		// No sequence, no message. The client keeps its msg_id and retries;
		// dedup has already marked it, so the retry hits the outcome cache
		// only if we got far enough to record one — which we did not. Unmark
		// is not possible with SETNX, so the retry relies on the outcome
		// cache being empty and falls through here again after the TTL.
		// In practice the sequencer and dedup share the same Redis, so a
		// sequencer outage implies the mark never landed either.
		return nil, err
	}
	msg.Stamp(seq, r.clock())

	// Durability first: the offline leg is unconditional. Only after the
	// write-through succeeds is the fast path worth attempting.
	if err := r.bus.PublishOffline(ctx, msg); err != nil {
		return nil, fmt.Errorf("router: offline publish %s: %w", msg.MsgID, err)
	}

	out := &Outcome{MsgID: msg.MsgID, Sequence: seq, Path: PathSlow}
	if r.recipientOnline(ctx, msg) {
		if err := r.bus.PublishPrivate(ctx, msg); err != nil {
			// The offline leg already holds the message; degrade to slow.
			r.logger.Warn("fast publish failed, slow path only",
				"msg_id", msg.MsgID, "recipient", msg.RecipientID, "err", err)
		} else {
			out.Path = PathFast
		}
	}

	r.outcomes.Add(msg.MsgID, out)
	r.logger.Debug("routed private message",
		"msg_id", msg.MsgID, "conversation", msg.ConversationID,
		"sequence", seq, "path", string(out.Path))
	return out, nil
}

func (r *MessageRouter) RouteGroup(ctx context.Context, msg *model.Message) (*Outcome, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.ConversationType != model.ConversationGroup {
		return nil, fmt.Errorf("router: RouteGroup called with %s message", msg.ConversationType)
	}
	msg.ConversationID = model.GroupConversationID(msg.GroupID)

	if out, dup := r.checkDuplicate(ctx, msg.MsgID); dup {
		return out, nil
	}

	seq, err := r.seq.Next(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	msg.Stamp(seq, r.clock())

	ev := &model.GroupEvent{
		MsgID:    msg.MsgID,
		GroupID:  msg.GroupID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		ClientTS: msg.ClientTS,
		ServerTS: msg.ServerTS,
		Sequence: seq,
	}
	if err := r.bus.PublishGroup(ctx, ev); err != nil {
		return nil, fmt.Errorf("router: group publish %s: %w", msg.MsgID, err)
	}

	out := &Outcome{MsgID: msg.MsgID, Sequence: seq, Path: PathSlow}
	r.outcomes.Add(msg.MsgID, out)
	r.logger.Debug("routed group message",
		"msg_id", msg.MsgID, "group", msg.GroupID, "sequence", seq)
	return out, nil
}

// checkDuplicate marks the id and, when it was already marked, replays the
// cached outcome. A duplicate whose outcome fell out of the cache still gets
// a duplicate answer, just without the original sequence.
func (r *MessageRouter) checkDuplicate(ctx context.Context, msgID string) (*Outcome, bool) {
	dup, err := r.dedup.CheckAndMark(ctx, msgID)
	if err != nil && errors.Is(err, dedup.ErrUnavailable) {
		// Fail open: a brief dedup outage may let a retry through twice,
		// which the store-side scope catches before any row is duplicated.
		return nil, false
	}
	if !dup {
		return nil, false
	}
	if out, ok := r.outcomes.Get(msgID); ok {
		replay := *out
		replay.Duplicate = true
		return &replay, true
	}
	return &Outcome{MsgID: msgID, Duplicate: true}, true
}

// recipientOnline consults the route cache. Lookup failures degrade to the
// slow path rather than failing the request.
func (r *MessageRouter) recipientOnline(ctx context.Context, msg *model.Message) bool {
	entries, err := r.routes.Lookup(ctx, msg.RecipientID)
	if err != nil {
		r.logger.Warn("registry lookup failed, slow path",
			"msg_id", msg.MsgID, "recipient", msg.RecipientID, "err", err)
		return false
	}
	return len(entries) > 0
}
