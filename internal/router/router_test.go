package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/registry"
	"github.com/webitel/im-message-plane/internal/sequencer"
)

// --- fakes ---

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: map[string]bool{}} }

func (f *fakeDedup) CheckAndMark(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	dup := f.seen[id]
	f.seen[id] = true
	return dup, nil
}

func (f *fakeDedup) IsDuplicate(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id], f.err
}

type fakeSequencer struct {
	mu   sync.Mutex
	next map[string]uint64
	err  error
}

func newFakeSequencer() *fakeSequencer { return &fakeSequencer{next: map[string]uint64{}} }

func (f *fakeSequencer) Next(_ context.Context, conv string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.next[conv]++
	return f.next[conv], nil
}

type fakeBus struct {
	mu         sync.Mutex
	private    []*model.Message
	offline    []*model.Message
	group      []*model.GroupEvent
	privateErr error
	offlineErr error
}

func (f *fakeBus) PublishPrivate(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.privateErr != nil {
		return f.privateErr
	}
	f.private = append(f.private, m)
	return nil
}

func (f *fakeBus) PublishOffline(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offlineErr != nil {
		return f.offlineErr
	}
	f.offline = append(f.offline, m)
	return nil
}

func (f *fakeBus) PublishGroup(_ context.Context, ev *model.GroupEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, ev)
	return nil
}

func (f *fakeBus) PublishDLQ(context.Context, *model.DLQRecord) error { return nil }
func (f *fakeBus) DLQPublisher() message.Publisher                    { return nil }

type fakeRegistrar struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]registry.Entry
	err     error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{entries: map[uuid.UUID][]registry.Entry{}}
}

func (f *fakeRegistrar) online(userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[userID] = []registry.Entry{{UserID: userID, DeviceID: "ios-1"}}
}

func (f *fakeRegistrar) Lookup(_ context.Context, userID uuid.UUID) ([]registry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[userID], nil
}

func (f *fakeRegistrar) Register(context.Context, registry.Entry) (*registry.Lease, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRegistrar) Renew(context.Context, *registry.Lease) error   { return nil }
func (f *fakeRegistrar) Release(context.Context, *registry.Lease) error { return nil }
func (f *fakeRegistrar) EvictOldest(context.Context, uuid.UUID) (*registry.Entry, error) {
	return nil, nil
}
func (f *fakeRegistrar) Watch(context.Context) (<-chan registry.Change, error) {
	ch := make(chan registry.Change)
	close(ch)
	return ch, nil
}

// --- harness ---

type harness struct {
	router *MessageRouter
	dedup  *fakeDedup
	seq    *fakeSequencer
	bus    *fakeBus
	reg    *fakeRegistrar
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dd := newFakeDedup()
	sq := newFakeSequencer()
	bus := &fakeBus{}
	reg := newFakeRegistrar()

	routes, err := NewRouteCache(reg, slog.Default(), 1)
	require.NoError(t, err)

	rt, err := NewMessageRouter(Params{
		Dedup:  dd,
		Seq:    sq,
		Routes: routes,
		Bus:    bus,
		Logger: slog.Default(),
	})
	require.NoError(t, err)
	return &harness{router: rt, dedup: dd, seq: sq, bus: bus, reg: reg}
}

func privateMsg(msgID string, sender, recipient uuid.UUID) *model.Message {
	return &model.Message{
		MsgID:            msgID,
		ConversationType: model.ConversationPrivate,
		SenderID:         sender,
		RecipientID:      recipient,
		Content:          model.Content{Data: []byte("hi"), ContentType: "text/plain"},
	}
}

// --- tests ---

func TestRoutePrivate_SlowPathWhenOffline(t *testing.T) {
	h := newHarness(t)
	out, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", uuid.New(), uuid.New()))
	require.NoError(t, err)

	assert.Equal(t, PathSlow, out.Path)
	assert.EqualValues(t, 1, out.Sequence)
	assert.Len(t, h.bus.offline, 1, "durable leg is unconditional")
	assert.Empty(t, h.bus.private)
}

func TestRoutePrivate_FastPathStillWritesThrough(t *testing.T) {
	h := newHarness(t)
	recipient := uuid.New()
	h.reg.online(recipient)

	out, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", uuid.New(), recipient))
	require.NoError(t, err)

	assert.Equal(t, PathFast, out.Path)
	assert.Len(t, h.bus.offline, 1, "fast path never skips the durable leg")
	assert.Len(t, h.bus.private, 1)
}

func TestRoutePrivate_FastPublishFailureDegradesToSlow(t *testing.T) {
	h := newHarness(t)
	recipient := uuid.New()
	h.reg.online(recipient)
	h.bus.privateErr = errors.New("broker hiccup")

	out, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", uuid.New(), recipient))
	require.NoError(t, err, "the offline leg already carries the message")
	assert.Equal(t, PathSlow, out.Path)
}

func TestRoutePrivate_DuplicateReplaysOutcome(t *testing.T) {
	h := newHarness(t)
	sender, recipient := uuid.New(), uuid.New()

	first, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", sender, recipient))
	require.NoError(t, err)

	second, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", sender, recipient))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sequence, second.Sequence, "retry converges on the original sequence")
	assert.Len(t, h.bus.offline, 1, "the duplicate is not re-published")
}

func TestRoutePrivate_SequenceOrderPerConversation(t *testing.T) {
	h := newHarness(t)
	sender, recipient := uuid.New(), uuid.New()

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		out, err := h.router.RoutePrivate(context.Background(), privateMsg(id, sender, recipient))
		require.NoError(t, err)
		assert.EqualValues(t, i+1, out.Sequence)
	}

	// The reverse direction shares the same thread and keeps counting.
	out, err := h.router.RoutePrivate(context.Background(), privateMsg("m-4", recipient, sender))
	require.NoError(t, err)
	assert.EqualValues(t, 4, out.Sequence)
}

func TestRoutePrivate_SequencerOutageFailsRequest(t *testing.T) {
	h := newHarness(t)
	h.seq.err = sequencer.ErrUnavailable

	_, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", uuid.New(), uuid.New()))
	require.ErrorIs(t, err, sequencer.ErrUnavailable)
	assert.Empty(t, h.bus.offline, "no sequence, no publish")
}

func TestRoutePrivate_OfflinePublishFailureFailsRequest(t *testing.T) {
	h := newHarness(t)
	h.bus.offlineErr = errors.New("broker down")

	_, err := h.router.RoutePrivate(context.Background(), privateMsg("m-1", uuid.New(), uuid.New()))
	require.Error(t, err)
}

func TestRoutePrivate_RejectsInvalid(t *testing.T) {
	h := newHarness(t)

	_, err := h.router.RoutePrivate(context.Background(), &model.Message{
		ConversationType: model.ConversationPrivate,
		SenderID:         uuid.New(),
		RecipientID:      uuid.New(),
	})
	require.Error(t, err, "empty msg_id never enters the pipeline")
}

func TestRouteGroup_PublishesSingleEvent(t *testing.T) {
	h := newHarness(t)
	msg := &model.Message{
		MsgID:            "g-1",
		ConversationType: model.ConversationGroup,
		SenderID:         uuid.New(),
		GroupID:          uuid.New(),
		Content:          model.Content{Data: []byte("all"), ContentType: "text/plain"},
	}

	out, err := h.router.RouteGroup(context.Background(), msg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Sequence)

	require.Len(t, h.bus.group, 1, "membership expansion is not the router's job")
	assert.Empty(t, h.bus.offline)
	assert.Equal(t, msg.GroupID, h.bus.group[0].GroupID)
}

func TestRouteCache_WatchInvalidation(t *testing.T) {
	reg := newFakeRegistrar()
	routes, err := NewRouteCache(reg, slog.Default(), 1)
	require.NoError(t, err)

	userID := uuid.New()
	entries, err := routes.Lookup(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The user connects; the cached empty answer must not outlive the change.
	reg.online(userID)
	routes.Invalidate(userID)

	entries, err = routes.Lookup(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
