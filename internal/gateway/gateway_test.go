package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/internal/domain/event"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/registry"
	"github.com/webitel/im-message-plane/internal/router"
)

// --- fakes ---

type fakeRegistrar struct {
	mu          sync.Mutex
	registerErr []error // shifted per Register call; nil entry means success
	renewErr    error
	registered  int
	evicted     int
	released    int
}

func (f *fakeRegistrar) Register(_ context.Context, entry registry.Entry) (*registry.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	if len(f.registerErr) > 0 {
		err := f.registerErr[0]
		f.registerErr = f.registerErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return &registry.Lease{Key: "k", LeaseID: int64(f.registered), Entry: entry}, nil
}

func (f *fakeRegistrar) Renew(context.Context, *registry.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewErr
}

func (f *fakeRegistrar) Release(context.Context, *registry.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeRegistrar) Lookup(context.Context, uuid.UUID) ([]registry.Entry, error) {
	return nil, nil
}

func (f *fakeRegistrar) EvictOldest(_ context.Context, userID uuid.UUID) (*registry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted++
	return &registry.Entry{UserID: userID, DeviceID: "stale-device"}, nil
}

func (f *fakeRegistrar) Watch(context.Context) (<-chan registry.Change, error) {
	ch := make(chan registry.Change)
	close(ch)
	return ch, nil
}

func (f *fakeRegistrar) counts() (registered, evicted, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered, f.evicted, f.released
}

type fakeStore struct {
	mu        sync.Mutex
	backlog   []*model.Message
	scanErr   error
	scans     []uint64                   // afterSeq per ScanUndelivered call
	delivered map[string]map[string]bool // device -> msg_id
}

func newFakeStore() *fakeStore {
	return &fakeStore{delivered: map[string]map[string]bool{}}
}

func (f *fakeStore) ScanUndelivered(_ context.Context, recipient uuid.UUID, device string, afterSeq uint64, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, afterSeq)
	if f.scanErr != nil {
		return nil, f.scanErr
	}

	var out []*model.Message
	for _, m := range f.backlog {
		if m.RecipientID != recipient || m.Sequence <= afterSeq || f.delivered[device][m.MsgID] {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkDelivered(_ context.Context, msgID string, _ uuid.UUID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered[device] == nil {
		f.delivered[device] = map[string]bool{}
	}
	f.delivered[device][msgID] = true
	return nil
}

func (f *fakeStore) InsertBatch(context.Context, []*model.Message) (int, error) { return 0, nil }
func (f *fakeStore) DeliveredDevices(context.Context, string, uuid.UUID) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) PurgeExpired(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) scanCalls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.scans...)
}

func (f *fakeStore) isDelivered(device, msgID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[device][msgID]
}

type fakeHub struct {
	mu           sync.Mutex
	registered   []hub.Connector
	unregistered int
}

func (f *fakeHub) Register(conn hub.Connector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, conn)
}

func (f *fakeHub) Unregister(uuid.UUID, uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered++
}

func (f *fakeHub) Broadcast(event.Eventer) bool         { return false }
func (f *fakeHub) IsConnected(uuid.UUID) bool           { return false }
func (f *fakeHub) SessionsOf(uuid.UUID) []hub.Connector { return nil }
func (f *fakeHub) Stats() model.HubStats                { return model.HubStats{} }
func (f *fakeHub) Shutdown()                            {}

type fakeRouter struct {
	mu     sync.Mutex
	routed []*model.Message
}

func (f *fakeRouter) RoutePrivate(_ context.Context, msg *model.Message) (*router.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, msg)
	return &router.Outcome{MsgID: msg.MsgID, Sequence: 1, Path: router.PathSlow}, nil
}

func (f *fakeRouter) RouteGroup(ctx context.Context, msg *model.Message) (*router.Outcome, error) {
	return f.RoutePrivate(ctx, msg)
}

// --- harness ---

type gwHarness struct {
	gw    *Gateway
	reg   *fakeRegistrar
	store *fakeStore
	hub   *fakeHub
	rt    *fakeRouter
}

func newGwHarness(t *testing.T, mutate func(*config.GatewayConfig)) *gwHarness {
	t.Helper()
	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			Endpoint:         "gw-1:8080",
			AckTimeout:       50 * time.Millisecond,
			AckRetries:       2,
			OutboundQueueCap: 64,
			DrainGrace:       50 * time.Millisecond,
			FlushLimit:       2,
		},
	}
	if mutate != nil {
		mutate(&cfg.Gateway)
	}

	h := &gwHarness{
		reg:   &fakeRegistrar{},
		store: newFakeStore(),
		hub:   &fakeHub{},
		rt:    &fakeRouter{},
	}
	h.gw = New(Params{
		Config: cfg,
		Hub:    h.hub,
		Reg:    h.reg,
		Router: h.rt,
		Store:  h.store,
		Logger: slog.Default(),
	})
	return h
}

func backlogMsg(recipient uuid.UUID, seq uint64) *model.Message {
	return &model.Message{
		MsgID:            "m-" + uuid.NewString()[:8],
		ConversationType: model.ConversationPrivate,
		SenderID:         uuid.New(),
		RecipientID:      recipient,
		Sequence:         seq,
	}
}

func drainSequences(t *testing.T, conn hub.Connector, n int) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-conn.Recv():
			de, ok := ev.(*event.DeliverEvent)
			require.True(t, ok)
			seqs = append(seqs, de.Message().Sequence)
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d backlog frames delivered", i, n)
		}
	}
	return seqs
}

// --- tests ---

func TestConnect_FlushesBacklogInPages(t *testing.T) {
	h := newGwHarness(t, nil) // FlushLimit 2
	userID := uuid.New()
	for seq := uint64(1); seq <= 5; seq++ {
		h.store.backlog = append(h.store.backlog, backlogMsg(userID, seq))
	}

	s, err := h.gw.Connect(context.Background(), userID, "ios-1", 0)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	seqs := drainSequences(t, s.Conn(), 5)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs, "backlog replays in sequence order")

	// Paging walks forward from the last delivered sequence of each page.
	assert.Equal(t, []uint64{0, 2, 4}, h.store.scanCalls())
	assert.Equal(t, model.SessionActive, s.State())
}

func TestConnect_ResumeSkipsAckedPrefix(t *testing.T) {
	h := newGwHarness(t, nil)
	userID := uuid.New()
	for seq := uint64(1); seq <= 5; seq++ {
		h.store.backlog = append(h.store.backlog, backlogMsg(userID, seq))
	}

	s, err := h.gw.Connect(context.Background(), userID, "ios-1", 3)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	seqs := drainSequences(t, s.Conn(), 2)
	assert.Equal(t, []uint64{4, 5}, seqs)
	assert.Equal(t, uint64(3), h.store.scanCalls()[0], "resume_from_seq seeds the scan")
}

func TestConnect_EvictsOldestAtDeviceCap(t *testing.T) {
	h := newGwHarness(t, nil)
	h.reg.registerErr = []error{registry.ErrDeviceCapExceeded, nil}

	s, err := h.gw.Connect(context.Background(), uuid.New(), "ios-6", 0)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	registered, evicted, _ := h.reg.counts()
	assert.Equal(t, 2, registered, "register is retried once after eviction")
	assert.Equal(t, 1, evicted)
}

func TestConnect_RegistryFailureAdmitsNothing(t *testing.T) {
	h := newGwHarness(t, nil)
	h.reg.registerErr = []error{errors.New("etcd down")}

	_, err := h.gw.Connect(context.Background(), uuid.New(), "ios-1", 0)
	require.Error(t, err)
	assert.Empty(t, h.hub.registered, "no hub attachment without a lease")
	assert.Equal(t, 0, h.gw.SessionCount())
}

func TestConnect_FlushFailureKeepsSessionUsable(t *testing.T) {
	h := newGwHarness(t, nil)
	h.store.scanErr = errors.New("pg down")

	s, err := h.gw.Connect(context.Background(), uuid.New(), "ios-1", 0)
	require.NoError(t, err, "the backlog stays durable; the session still opens")
	defer h.gw.Disconnect(context.Background(), s)
	assert.True(t, s.Accepting())
}

func TestConnect_BackpressureDuringFlushDrains(t *testing.T) {
	h := newGwHarness(t, func(cfg *config.GatewayConfig) {
		cfg.OutboundQueueCap = 1
		cfg.AckTimeout = 5 * time.Millisecond // also the push timeout
	})
	userID := uuid.New()
	for seq := uint64(1); seq <= 3; seq++ {
		h.store.backlog = append(h.store.backlog, backlogMsg(userID, seq))
	}

	// Nobody reads the connector: the queue saturates mid-flush.
	s, err := h.gw.Connect(context.Background(), userID, "ios-1", 0)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	assert.Equal(t, model.SessionDraining, s.State())
	assert.False(t, s.Accepting())
}

func TestHeartbeat_LeaseExpiryTearsSessionDown(t *testing.T) {
	h := newGwHarness(t, nil)

	s, err := h.gw.Connect(context.Background(), uuid.New(), "ios-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, h.gw.SessionCount())

	// The registry evicted us (device cap on another node) and revoked the
	// lease; the next heartbeat must close the session so routing and the
	// live connection agree.
	h.reg.renewErr = registry.ErrLeaseExpired
	err = h.gw.Heartbeat(context.Background(), s)
	require.ErrorIs(t, err, registry.ErrLeaseExpired)

	assert.Equal(t, 0, h.gw.SessionCount())
	assert.Equal(t, model.SessionClosed, s.State())
	select {
	case <-s.Closed():
	default:
		t.Fatal("closed channel not signalled")
	}
	_, _, released := h.reg.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, h.hub.unregistered)
}

func TestSend_DrainingSessionRejects(t *testing.T) {
	h := newGwHarness(t, nil)

	s, err := h.gw.Connect(context.Background(), uuid.New(), "ios-1", 0)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	s.beginDrain()
	_, err = h.gw.Send(context.Background(), s, backlogMsg(uuid.New(), 0))
	require.ErrorIs(t, err, ErrNotAccepting)
	assert.Empty(t, h.rt.routed)
}

func TestSend_StampsSenderFromSession(t *testing.T) {
	h := newGwHarness(t, nil)
	userID := uuid.New()

	s, err := h.gw.Connect(context.Background(), userID, "ios-1", 0)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	msg := backlogMsg(uuid.New(), 0)
	msg.SenderID = uuid.New() // forged on the wire
	_, err = h.gw.Send(context.Background(), s, msg)
	require.NoError(t, err)

	require.Len(t, h.rt.routed, 1)
	assert.Equal(t, userID, h.rt.routed[0].SenderID)
}

func TestAck_MarksRowForDevice(t *testing.T) {
	h := newGwHarness(t, nil)
	userID := uuid.New()

	s, err := h.gw.Connect(context.Background(), userID, "ios-1", 0)
	require.NoError(t, err)
	defer h.gw.Disconnect(context.Background(), s)

	msg := backlogMsg(userID, 7)
	s.Acks().Track(msg)

	require.NoError(t, h.gw.Ack(context.Background(), s, msg.MsgID))
	assert.True(t, h.store.isDelivered("ios-1", msg.MsgID))

	// Unknown and repeated acks touch nothing.
	require.NoError(t, h.gw.Ack(context.Background(), s, "never-sent"))
	require.NoError(t, h.gw.Ack(context.Background(), s, msg.MsgID))
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newGwHarness(t, nil)

	s, err := h.gw.Connect(context.Background(), uuid.New(), "ios-1", 0)
	require.NoError(t, err)

	h.gw.Disconnect(context.Background(), s)
	h.gw.Disconnect(context.Background(), s)

	_, _, released := h.reg.counts()
	assert.Equal(t, 1, released, "teardown runs once")
	assert.Equal(t, 0, h.gw.SessionCount())
}

func TestShutdown_ClosesEverySession(t *testing.T) {
	h := newGwHarness(t, nil)

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := h.gw.Connect(context.Background(), uuid.New(), "ios-1", 0)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	h.gw.Shutdown(context.Background())
	assert.Equal(t, 0, h.gw.SessionCount())
	for _, s := range sessions {
		assert.Equal(t, model.SessionClosed, s.State())
	}
	_, _, released := h.reg.counts()
	assert.Equal(t, 3, released)
}
