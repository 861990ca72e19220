package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsync/quillsync/internal/core/connection"
	"github.com/quillsync/quillsync/internal/core/crdt"
	"github.com/quillsync/quillsync/internal/core/presence"
	"github.com/quillsync/quillsync/internal/core/replica"
	"github.com/quillsync/quillsync/internal/core/transport"
	"github.com/quillsync/quillsync/internal/core/transport/transporttest"
)

type fakeGateway struct {
	mu          sync.Mutex
	snapshots   map[string][]byte
	saves       atomic.Int64
	saveStarted atomic.Int64
	saveErr     error

	// saveGate, when set before use, blocks every save until it closes.
	saveGate chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{snapshots: make(map[string][]byte)}
}

func (g *fakeGateway) LoadSnapshot(_ context.Context, documentID string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshots[documentID], nil
}

func (g *fakeGateway) SaveSnapshot(_ context.Context, documentID string, encodedState []byte) error {
	g.saveStarted.Add(1)
	if g.saveGate != nil {
		<-g.saveGate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	g.saves.Add(1)
	g.snapshots[documentID] = append([]byte(nil), encodedState...)
	return nil
}

type harness struct {
	gateway *fakeGateway
	trans   *transporttest.Transport
	coord   *Coordinator
}

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoSaveInterval = 20 * time.Millisecond
	cfg.Connection = connection.Config{
		MaxReconnectAttempts: 10,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		SyncConfirmTimeout:   10 * time.Millisecond,
		OfflineTickInterval:  5 * time.Millisecond,
		LongOfflineThreshold: 5 * time.Minute,
	}
	return cfg
}

func newHarness(t *testing.T, g *fakeGateway) *harness {
	return newHarnessConfig(t, g, testSessionConfig())
}

func newHarnessConfig(t *testing.T, g *fakeGateway, cfg Config) *harness {
	t.Helper()
	tr := transporttest.New()
	store := replica.NewStore("doc-1", g, nil, nil)
	conn := connection.NewManager(tr, cfg.Connection, nil)
	coord := NewCoordinator(store, conn, cfg, nil)
	t.Cleanup(func() { coord.Close(context.Background()) })
	return &harness{gateway: g, trans: tr, coord: coord}
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	err := h.coord.Open(context.Background(), transport.Config{
		EndpointURL: "ws://localhost/sync",
		DocumentID:  "doc-1",
		Token:       "token",
	}, presence.User{ID: "user-1", Name: "Ada"})
	require.NoError(t, err)
}

// session waits for the async dial to hand out a live session.
func (h *harness) session(t *testing.T) *transporttest.Session {
	t.Helper()
	require.Eventually(t, func() bool { return h.trans.LastSession() != nil },
		time.Second, time.Millisecond)
	return h.trans.LastSession()
}

func TestTypeThenAutosaveThenReload(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	require.NoError(t, h.coord.Insert(0, "hello"))
	require.NoError(t, h.coord.Insert(5, " world"))
	assert.True(t, h.coord.HasUnsavedChanges())

	// One save for the whole burst once the debounce window elapses.
	assert.Eventually(t, func() bool { return g.saves.Load() == 1 },
		time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !h.coord.HasUnsavedChanges() },
		time.Second, time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), g.saves.Load(), "no further saves without edits")

	// A later session over the same gateway sees the typed text.
	h2 := newHarness(t, g)
	h2.open(t)
	assert.Equal(t, "hello world", h2.coord.Store().Doc().Text())
}

func TestDebounceRearmsOnEachEdit(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.coord.Insert(i, "x"))
	}
	assert.Zero(t, g.saves.Load(), "save must wait for a quiet period")

	assert.Eventually(t, func() bool { return g.saves.Load() == 1 },
		time.Second, time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), g.saves.Load(), "the burst coalesces into one save")
}

func TestSaveNow(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	require.NoError(t, h.coord.Insert(0, "urgent"))
	require.NoError(t, h.coord.SaveNow(context.Background()))
	assert.Equal(t, int64(1), g.saves.Load())
	assert.False(t, h.coord.HasUnsavedChanges())

	// Unchanged state: forcing again does not re-persist.
	require.NoError(t, h.coord.SaveNow(context.Background()))
	assert.Equal(t, int64(1), g.saves.Load())

	// The cancelled debounce timer must not fire a duplicate save later.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), g.saves.Load())
}

func TestRemoteUpdatesApplyWithoutTriggeringAutosave(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	remote := crdt.New("site-remote")
	update, err := remote.Insert(0, "from a peer").Encode()
	require.NoError(t, err)

	h.session(t).Emit(transport.Event{
		Kind:    transport.EventUpdateReceived,
		Payload: update,
	})

	assert.Eventually(t, func() bool {
		return h.coord.Store().Doc().Text() == "from a peer"
	}, time.Second, time.Millisecond)

	// Remote edits are the origin replica's responsibility to persist.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, g.saves.Load())
	assert.False(t, h.coord.HasUnsavedChanges())
}

func TestAwarenessReachesPresence(t *testing.T) {
	h := newHarness(t, newFakeGateway())
	h.open(t)

	payload := fmt.Sprintf(
		`{"clientId":"peer-1","entries":[{"clientId":"peer-1","user":{"id":"u2","name":"Bo"},"lastActivity":%q}]}`,
		time.Now().UTC().Format(time.RFC3339Nano))
	h.session(t).Emit(transport.Event{
		Kind:    transport.EventAwarenessReceived,
		Payload: []byte(payload),
	})

	assert.Eventually(t, func() bool {
		peers := h.coord.Presence().Peers()
		return len(peers) == 1 && peers[0].User.Name == "Bo" && peers[0].Active
	}, time.Second, time.Millisecond)
}

func TestLocalEditsBroadcast(t *testing.T) {
	h := newHarness(t, newFakeGateway())
	h.open(t)

	s := h.session(t)
	require.Eventually(t, func() bool { return h.coord.Connection().Status().Online() },
		time.Second, time.Millisecond)
	require.NoError(t, h.coord.Insert(0, "shared"))

	assert.Eventually(t, func() bool {
		return len(s.SentUpdates()) == 1
	}, time.Second, time.Millisecond)

	// The broadcast payload must replay cleanly on a peer replica.
	peer := crdt.New("site-peer")
	require.NoError(t, peer.ApplyUpdate(s.SentUpdates()[0]))
	assert.Equal(t, "shared", peer.Text())
}

func TestOfflineEditsStillApplyLocally(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.trans.SetDialErr(transport.ErrDialFailed)
	h.open(t)

	// No session, so broadcasting fails silently; the edit must survive.
	require.NoError(t, h.coord.Insert(0, "offline words"))
	assert.Equal(t, "offline words", h.coord.Store().Doc().Text())

	assert.Eventually(t, func() bool { return g.saves.Load() == 1 },
		time.Second, time.Millisecond)
}

func TestCloseSavesUnsavedChanges(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	require.NoError(t, h.coord.Insert(0, "about to close"))
	h.coord.Close(context.Background())

	assert.Equal(t, int64(1), g.saves.Load())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), g.saves.Load(), "timers must be dead after close")
}

func TestCloseWithoutChangesSkipsSave(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	h.coord.Close(context.Background())
	assert.Zero(t, g.saves.Load())
}

func TestAutosaveRetriesAfterFailure(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	g.mu.Lock()
	g.saveErr = transport.ErrDialFailed
	g.mu.Unlock()

	require.NoError(t, h.coord.Insert(0, "flaky"))
	time.Sleep(60 * time.Millisecond)
	assert.True(t, h.coord.HasUnsavedChanges(), "failed save keeps the dirty flag")

	g.mu.Lock()
	g.saveErr = nil
	g.mu.Unlock()

	assert.Eventually(t, func() bool { return g.saves.Load() == 1 },
		time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !h.coord.HasUnsavedChanges() },
		time.Second, time.Millisecond)
}

func TestReconnectRepublishesPresence(t *testing.T) {
	h := newHarness(t, newFakeGateway())
	h.open(t)

	first := h.session(t)
	first.CompleteSync()
	assert.Eventually(t, func() bool {
		return h.coord.Connection().Status() == connection.StatusConnected
	}, time.Second, time.Millisecond)

	first.Drop(transport.ErrSessionClosed)

	// The re-announce must carry the new session's id; an empty or stale id
	// would be dropped or misread by the relay and the peers.
	assert.Eventually(t, func() bool {
		s := h.trans.LastSession()
		if s == first || len(s.SentAwareness()) == 0 {
			return false
		}
		sent := s.SentAwareness()
		var state struct {
			ClientID string `json:"clientId"`
		}
		if err := json.Unmarshal(sent[len(sent)-1], &state); err != nil {
			return false
		}
		return state.ClientID != "" && state.ClientID == s.ClientID()
	}, time.Second, time.Millisecond, "peers must see us again under the new session id")
}

func TestMutationDuringSaveKeepsUnsavedFlag(t *testing.T) {
	g := newFakeGateway()
	g.saveGate = make(chan struct{})
	cfg := testSessionConfig()
	cfg.AutoSaveInterval = time.Hour
	h := newHarnessConfig(t, g, cfg)
	h.open(t)

	require.NoError(t, h.coord.Insert(0, "first"))
	done := make(chan error, 1)
	go func() { done <- h.coord.SaveNow(context.Background()) }()
	require.Eventually(t, func() bool { return g.saveStarted.Load() == 1 },
		time.Second, time.Millisecond)

	// Lands after the save snapshotted its state.
	require.NoError(t, h.coord.Insert(5, " second"))

	close(g.saveGate)
	require.NoError(t, <-done)
	assert.True(t, h.coord.HasUnsavedChanges(),
		"the in-flight save does not cover the newer edit")

	require.NoError(t, h.coord.SaveNow(context.Background()))
	assert.False(t, h.coord.HasUnsavedChanges())

	h2 := newHarness(t, g)
	h2.open(t)
	assert.Equal(t, "first second", h2.coord.Store().Doc().Text())
}

func TestEditsDuringFailedAutosaveCoalesce(t *testing.T) {
	g := newFakeGateway()
	h := newHarness(t, g)
	h.open(t)

	g.mu.Lock()
	g.saveErr = transport.ErrDialFailed
	g.mu.Unlock()

	require.NoError(t, h.coord.Insert(0, "one"))
	require.Eventually(t, func() bool { return g.saveStarted.Load() >= 1 },
		time.Second, time.Millisecond)

	// The retry timer and the debounce timer now race; they must collapse
	// into a single save once the gateway heals.
	require.NoError(t, h.coord.Insert(3, " two"))

	g.mu.Lock()
	g.saveErr = nil
	g.mu.Unlock()

	assert.Eventually(t, func() bool { return g.saves.Load() == 1 },
		time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !h.coord.HasUnsavedChanges() },
		time.Second, time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), g.saves.Load(), "rearmed timers must not double-save")
}
