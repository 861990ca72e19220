package connection

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsync/quillsync/internal/core/transport"
	"github.com/quillsync/quillsync/internal/core/transport/transporttest"
)

var errFlaky = errors.New("connection reset")

func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		SyncConfirmTimeout:   25 * time.Millisecond,
		OfflineTickInterval:  5 * time.Millisecond,
		LongOfflineThreshold: 5 * time.Minute,
	}
}

func sessionConfig(doc string) transport.Config {
	return transport.Config{
		EndpointURL: "ws://localhost/sync",
		DocumentID:  doc,
		Token:       "token",
	}
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	assert.Eventually(t, func() bool { return m.Status() == want },
		time.Second, time.Millisecond, "want status %s", want)
}

func TestInitializeRequiresCompleteConfig(t *testing.T) {
	m := NewManager(transporttest.New(), testConfig(), nil)
	defer m.Close()

	err := m.Initialize(transport.Config{DocumentID: "doc"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestConnectGoesThroughSyncing(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)

	tr.LastSession().CompleteSync()
	waitStatus(t, m, StatusConnected)
	assert.Equal(t, 0, m.Attempts())
	assert.Zero(t, m.OfflineDuration())
}

func TestSyncConfirmTimerPromotes(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)

	// No explicit sync-complete: the bounded timer promotes instead.
	waitStatus(t, m, StatusConnected)
}

func TestReconnectExhaustion(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	var terminal atomic.Value
	m.OnError(func(err error) { terminal.Store(err) })

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)

	tr.SetDialErr(errFlaky)
	tr.LastSession().Drop(errFlaky)

	assert.Eventually(t, m.IsExhausted, time.Second, time.Millisecond)
	assert.Equal(t, 10, m.Attempts())
	// Initial dial plus nine scheduled retries; exhaustion stops the rest.
	assert.Equal(t, 10, tr.Dials())

	dials := tr.Dials()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dials, tr.Dials(), "no dials after exhaustion")

	err, _ := terminal.Load().(error)
	assert.ErrorIs(t, err, ErrReconnectExhausted)
}

func TestManualReconnectClearsExhaustion(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)

	tr.SetDialErr(errFlaky)
	tr.LastSession().Drop(errFlaky)
	assert.Eventually(t, m.IsExhausted, time.Second, time.Millisecond)

	tr.SetDialErr(nil)
	require.NoError(t, m.Reconnect())
	assert.False(t, m.IsExhausted())
	assert.Equal(t, 0, m.Attempts())
	waitStatus(t, m, StatusSyncing)
}

func TestManualDisconnectSuppressesRetry(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)

	dials := tr.Dials()
	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dials, tr.Dials(), "manual disconnect must not auto-reconnect")
}

func TestInitializeSameConfigIsNoop(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	cfg := sessionConfig("doc-1")
	require.NoError(t, m.Initialize(cfg))
	waitStatus(t, m, StatusSyncing)

	dials := tr.Dials()
	require.NoError(t, m.Initialize(cfg))
	assert.Equal(t, dials, tr.Dials())
}

func TestInitializeSameConfigNudgesWhenDisconnected(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	cfg := sessionConfig("doc-1")
	require.NoError(t, m.Initialize(cfg))
	waitStatus(t, m, StatusSyncing)

	m.Disconnect()
	dials := tr.Dials()

	require.NoError(t, m.Initialize(cfg))
	assert.Eventually(t, func() bool { return tr.Dials() == dials+1 },
		time.Second, time.Millisecond)
	waitStatus(t, m, StatusSyncing)
}

func TestInitializeChangedConfigRecreatesSession(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)
	first := tr.LastSession()

	require.NoError(t, m.Initialize(sessionConfig("doc-2")))
	assert.Eventually(t, func() bool {
		s := tr.LastSession()
		return s != first && s.Config().DocumentID == "doc-2"
	}, time.Second, time.Millisecond)
}

func TestAuthRejectionIsNotRetried(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	tr.SetDialErr(transport.ErrAuthRejected)
	require.NoError(t, m.Initialize(sessionConfig("doc-1")))

	waitStatus(t, m, StatusDisconnected)
	assert.Eventually(t, func() bool {
		return errors.Is(m.LastError(), transport.ErrAuthRejected)
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tr.Dials(), "same token must not be redialed")
}

func TestOfflineDurationTracking(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	base := time.Now()
	var offset atomic.Int64
	m.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	tr.SetDialErr(errFlaky)
	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	assert.Eventually(t, m.IsExhausted, time.Second, time.Millisecond)

	offset.Store(int64(299 * time.Second))
	assert.Equal(t, 299*time.Second, m.OfflineDuration())
	assert.False(t, m.IsLongOffline())

	offset.Store(int64(301 * time.Second))
	assert.True(t, m.IsLongOffline())

	// Reconnecting clears the offline clock.
	tr.SetDialErr(nil)
	require.NoError(t, m.Reconnect())
	waitStatus(t, m, StatusSyncing)
	assert.Zero(t, m.OfflineDuration())
	assert.False(t, m.IsLongOffline())
}

func TestOfflineTicksReportElapsed(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)
	defer m.Close()

	ticks := make(chan time.Duration, 64)
	m.OnOfflineTick(func(d time.Duration) {
		select {
		case ticks <- d:
		default:
		}
	})

	tr.SetDialErr(errFlaky)
	require.NoError(t, m.Initialize(sessionConfig("doc-1")))

	var last time.Duration
	for i := 0; i < 3; i++ {
		select {
		case d := <-ticks:
			assert.GreaterOrEqual(t, d, last, "offline duration must not decrease")
			last = d
		case <-time.After(time.Second):
			t.Fatal("no offline tick")
		}
	}
}

func TestSendRequiresSession(t *testing.T) {
	m := NewManager(transporttest.New(), testConfig(), nil)
	defer m.Close()

	assert.ErrorIs(t, m.SendUpdate([]byte("x")), ErrNotConnected)
	assert.ErrorIs(t, m.SendAwareness([]byte("x")), ErrNotConnected)
	assert.Empty(t, m.ClientID())
}

func TestCloseStopsEverything(t *testing.T) {
	tr := transporttest.New()
	m := NewManager(tr, testConfig(), nil)

	require.NoError(t, m.Initialize(sessionConfig("doc-1")))
	waitStatus(t, m, StatusSyncing)

	m.Close()
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.ErrorIs(t, m.Initialize(sessionConfig("doc-1")), ErrManagerClosed)
	assert.ErrorIs(t, m.Reconnect(), ErrManagerClosed)

	dials := tr.Dials()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dials, tr.Dials())
}
