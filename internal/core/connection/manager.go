// Package connection owns the lifecycle of one realtime session per open
// document: connect, status transitions, bounded exponential reconnect,
// offline-duration tracking and manual recovery.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quillsync/quillsync/internal/core/observability/log"
	"github.com/quillsync/quillsync/internal/core/transport"
)

// Config holds the reconnect and liveness policy for a session.
type Config struct {
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	SyncConfirmTimeout   time.Duration
	OfflineTickInterval  time.Duration
	LongOfflineThreshold time.Duration
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		BackoffBase:          1 * time.Second,
		BackoffMax:           30 * time.Second,
		SyncConfirmTimeout:   2 * time.Second,
		OfflineTickInterval:  1 * time.Second,
		LongOfflineThreshold: 5 * time.Minute,
	}
}

// Manager drives the connection state machine for one document session.
// At most one live transport session exists per (endpoint, document, token)
// key; initializing again with the same key is a no-op against the existing
// session.
type Manager struct {
	cfg    Config
	tr     transport.Transport
	logger log.Log
	now    func() time.Time

	mu         sync.Mutex
	status     Status
	attempts   int
	exhausted  bool
	stopped    bool // manual disconnect or auth rejection: no automatic retry
	closed     bool
	lastErr    error
	sessionCfg transport.Config
	hasConfig  bool
	session    transport.Session

	// gen increments on every dial and teardown so events from a replaced
	// session are ignored.
	gen uint64

	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	syncTimer      *time.Timer

	offlineSince time.Time
	offlineStop  chan struct{}

	handlerMu         sync.RWMutex
	statusHandlers    []func(Status)
	updateHandlers    []func([]byte)
	awarenessHandlers []func([]byte)
	errorHandlers     []func(error)
	offlineHandlers   []func(time.Duration)
}

// NewManager creates a manager bound to one transport implementation.
func NewManager(tr transport.Transport, cfg Config, logger log.Log) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		cfg:     cfg,
		tr:      tr,
		logger:  logger.With(log.String("component", "connection")),
		now:     time.Now,
		status:  StatusDisconnected,
		backoff: newBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
}

// Initialize opens (or re-targets) the session for the given config.
// Same key while already connecting/connected: no-op. Same key while
// disconnected: nudges a reconnect. Changed key: full teardown first.
func (m *Manager) Initialize(cfg transport.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if !cfg.Valid() {
		return ErrInvalidConfig
	}

	if m.hasConfig && m.sessionCfg.Equal(cfg) {
		if m.status != StatusDisconnected {
			return nil
		}
		m.logger.Info("Nudging disconnected session", log.String("document_id", cfg.DocumentID))
		m.resetRetryLocked()
		m.dialLocked()
		return nil
	}

	if m.hasConfig {
		m.logger.Info("Session config changed, tearing down",
			log.String("old_document_id", m.sessionCfg.DocumentID),
			log.String("document_id", cfg.DocumentID))
	}
	m.teardownSessionLocked()
	m.sessionCfg = cfg
	m.hasConfig = true
	m.resetRetryLocked()
	m.dialLocked()
	return nil
}

// Reconnect forces an immediate reconnect, clearing the exhausted flag and
// the attempt counter regardless of prior state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if !m.hasConfig {
		return ErrInvalidConfig
	}

	m.logger.Info("Manual reconnect requested")
	m.teardownSessionLocked()
	m.resetRetryLocked()
	m.dialLocked()
	return nil
}

// Disconnect closes the session and suppresses automatic reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.logger.Info("Manual disconnect requested")
	m.stopped = true
	m.cancelTimersLocked()
	m.teardownSessionLocked()
	m.setStatusLocked(StatusDisconnected)
}

// Close tears the manager down for good. All timers stop; no further
// events are delivered.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.cancelTimersLocked()
	m.teardownSessionLocked()
	m.stopOfflineTickerLocked()
	m.status = StatusDisconnected
}

// SendUpdate broadcasts CRDT update bytes over the live session.
func (m *Manager) SendUpdate(data []byte) error {
	s := m.liveSession()
	if s == nil {
		return ErrNotConnected
	}
	return s.SendUpdate(data)
}

// SendAwareness broadcasts the local awareness state over the live session.
func (m *Manager) SendAwareness(data []byte) error {
	s := m.liveSession()
	if s == nil {
		return ErrNotConnected
	}
	return s.SendAwareness(data)
}

// ClientID returns the ephemeral id of the current session, or "" when
// there is none.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ClientID()
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the current reconnect attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IsExhausted reports whether automatic reconnection has been given up.
// Only Reconnect clears it.
func (m *Manager) IsExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// LastError returns the most recent transport error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OfflineDuration returns how long the session has been offline, zero when
// online.
func (m *Manager) OfflineDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offlineSince.IsZero() {
		return 0
	}
	return m.now().Sub(m.offlineSince)
}

// IsLongOffline reports whether the offline period has crossed the
// escalation threshold. Unsynced offline edits grow the data-loss risk, so
// callers use this to sharpen their warnings.
func (m *Manager) IsLongOffline() bool {
	return m.OfflineDuration() >= m.cfg.LongOfflineThreshold
}

// OnStatusChange registers a handler for status transitions.
func (m *Manager) OnStatusChange(fn func(Status)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.statusHandlers = append(m.statusHandlers, fn)
}

// OnUpdate registers a handler for inbound CRDT update bytes.
func (m *Manager) OnUpdate(fn func([]byte)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.updateHandlers = append(m.updateHandlers, fn)
}

// OnAwareness registers a handler for inbound awareness payloads.
func (m *Manager) OnAwareness(fn func([]byte)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.awarenessHandlers = append(m.awarenessHandlers, fn)
}

// OnError registers a handler for terminal conditions (exhaustion, auth
// rejection).
func (m *Manager) OnError(fn func(error)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.errorHandlers = append(m.errorHandlers, fn)
}

// OnOfflineTick registers a handler called once per tick interval with the
// elapsed offline duration while the session stays offline.
func (m *Manager) OnOfflineTick(fn func(time.Duration)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.offlineHandlers = append(m.offlineHandlers, fn)
}

// --- internals ---

func (m *Manager) liveSession() transport.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) resetRetryLocked() {
	m.cancelTimersLocked()
	m.attempts = 0
	m.exhausted = false
	m.stopped = false
	m.lastErr = nil
	m.backoff.Reset()
}

func (m *Manager) cancelTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopSyncTimerLocked()
}

func (m *Manager) stopSyncTimerLocked() {
	if m.syncTimer != nil {
		m.syncTimer.Stop()
		m.syncTimer = nil
	}
}

func (m *Manager) teardownSessionLocked() {
	m.gen++
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
}

// dialLocked starts a connect attempt for the current config.
func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen
	cfg := m.sessionCfg
	m.setStatusLocked(StatusConnecting)

	go func() {
		session, err := m.tr.Dial(context.Background(), cfg)

		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed || gen != m.gen {
			if session != nil {
				_ = session.Close()
			}
			return
		}
		if err != nil {
			m.logger.Warn("Dial failed", log.Error(err))
			if err == transport.ErrAuthRejected {
				m.handleAuthRejectedLocked()
				return
			}
			m.handleDropLocked(err)
			return
		}

		m.session = session
		go m.eventLoop(gen, session)
	}()
}

func (m *Manager) eventLoop(gen uint64, session transport.Session) {
	for ev := range session.Events() {
		m.handleEvent(gen, ev)
	}
}

func (m *Manager) handleEvent(gen uint64, ev transport.Event) {
	m.mu.Lock()

	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		m.setStatusLocked(nextStatus(m.status, ev.Kind))
		m.armSyncTimerLocked(gen)
		m.mu.Unlock()

	case transport.EventSyncComplete:
		if m.status == StatusSyncing {
			m.completeSyncLocked()
		}
		m.mu.Unlock()

	case transport.EventUpdateReceived:
		m.mu.Unlock()
		m.fanOutUpdate(ev.Payload)

	case transport.EventAwarenessReceived:
		m.mu.Unlock()
		m.fanOutAwareness(ev.Payload)

	case transport.EventDisconnected:
		m.stopSyncTimerLocked()
		m.session = nil
		m.gen++
		m.handleDropLocked(ev.Err)
		m.mu.Unlock()

	case transport.EventAuthRejected:
		m.stopSyncTimerLocked()
		m.session = nil
		m.gen++
		m.handleAuthRejectedLocked()
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

// armSyncTimerLocked bounds the syncing phase: if the server never signals
// sync completion, the session is reported connected after the timeout.
func (m *Manager) armSyncTimerLocked(gen uint64) {
	m.stopSyncTimerLocked()
	m.syncTimer = time.AfterFunc(m.cfg.SyncConfirmTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen || m.status != StatusSyncing {
			return
		}
		m.completeSyncLocked()
	})
}

func (m *Manager) completeSyncLocked() {
	m.stopSyncTimerLocked()
	m.attempts = 0
	m.backoff.Reset()
	m.setStatusLocked(StatusConnected)
}

// handleDropLocked applies the reconnect policy after a transport failure.
func (m *Manager) handleDropLocked(err error) {
	if err != nil {
		m.lastErr = err
	}
	m.setStatusLocked(StatusDisconnected)

	if m.stopped || m.exhausted {
		return
	}

	m.attempts++
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.exhausted = true
		m.logger.Error("Reconnect attempts exhausted",
			log.Int("attempts", m.attempts),
			log.ErrorWithKey("last_error", m.lastErr))
		m.fanOutError(ErrReconnectExhausted)
		return
	}

	delay := m.backoff.NextBackOff()
	m.logger.Info("Scheduling reconnect",
		log.Int("attempt", m.attempts),
		log.Duration("delay", delay))

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.stopped || m.exhausted || m.status != StatusDisconnected {
			return
		}
		m.dialLocked()
	})
}

// handleAuthRejectedLocked stops retries: redialing with the same token is
// pointless, the caller must refresh credentials and reinitialize.
func (m *Manager) handleAuthRejectedLocked() {
	m.lastErr = transport.ErrAuthRejected
	m.stopped = true
	m.setStatusLocked(StatusDisconnected)
	m.fanOutError(transport.ErrAuthRejected)
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	old := m.status
	m.status = s
	m.logger.Debug("Status changed",
		log.String("from", old.String()),
		log.String("to", s.String()))

	if s == StatusDisconnected && m.offlineSince.IsZero() {
		m.offlineSince = m.now()
		m.startOfflineTickerLocked()
	}
	if s.Online() {
		m.offlineSince = time.Time{}
		m.stopOfflineTickerLocked()
	}

	m.handlerMu.RLock()
	handlers := make([]func(Status), len(m.statusHandlers))
	copy(handlers, m.statusHandlers)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		go fn(s)
	}
}

func (m *Manager) startOfflineTickerLocked() {
	if m.offlineStop != nil {
		return
	}
	stop := make(chan struct{})
	m.offlineStop = stop

	go func() {
		ticker := time.NewTicker(m.cfg.OfflineTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d := m.OfflineDuration()
				m.handlerMu.RLock()
				handlers := make([]func(time.Duration), len(m.offlineHandlers))
				copy(handlers, m.offlineHandlers)
				m.handlerMu.RUnlock()
				for _, fn := range handlers {
					fn(d)
				}
			}
		}
	}()
}

func (m *Manager) stopOfflineTickerLocked() {
	if m.offlineStop != nil {
		close(m.offlineStop)
		m.offlineStop = nil
	}
}

func (m *Manager) fanOutUpdate(payload []byte) {
	m.handlerMu.RLock()
	handlers := make([]func([]byte), len(m.updateHandlers))
	copy(handlers, m.updateHandlers)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

func (m *Manager) fanOutAwareness(payload []byte) {
	m.handlerMu.RLock()
	handlers := make([]func([]byte), len(m.awarenessHandlers))
	copy(handlers, m.awarenessHandlers)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

func (m *Manager) fanOutError(err error) {
	m.handlerMu.RLock()
	handlers := make([]func(error), len(m.errorHandlers))
	copy(handlers, m.errorHandlers)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		go fn(err)
	}
}
