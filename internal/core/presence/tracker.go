// Package presence tracks ephemeral per-user awareness state (identity,
// color, cursor, liveness) over the realtime channel. It degrades silently
// when the transport is unavailable; presence never blocks editing.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/quillsync/quillsync/internal/core/observability/log"
)

// Config holds the liveness policy.
type Config struct {
	HeartbeatInterval time.Duration
	InactiveTimeout   time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the standard liveness policy.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		InactiveTimeout:   30 * time.Second,
		PollInterval:      5 * time.Second,
	}
}

// User identifies who is editing.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// CursorRange is a selection in the document, anchor to focus.
type CursorRange struct {
	Anchor int `json:"anchor"`
	Focus  int `json:"focus"`
}

// Entry is one user's awareness state. ClientID is transport-assigned and
// ephemeral, not a stable user id.
type Entry struct {
	ClientID     string       `json:"clientId"`
	User         User         `json:"user"`
	Color        Color        `json:"color"`
	Cursor       *CursorRange `json:"cursor,omitempty"`
	LastActivity time.Time    `json:"lastActivity"`
}

// Peer is a remote entry with its liveness classification. Inactive peers
// are reported, not removed; removal happens only when the owning session
// disappears from the next snapshot.
type Peer struct {
	Entry
	Active bool
}

// wireState is the awareness payload. A client publishes its own entries
// under its client id (empty Entries means it is leaving); the server
// relays an aggregated snapshot with an empty ClientID.
type wireState struct {
	ClientID string  `json:"clientId,omitempty"`
	Entries  []Entry `json:"entries"`
}

// Broadcaster is the slice of the connection manager the tracker needs.
type Broadcaster interface {
	ClientID() string
	SendAwareness(data []byte) error
}

// Tracker publishes local presence and ingests remote entries for one
// document session.
type Tracker struct {
	cfg    Config
	bcast  Broadcaster
	logger log.Log
	now    func() time.Time

	mu      sync.Mutex
	local   *Entry
	remotes map[string]Entry
	done    chan struct{}
	started bool

	handlerMu    sync.RWMutex
	peerHandlers []func([]Peer)
}

// NewTracker creates a tracker bound to one session's broadcaster.
func NewTracker(b Broadcaster, cfg Config, logger log.Log) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{
		cfg:     cfg,
		bcast:   b,
		logger:  logger.With(log.String("component", "presence")),
		now:     time.Now,
		remotes: make(map[string]Entry),
	}
}

// Start launches the heartbeat and the classification poll. Staleness is
// time-based, so peers are re-classified on a fixed interval even without
// new awareness events.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.done = make(chan struct{})

	go t.heartbeatLoop(t.done)
	go t.pollLoop(t.done)
}

// Stop cancels timers and clears the local entry so peers promptly see the
// user leave.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.done)
	t.local = nil
	t.mu.Unlock()

	if id := t.bcast.ClientID(); id != "" {
		t.broadcast(wireState{ClientID: id})
	}
}

// PublishLocal announces the local user on the channel.
func (t *Tracker) PublishLocal(user User) {
	t.mu.Lock()
	entry := Entry{
		User:         user,
		Color:        ColorFor(user.ID),
		LastActivity: t.now(),
	}
	t.local = &entry
	t.mu.Unlock()

	t.publishLocal()
}

// UpdateCursor publishes a cursor move (nil clears the cursor) and bumps
// activity. Callers throttle; this may be driven by every keystroke.
func (t *Tracker) UpdateCursor(cursor *CursorRange) {
	t.mu.Lock()
	if t.local == nil {
		t.mu.Unlock()
		return
	}
	t.local.Cursor = cursor
	t.local.LastActivity = t.now()
	t.mu.Unlock()

	t.publishLocal()
}

// UpdateActivity bumps the liveness timestamp without touching the cursor.
func (t *Tracker) UpdateActivity() {
	t.mu.Lock()
	if t.local == nil {
		t.mu.Unlock()
		return
	}
	t.local.LastActivity = t.now()
	t.mu.Unlock()

	t.publishLocal()
}

// Ingest merges an inbound awareness payload and re-derives the peer list.
func (t *Tracker) Ingest(payload []byte) {
	var state wireState
	if err := json.Unmarshal(payload, &state); err != nil {
		t.logger.Warn("Dropping malformed awareness payload", log.Error(err))
		return
	}

	self := t.bcast.ClientID()

	t.mu.Lock()
	if state.ClientID != "" {
		// Single-peer delta: replace that peer's entries.
		if state.ClientID != self {
			if len(state.Entries) == 0 {
				delete(t.remotes, state.ClientID)
			} else {
				for _, e := range state.Entries {
					e.ClientID = state.ClientID
					t.remotes[state.ClientID] = e
				}
			}
		}
	} else {
		// Aggregated snapshot: entries absent from it are gone.
		t.remotes = make(map[string]Entry, len(state.Entries))
		for _, e := range state.Entries {
			if e.ClientID == self {
				continue
			}
			t.remotes[e.ClientID] = e
		}
	}
	t.mu.Unlock()

	t.notifyPeers()
}

// Peers returns the remote peers with their liveness classification.
func (t *Tracker) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peersLocked()
}

func (t *Tracker) peersLocked() []Peer {
	now := t.now()
	peers := make([]Peer, 0, len(t.remotes))
	for _, e := range t.remotes {
		peers = append(peers, Peer{
			Entry:  e,
			Active: now.Sub(e.LastActivity) < t.cfg.InactiveTimeout,
		})
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ClientID < peers[j].ClientID
	})
	return peers
}

// OnPeersChange registers a handler for re-derived peer lists.
func (t *Tracker) OnPeersChange(fn func([]Peer)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.peerHandlers = append(t.peerHandlers, fn)
}

// --- internals ---

func (t *Tracker) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.UpdateActivity()
		}
	}
}

func (t *Tracker) pollLoop(done chan struct{}) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.notifyPeers()
		}
	}
}

func (t *Tracker) notifyPeers() {
	t.mu.Lock()
	peers := t.peersLocked()
	t.mu.Unlock()

	t.handlerMu.RLock()
	handlers := make([]func([]Peer), len(t.peerHandlers))
	copy(handlers, t.peerHandlers)
	t.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(peers)
	}
}

// publishLocal broadcasts the local entry under the live session id. The id
// is ephemeral: empty while a dial is in flight and fresh after every
// reconnect, so it is resolved at send time, never cached in the entry.
func (t *Tracker) publishLocal() {
	id := t.bcast.ClientID()
	if id == "" {
		return
	}

	t.mu.Lock()
	if t.local == nil {
		t.mu.Unlock()
		return
	}
	t.local.ClientID = id
	entry := *t.local
	t.mu.Unlock()

	t.broadcast(wireState{ClientID: id, Entries: []Entry{entry}})
}

// broadcast publishes best-effort: transport outages degrade presence
// silently instead of surfacing errors into the edit path.
func (t *Tracker) broadcast(state wireState) {
	data, err := json.Marshal(state)
	if err != nil {
		t.logger.Warn("Failed to encode awareness state", log.Error(err))
		return
	}
	if err = t.bcast.SendAwareness(data); err != nil {
		t.logger.Debug("Awareness not published", log.Error(err))
	}
}
