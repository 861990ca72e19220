// Package transporttest provides a scriptable in-memory transport for
// exercising the connection state machine without a network.
package transporttest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quillsync/quillsync/internal/core/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport hands out scriptable sessions. Set DialErr to make dials fail.
type Transport struct {
	mu       sync.Mutex
	dialErr  error
	dials    int
	sessions []*Session
}

func New() *Transport {
	return &Transport{}
}

// SetDialErr makes subsequent dials fail with err (nil restores success).
func (t *Transport) SetDialErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

func (t *Transport) Dial(_ context.Context, cfg transport.Config) (transport.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}

	s := &Session{
		clientID: uuid.New().String(),
		cfg:      cfg,
		events:   make(chan transport.Event, 64),
	}
	s.events <- transport.Event{Kind: transport.EventConnected}
	t.sessions = append(t.sessions, s)
	return s, nil
}

// Dials returns how many dial attempts were made.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// LastSession returns the most recently dialed session, nil if none.
func (t *Transport) LastSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

var _ transport.Session = (*Session)(nil)

// Session records outbound traffic and lets tests inject inbound events.
type Session struct {
	clientID string
	cfg      transport.Config
	events   chan transport.Event

	mu            sync.Mutex
	closed        bool
	closeOnce     sync.Once
	sentUpdates   [][]byte
	sentAwareness [][]byte
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) Config() transport.Config {
	return s.cfg
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) SendUpdate(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	s.sentUpdates = append(s.sentUpdates, append([]byte(nil), data...))
	return nil
}

func (s *Session) SendAwareness(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionClosed
	}
	s.sentAwareness = append(s.sentAwareness, append([]byte(nil), data...))
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// Emit injects an inbound event.
func (s *Session) Emit(ev transport.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- ev
}

// CompleteSync signals the server-side sync confirmation.
func (s *Session) CompleteSync() {
	s.Emit(transport.Event{Kind: transport.EventSyncComplete})
}

// Drop simulates a transport failure and terminates the event stream.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.events <- transport.Event{Kind: transport.EventDisconnected, Err: err}
	s.closeOnce.Do(func() { close(s.events) })
}

// SentUpdates returns copies of all broadcast update payloads.
func (s *Session) SentUpdates() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentUpdates))
	copy(out, s.sentUpdates)
	return out
}

// SentAwareness returns copies of all broadcast awareness payloads.
func (s *Session) SentAwareness() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentAwareness))
	copy(out, s.sentAwareness)
	return out
}
