// Package transport defines the realtime channel the sync engine rides on:
// one authenticated bidirectional session per open document, carrying CRDT
// update frames and ephemeral awareness frames. Implementations deliver a
// closed set of tagged events consumed by the connection state machine.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Transport errors
var (
	ErrAuthRejected  = errors.New("authentication rejected")
	ErrSessionClosed = errors.New("session is closed")
	ErrInvalidFrame  = errors.New("invalid frame")
	ErrDialFailed    = errors.New("dial failed")
)

// Config identifies one transport session. The (EndpointURL, DocumentID,
// Token) triple is the sharing key: at most one live session per key.
type Config struct {
	EndpointURL string
	DocumentID  string
	Token       string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Equal reports whether two configs address the same session key.
func (c Config) Equal(other Config) bool {
	return c.EndpointURL == other.EndpointURL &&
		c.DocumentID == other.DocumentID &&
		c.Token == other.Token
}

// Valid reports whether the config can be dialed at all.
func (c Config) Valid() bool {
	return c.EndpointURL != "" && c.DocumentID != "" && c.Token != ""
}

// EventKind tags the events a session can emit.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventSyncComplete
	EventUpdateReceived
	EventAwarenessReceived
	EventDisconnected
	EventAuthRejected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSyncComplete:
		return "sync_complete"
	case EventUpdateReceived:
		return "update_received"
	case EventAwarenessReceived:
		return "awareness_received"
	case EventDisconnected:
		return "disconnected"
	case EventAuthRejected:
		return "auth_rejected"
	default:
		return "unknown"
	}
}

// Event is one occurrence on a session. Payload is set for update and
// awareness events, Err for disconnects.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
}

// Session is one live channel to the sync server.
type Session interface {
	// ClientID returns the ephemeral id assigned to this session. It is not
	// a stable user id; a reconnect produces a new one.
	ClientID() string

	// SendUpdate broadcasts CRDT update bytes to the other replicas.
	SendUpdate(data []byte) error

	// SendAwareness broadcasts the encoded local awareness state.
	SendAwareness(data []byte) error

	// Events returns the session's event stream. The channel is closed
	// after the terminal disconnect event has been delivered.
	Events() <-chan Event

	Close() error
}

// Transport dials sessions. Implementations: websocket (primary), quic.
type Transport interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}
