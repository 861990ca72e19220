package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quillsync/quillsync/internal/core/transport"
)

// Status is the connection state of one document session.
//
// disconnected -> connecting -> syncing -> connected, with any transport
// failure dropping back to disconnected. "syncing" exists because an open
// transport and a reconciled document are different events; reporting
// connected on transport-open alone flashes a false positive before remote
// state has merged in.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusSyncing
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusSyncing:
		return "syncing"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Online reports whether the transport is usable in this status.
func (s Status) Online() bool {
	return s == StatusSyncing || s == StatusConnected
}

// nextStatus is the pure transition function of the session state machine.
// Side effects (timers, dials, teardown) are the Manager's job; this only
// answers which status a transport event leads to.
func nextStatus(cur Status, ev transport.EventKind) Status {
	switch ev {
	case transport.EventConnected:
		return StatusSyncing
	case transport.EventSyncComplete:
		if cur == StatusSyncing {
			return StatusConnected
		}
		return cur
	case transport.EventDisconnected, transport.EventAuthRejected:
		return StatusDisconnected
	default:
		return cur
	}
}

// newBackoff builds the reconnect delay source: base, base*2, base*4, ...
// capped at max, with no jitter so the schedule is exact.
func newBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
