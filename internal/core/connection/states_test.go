package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quillsync/quillsync/internal/core/transport"
)

func TestNextStatus(t *testing.T) {
	cases := []struct {
		name string
		cur  Status
		ev   transport.EventKind
		want Status
	}{
		{"connect lands in syncing, not connected", StatusConnecting, transport.EventConnected, StatusSyncing},
		{"sync completion promotes to connected", StatusSyncing, transport.EventSyncComplete, StatusConnected},
		{"sync completion ignored when not syncing", StatusConnected, transport.EventSyncComplete, StatusConnected},
		{"disconnect from connected", StatusConnected, transport.EventDisconnected, StatusDisconnected},
		{"disconnect from syncing", StatusSyncing, transport.EventDisconnected, StatusDisconnected},
		{"disconnect from connecting", StatusConnecting, transport.EventDisconnected, StatusDisconnected},
		{"auth rejection drops the session", StatusSyncing, transport.EventAuthRejected, StatusDisconnected},
		{"payload events do not change status", StatusConnected, transport.EventUpdateReceived, StatusConnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextStatus(tc.cur, tc.ev))
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(1*time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "delay %d", i+1)
	}
}

func TestBackoffResets(t *testing.T) {
	b := newBackoff(1*time.Second, 30*time.Second)
	_ = b.NextBackOff()
	_ = b.NextBackOff()
	_ = b.NextBackOff()

	b.Reset()
	assert.Equal(t, 1*time.Second, b.NextBackOff())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "syncing", StatusSyncing.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.False(t, StatusConnecting.Online())
	assert.True(t, StatusSyncing.Online())
	assert.True(t, StatusConnected.Online())
}
