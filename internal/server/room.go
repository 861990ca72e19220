package server

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/quillsync/quillsync/internal/core/crdt"
	"github.com/quillsync/quillsync/internal/core/observability/log"
)

// Wire frame kinds, shared with the client transport: one kind byte followed
// by the payload.
const (
	frameUpdate    byte = 0x01
	frameAwareness byte = 0x02
	frameSync      byte = 0x03
)

type client struct {
	conn *websocket.Conn

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex

	// awareness client id last seen from this connection, "" until the
	// first awareness frame
	awarenessID string
}

func (c *client) send(kind byte, payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = kind
	copy(buf[1:], payload)
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// room is one document's relay state: the authoritative replica, the
// connected clients, and each client's last published awareness payload.
type room struct {
	documentID string
	logger     log.Log

	mu        sync.Mutex
	doc       *crdt.Document
	clients   map[*client]struct{}
	awareness map[string][]byte
}

func newRoom(documentID string, state []byte, logger log.Log) (*room, error) {
	doc := crdt.New("server")
	if state != nil {
		if err := doc.ApplyState(state); err != nil {
			return nil, err
		}
	}
	return &room{
		documentID: documentID,
		logger:     logger.With(log.String("document_id", documentID)),
		doc:        doc,
		clients:    make(map[*client]struct{}),
		awareness:  make(map[string][]byte),
	}, nil
}

// join registers the client, replays the current document state and the
// known awareness entries, and signals reconciliation with a sync frame.
func (r *room) join(c *client, writeTimeout time.Duration) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	state, err := r.doc.EncodeStateAsUpdate(nil)
	empty := r.doc.Len() == 0
	awareness := make([][]byte, 0, len(r.awareness))
	for _, payload := range r.awareness {
		awareness = append(awareness, payload)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Failed to encode state for joining client", log.Error(err))
	} else if !empty {
		if err = c.send(frameUpdate, state, writeTimeout); err != nil {
			r.logger.Warn("Failed to replay state", log.Error(err))
		}
	}
	for _, payload := range awareness {
		_ = c.send(frameAwareness, payload, writeTimeout)
	}
	if err = c.send(frameSync, nil, writeTimeout); err != nil {
		r.logger.Warn("Failed to confirm sync", log.Error(err))
	}

	r.logger.Info("Client joined", log.Int("clients", r.size()))
}

// leave unregisters the client and tells the remaining peers its presence is
// gone. Returns the number of clients left.
func (r *room) leave(c *client, writeTimeout time.Duration) int {
	r.mu.Lock()
	delete(r.clients, c)
	if c.awarenessID != "" {
		delete(r.awareness, c.awarenessID)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if c.awarenessID != "" {
		if payload, err := json.Marshal(awarenessEnvelope{ClientID: c.awarenessID}); err == nil {
			r.relay(nil, frameAwareness, payload, writeTimeout)
		}
	}

	r.logger.Info("Client left", log.Int("clients", remaining))
	return remaining
}

// handleUpdate merges the update into the room replica and relays it to the
// other clients. Updates that do not parse are dropped, not relayed.
func (r *room) handleUpdate(from *client, payload []byte, writeTimeout time.Duration) {
	r.mu.Lock()
	err := r.doc.ApplyUpdate(payload)
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("Dropping invalid update", log.Error(err))
		return
	}
	r.relay(from, frameUpdate, payload, writeTimeout)
}

// awarenessEnvelope is the part of the awareness payload the relay needs;
// the rest stays opaque.
type awarenessEnvelope struct {
	ClientID string `json:"clientId"`
}

// handleAwareness remembers the client's latest presence payload (so late
// joiners see it) and relays it.
func (r *room) handleAwareness(from *client, payload []byte, writeTimeout time.Duration) {
	var env awarenessEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ClientID == "" {
		r.logger.Warn("Dropping malformed awareness payload")
		return
	}

	r.mu.Lock()
	from.awarenessID = env.ClientID
	r.awareness[env.ClientID] = payload
	r.mu.Unlock()

	r.relay(from, frameAwareness, payload, writeTimeout)
}

// relay fans a frame out to every client except the sender.
func (r *room) relay(from *client, kind byte, payload []byte, writeTimeout time.Duration) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		go func(c *client) {
			if err := c.send(kind, payload, writeTimeout); err != nil {
				r.logger.Debug("Relay write failed", log.Error(err))
			}
		}(c)
	}
}

// encodedState snapshots the room replica for persistence.
func (r *room) encodedState() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// closeAll disconnects every client in the room.
func (r *room) closeAll() {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()

	for _, c := range targets {
		_ = c.conn.Close()
	}
}
