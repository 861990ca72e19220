// Package server is the reference sync relay: one websocket room per
// document relaying updates and awareness between clients, plus the snapshot
// HTTP API the client persistence gateway talks to. Snapshots are durable in
// a local bbolt store.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/quillsync/quillsync/internal/core/observability/log"
	"github.com/quillsync/quillsync/internal/core/persistence"
)

// Config holds server configuration
type Config struct {
	// Network settings
	ListenAddr string

	// AuthToken is required from every client; empty disables auth.
	AuthToken string

	// SnapshotPath is the bbolt file for durable snapshots.
	SnapshotPath string

	// Message settings
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel log.Level
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4 * 1024 * 1024,
		LogLevel:       log.LevelInfo,
	}
}

// Server relays document sessions and serves snapshots.
type Server struct {
	config Config
	logger log.Log

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener
	store    *persistence.LocalCache

	mu    sync.Mutex
	rooms map[string]*room

	running int32 // atomic bool
	closed  int32 // atomic bool
}

// New creates a server. The listener is not opened until Start.
func New(config Config, logger log.Log) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{
		config: config,
		logger: logger.With(log.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		rooms: make(map[string]*room),
	}
}

// Start opens the listener and begins serving. It does not block.
func (s *Server) Start(_ context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	if s.config.SnapshotPath != "" {
		store, err := persistence.OpenLocalCache(s.config.SnapshotPath, s.logger)
		if err != nil {
			atomic.StoreInt32(&s.running, 0)
			return err
		}
		s.store = store
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s}

	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("Serve failed", log.Error(serveErr))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down: HTTP drained, rooms persisted and closed.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", log.Error(err))
	}

	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	for _, r := range rooms {
		s.persistRoom(r)
		r.closeAll()
	}

	if s.store != nil {
		_ = s.store.Close()
	}

	s.logger.Info("Server stopped")
	return nil
}

// Close closes the server and releases all resources
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}
	if atomic.LoadInt32(&s.running) == 1 {
		return s.Stop(context.Background())
	}
	return nil
}

// ServeHTTP routes the two surfaces: /sync/{doc} for websocket sessions and
// /documents/{doc}/snapshot for the persistence API.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/sync/"):
		s.handleSync(w, r)
	case strings.HasPrefix(r.URL.Path, "/documents/"):
		s.handleSnapshot(w, r)
	default:
		http.NotFound(w, r)
	}
}

// --- websocket surface ---

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	documentID := strings.TrimPrefix(r.URL.Path, "/sync/")
	if documentID == "" || strings.Contains(documentID, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.authorize(r.URL.Query().Get("token")); err != nil {
		s.logger.Warn("Rejected sync connection",
			log.String("document_id", documentID),
			log.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	room, err := s.roomFor(documentID)
	if err != nil {
		s.logger.Error("Failed to open room",
			log.String("document_id", documentID), log.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", log.Error(err))
		return
	}
	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(s.config.MaxMessageSize)
	}

	c := &client{conn: conn}
	room.join(c, s.config.WriteTimeout)
	go s.readLoop(room, c)
}

// readLoop pumps one client's frames into its room until the connection
// drops, then persists the room if it emptied.
func (s *Server) readLoop(r *room, c *client) {
	defer func() {
		remaining := r.leave(c, s.config.WriteTimeout)
		_ = c.conn.Close()
		if remaining == 0 {
			s.persistRoom(r)
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if len(data) < 1 {
			continue
		}

		switch data[0] {
		case frameUpdate:
			r.handleUpdate(c, data[1:], s.config.WriteTimeout)
		case frameAwareness:
			r.handleAwareness(c, data[1:], s.config.WriteTimeout)
		default:
			s.logger.Warn("Dropping frame of unknown kind",
				log.String("document_id", r.documentID))
		}
	}
}

func (s *Server) roomFor(documentID string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[documentID]; ok {
		return r, nil
	}

	var state []byte
	if s.store != nil {
		var err error
		if state, err = s.store.Get(documentID); err != nil {
			return nil, err
		}
	}
	r, err := newRoom(documentID, state, s.logger)
	if err != nil {
		return nil, err
	}
	s.rooms[documentID] = r
	return r, nil
}

// persistRoom writes the room replica to the snapshot store. Best effort.
func (s *Server) persistRoom(r *room) {
	if s.store == nil {
		return
	}
	state, err := r.encodedState()
	if err == nil {
		err = s.store.Put(r.documentID, state)
	}
	if err != nil {
		s.logger.Warn("Failed to persist room snapshot",
			log.String("document_id", r.documentID), log.Error(err))
	}
}

// --- snapshot surface ---

type snapshotDTO struct {
	EncodedState []byte `json:"encodedState"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	documentID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/documents/"), "/snapshot")
	if documentID == "" || strings.Contains(documentID, "/") || !strings.HasSuffix(r.URL.Path, "/snapshot") {
		http.NotFound(w, r)
		return
	}
	if err := s.authorize(bearerToken(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.store == nil {
		http.Error(w, "snapshot store disabled", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveSnapshot(w, documentID)
	case http.MethodPut:
		s.storeSnapshot(w, r, documentID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, documentID string) {
	// A live room is more current than the stored snapshot.
	s.mu.Lock()
	room := s.rooms[documentID]
	s.mu.Unlock()

	var state []byte
	var err error
	if room != nil {
		state, err = room.encodedState()
	} else {
		state, err = s.store.Get(documentID)
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if state == nil {
		http.Error(w, "no snapshot", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshotDTO{EncodedState: state})
}

func (s *Server) storeSnapshot(w http.ResponseWriter, r *http.Request, documentID string) {
	var dto snapshotDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.store.Put(documentID, dto.EncodedState); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
