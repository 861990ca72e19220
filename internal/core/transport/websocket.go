package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/quillsync/quillsync/internal/core/observability/log"
)

const defaultConnectTimeout = 10 * time.Second

var _ Transport = (*WebSocketTransport)(nil)

// WebSocketTransport dials websocket sessions to the sync server.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	logger log.Log
}

// NewWebSocketTransport creates the primary transport implementation.
func NewWebSocketTransport(logger log.Log) *WebSocketTransport {
	if logger == nil {
		logger = log.Nop()
	}
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultConnectTimeout,
		},
		logger: logger.With(log.String("component", "ws_transport")),
	}
}

// Dial opens a session for the given document. Auth failures are reported
// as ErrAuthRejected so callers do not retry with the same token.
func (t *WebSocketTransport) Dial(ctx context.Context, cfg Config) (Session, error) {
	if !cfg.Valid() {
		return nil, errors.Wrap(ErrDialFailed, "incomplete session config")
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, errors.Wrap(ErrDialFailed, err.Error())
	}
	u = u.JoinPath(cfg.DocumentID)
	q := u.Query()
	q.Set("token", cfg.Token)
	u.RawQuery = q.Encode()

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := t.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			t.logger.Warn("Dial rejected by server",
				log.String("document_id", cfg.DocumentID),
				log.Int("status", resp.StatusCode))
			return nil, ErrAuthRejected
		}
		return nil, errors.Wrap(err, "dial failed")
	}

	s := newWebSocketSession(conn, cfg, t.logger)
	t.logger.Info("Session established",
		log.String("document_id", cfg.DocumentID),
		log.String("client_id", s.clientID))

	go s.readLoop()

	return s, nil
}

var _ Session = (*webSocketSession)(nil)

type webSocketSession struct {
	clientID string
	conn     *websocket.Conn
	cfg      Config
	logger   log.Log

	events chan Event
	done   chan struct{}
	closed int32

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

func newWebSocketSession(conn *websocket.Conn, cfg Config, logger log.Log) *webSocketSession {
	s := &webSocketSession{
		clientID: uuid.New().String(),
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	// The session is live as soon as the handshake completed.
	s.events <- Event{Kind: EventConnected}
	return s
}

func (s *webSocketSession) ClientID() string {
	return s.clientID
}

func (s *webSocketSession) Events() <-chan Event {
	return s.events
}

func (s *webSocketSession) SendUpdate(data []byte) error {
	return s.send(frameUpdate, data)
}

func (s *webSocketSession) SendAwareness(data []byte) error {
	return s.send(frameAwareness, data)
}

func (s *webSocketSession) send(kind byte, payload []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(kind, payload)); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (s *webSocketSession) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}
	close(s.done)

	s.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	_ = s.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}

// readLoop pumps inbound frames into the event stream until the connection
// drops. It owns closing the events channel.
func (s *webSocketSession) readLoop() {
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.emit(Event{Kind: EventDisconnected, Err: err})
			}
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		kind, payload, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("Dropping invalid frame", log.Error(err))
			continue
		}

		switch kind {
		case frameUpdate:
			s.emit(Event{Kind: EventUpdateReceived, Payload: payload})
		case frameAwareness:
			s.emit(Event{Kind: EventAwarenessReceived, Payload: payload})
		case frameSync:
			s.emit(Event{Kind: EventSyncComplete})
		}
	}
}

func (s *webSocketSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
