// Package quic provides a QUIC implementation of the realtime transport.
// Frames are length-prefixed on a single bidirectional stream; the first
// frame is a hello carrying the document id and auth token.
package quic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/quillsync/quillsync/internal/core/observability/log"
	"github.com/quillsync/quillsync/internal/core/transport"
)

const (
	alpnProtocol   = "quillsync-1"
	maxFrameSize   = 16 << 20
	defaultTimeout = 10 * time.Second
)

// Stream frame kinds. Update, awareness and sync match the websocket wire.
const (
	frameHello     byte = 0x00
	frameUpdate    byte = 0x01
	frameAwareness byte = 0x02
	frameSync      byte = 0x03
	frameAuthErr   byte = 0x04
)

type helloPayload struct {
	DocumentID string `json:"documentId"`
	Token      string `json:"token"`
	ClientID   string `json:"clientId"`
}

var _ transport.Transport = (*Transport)(nil)

// Transport dials QUIC sessions to the sync server.
type Transport struct {
	tlsConfig *tls.Config
	logger    log.Log
}

// NewTransport creates a QUIC transport. A nil tlsConfig uses the defaults
// with the engine's ALPN protocol.
func NewTransport(tlsConfig *tls.Config, logger log.Log) *Transport {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	tlsConfig = tlsConfig.Clone()
	tlsConfig.NextProtos = []string{alpnProtocol}
	if logger == nil {
		logger = log.Nop()
	}
	return &Transport{
		tlsConfig: tlsConfig,
		logger:    logger.With(log.String("component", "quic_transport")),
	}
}

// Dial opens a session and performs the hello exchange.
func (t *Transport) Dial(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	if !cfg.Valid() {
		return nil, errors.Wrap(transport.ErrDialFailed, "incomplete session config")
	}

	addr, err := endpointAddr(cfg.EndpointURL)
	if err != nil {
		return nil, errors.Wrap(transport.ErrDialFailed, err.Error())
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, t.tlsConfig, &quic.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "dial failed")
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, errors.Wrap(err, "open stream failed")
	}

	s := &session{
		clientID: uuid.New().String(),
		conn:     conn,
		stream:   stream,
		cfg:      cfg,
		logger:   t.logger,
		events:   make(chan transport.Event, 64),
		done:     make(chan struct{}),
	}

	hello, err := json.Marshal(helloPayload{
		DocumentID: cfg.DocumentID,
		Token:      cfg.Token,
		ClientID:   s.clientID,
	})
	if err != nil {
		_ = conn.CloseWithError(0, "hello encode failed")
		return nil, errors.Wrap(err, "encode hello")
	}
	if err = s.writeFrame(frameHello, hello); err != nil {
		_ = conn.CloseWithError(0, "hello send failed")
		return nil, errors.Wrap(err, "send hello")
	}

	t.logger.Info("Session established",
		log.String("document_id", cfg.DocumentID),
		log.String("client_id", s.clientID))

	s.events <- transport.Event{Kind: transport.EventConnected}
	go s.readLoop()

	return s, nil
}

func endpointAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Host != "" {
		return u.Host, nil
	}
	// Bare host:port without a scheme.
	return endpoint, nil
}

var _ transport.Session = (*session)(nil)

type session struct {
	clientID string
	conn     *quic.Conn
	stream   *quic.Stream
	cfg      transport.Config
	logger   log.Log

	events chan transport.Event
	done   chan struct{}
	closed int32

	writeMu sync.Mutex
}

func (s *session) ClientID() string {
	return s.clientID
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) SendUpdate(data []byte) error {
	return s.send(frameUpdate, data)
}

func (s *session) SendAwareness(data []byte) error {
	return s.send(frameAwareness, data)
}

func (s *session) send(kind byte, payload []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return transport.ErrSessionClosed
	}
	return s.writeFrame(kind, payload)
}

func (s *session) writeFrame(kind byte, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		_ = s.stream.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(1+len(payload)))
	header[4] = kind
	if _, err := s.stream.Write(header); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}
	if len(payload) > 0 {
		if _, err := s.stream.Write(payload); err != nil {
			return errors.Wrap(err, "failed to write frame payload")
		}
	}
	return nil
}

func (s *session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}
	close(s.done)
	return s.conn.CloseWithError(0, "session closed")
}

func (s *session) readLoop() {
	defer close(s.events)

	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(s.stream, header); err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.emit(transport.Event{Kind: transport.EventDisconnected, Err: err})
			}
			return
		}
		size := binary.BigEndian.Uint32(header[:4])
		if size < 1 || size > maxFrameSize {
			s.emit(transport.Event{Kind: transport.EventDisconnected, Err: transport.ErrInvalidFrame})
			return
		}

		payload := make([]byte, size-1)
		if _, err := io.ReadFull(s.stream, payload); err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.emit(transport.Event{Kind: transport.EventDisconnected, Err: err})
			}
			return
		}

		switch header[4] {
		case frameUpdate:
			s.emit(transport.Event{Kind: transport.EventUpdateReceived, Payload: payload})
		case frameAwareness:
			s.emit(transport.Event{Kind: transport.EventAwarenessReceived, Payload: payload})
		case frameSync:
			s.emit(transport.Event{Kind: transport.EventSyncComplete})
		case frameAuthErr:
			s.emit(transport.Event{Kind: transport.EventAuthRejected, Err: transport.ErrAuthRejected})
			return
		default:
			s.logger.Warn("Dropping unknown frame", log.Int("kind", int(header[4])))
		}
	}
}

func (s *session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
