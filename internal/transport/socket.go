// Package transport wraps a single bidirectional, text-framed websocket
// connection. It owns no protocol knowledge beyond connect/send/close/state
// query; the connection and channel packages attach their own frame
// listeners and filter what they care about.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send when the socket is not in the OPEN
// state.
var ErrNotConnected = errors.New("transport: not connected")

// State mirrors the subset of the browser WebSocket readyState enum this
// module cares about.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// Handlers are invoked for inbound events. All are optional; nil handlers
// are simply skipped. OnOpen runs on the goroutine that called Connect,
// before the read loop starts; the others are called synchronously from the
// socket's single read loop goroutine, so they run in the order frames are
// received.
type Handlers struct {
	OnOpen    func()
	OnMessage func(raw []byte)
	OnClose   func(code int, reason string, wasClean bool)
	OnError   func(err error)
	// OnServerPing fires when the underlying socket surfaces a server-sent
	// ping control frame, used by the connection module's heartbeat timer.
	// Not every deployment emits these.
	OnServerPing func()
}

// Socket is a thin, single-connection wrapper over *websocket.Conn.
type Socket struct {
	dialer *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex
}

// New creates a Socket. tlsConfig may be nil to use the default TLS
// settings; it is passed straight through to the dialer, this package never
// constructs certificates itself.
func New(tlsConfig *tls.Config, handshakeTimeout time.Duration) *Socket {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Socket{
		dialer: &websocket.Dialer{
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: handshakeTimeout,
		},
		state: StateClosed,
	}
}

// Connect opens a new socket to url, closing and discarding any prior one.
// It blocks until the handshake completes or fails, then starts a
// background read loop that invokes h until the socket closes.
func (s *Socket) Connect(ctx context.Context, url string, header http.Header, h Handlers) error {
	s.mu.Lock()
	prior := s.conn
	s.state = StateConnecting
	s.mu.Unlock()

	if prior != nil {
		_ = prior.Close()
	}

	conn, _, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("transport: dial %s: %w", url, err)
	}

	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		s.writeMu.Unlock()
		if h.OnServerPing != nil {
			h.OnServerPing()
		}
		return err
	})

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	if h.OnOpen != nil {
		h.OnOpen()
	}

	go s.readLoop(conn, h)
	return nil
}

func (s *Socket) readLoop(conn *websocket.Conn, h Handlers) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason, wasClean := closeDetails(err)
			s.mu.Lock()
			if s.conn == conn {
				s.state = StateClosed
				s.conn = nil
			}
			s.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err) || !wasClean {
				if h.OnError != nil {
					h.OnError(err)
				}
			}
			if h.OnClose != nil {
				h.OnClose(code, reason, wasClean)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func closeDetails(err error) (code int, reason string, wasClean bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text, ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return 0, err.Error(), false
}

// Disconnect closes the socket if it is open or connecting.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	if state == StateOpen || state == StateConnecting {
		s.state = StateClosing
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

// IsConnected reports whether the socket is in the OPEN state.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen && s.conn != nil
}

// Send writes a single text frame. Returns ErrNotConnected unless the socket
// is OPEN.
func (s *Socket) Send(raw []byte) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.WithField("component", "transport").Debugf("set write deadline: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}
