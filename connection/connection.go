// Package connection orchestrates auth, the socket transport, and the
// channel registry into the connect/heartbeat/reconnect state machine.
package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaywire/pubsub-go/auth"
	"github.com/relaywire/pubsub-go/events"
	"github.com/relaywire/pubsub-go/internal/logging"
	"github.com/relaywire/pubsub-go/internal/transport"
	"github.com/relaywire/pubsub-go/internal/wire"
)

// Event names emitted on the bus.
const (
	EventInitialized  = "initialized"
	EventConnecting   = "connecting"
	EventOpened       = "opened"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventClosed       = "closed"
	EventClosing      = "closing"
	EventFailed       = "failed"
)

// ConnectingPayload accompanies "connecting".
type ConnectingPayload struct{ Attempt int }

// ConnectedPayload accompanies "connected": the CONNECTED frame's contents.
type ConnectedPayload struct {
	ConnectionID string
	Details      wire.ConnectionDetails
}

// ClosedPayload accompanies "closed".
type ClosedPayload struct {
	Code     int
	Reason   string
	WasClean bool
}

// FailedPayload accompanies "failed".
type FailedPayload struct {
	Error   error
	Context string
}

// State is the connection's lifecycle stage.
type State int

const (
	StateInitial State = iota
	StateConnecting
	StateOpen
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ChannelRegistry is the slice of the channel registry (C5) the connection
// module depends on: mark channels pending-subscribe on loss of connection,
// and resubscribe every retained channel once a new session opens.
type ChannelRegistry interface {
	MarkAllPendingSubscribe()
	ResubscribeAll(ctx context.Context)
	Dispatch(action wire.Action, raw []byte)
}

type pendingPing struct {
	startTick time.Time
	resolve   func(time.Duration)
	reject    func(error)
	timer     *time.Timer
}

// Module is the connection state machine (C4).
type Module struct {
	opts     Options
	bus      *events.Bus
	authMod  *auth.Module
	sock     *transport.Socket
	registry ChannelRegistry

	mu                 sync.Mutex
	state              State
	reconnectAttempts  int
	isReconnecting     bool
	isIntentionalClose bool
	isResetting        bool
	pingCounter        int64
	pendingPings       map[int64]*pendingPing
	heartbeatTimer     *time.Timer
	corrID             string

	unsubAuth []func()
}

// New wires a connection module over sock, authenticated via authMod, with
// channels tracked by registry. It emits "initialized" once, synchronously.
func New(opts Options, bus *events.Bus, authMod *auth.Module, tlsConfig *tls.Config, registry ChannelRegistry) *Module {
	opts = opts.withDefaults()
	m := &Module{
		opts:         opts,
		bus:          bus,
		authMod:      authMod,
		sock:         transport.New(tlsConfig, opts.connectTimeout()),
		registry:     registry,
		state:        StateInitial,
		pendingPings: make(map[int64]*pendingPing),
	}
	m.subscribeAuthEvents()
	m.emit(EventInitialized, nil)
	return m
}

// SetChannelRegistry binds the channel registry after construction, for
// callers that must build the registry's Sender from this module first
// (the registry depends on the connection, and the connection's open
// sequence depends on the registry).
func (m *Module) SetChannelRegistry(registry ChannelRegistry) {
	m.mu.Lock()
	m.registry = registry
	m.mu.Unlock()
}

func (m *Module) emit(name string, payload any) {
	if m.bus != nil {
		m.bus.Emit(name, payload)
	}
}

func (m *Module) subscribeAuthEvents() {
	if m.bus == nil {
		return
	}
	m.unsubAuth = append(m.unsubAuth, m.bus.On(auth.EventTokenExpired, func(any) {
		m.corrLog().Debug("connection: token_expired, reconnecting")
		go func() { _ = m.Connect(context.Background()) }()
	}))
	m.unsubAuth = append(m.unsubAuth, m.bus.On(auth.EventTokenError, func(payload any) {
		m.emit(EventFailed, FailedPayload{Error: asError(payload), Context: "authentication"})
		_ = m.Disconnect()
	}))
	m.unsubAuth = append(m.unsubAuth, m.bus.On(auth.EventAuthError, func(payload any) {
		m.emit(EventFailed, FailedPayload{Error: asError(payload), Context: "authentication"})
		_ = m.Disconnect()
	}))
}

func asError(payload any) error {
	if err, ok := payload.(error); ok {
		return err
	}
	return fmt.Errorf("%v", payload)
}

func (m *Module) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current lifecycle stage.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Module) corrLog() *log.Entry {
	m.mu.Lock()
	id := m.corrID
	m.mu.Unlock()
	return logging.WithCorrelation(id)
}

// Connect runs the open sequence: emit "connecting", authenticate (if
// configured), build the authenticated URL, dial the transport, and install
// handlers.
func (m *Module) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.isResetting {
		m.mu.Unlock()
		return nil
	}
	attempt := m.reconnectAttempts + 1
	m.mu.Unlock()

	m.emit(EventConnecting, ConnectingPayload{Attempt: attempt})
	return m.dial(ctx)
}

// dial performs the open sequence without emitting "connecting" itself.
// reconnectLoop calls this directly: it already emitted "connecting" before
// its backoff sleep, and calling through Connect would emit it a second time
// for the same attempt.
func (m *Module) dial(ctx context.Context) error {
	m.mu.Lock()
	m.corrID = logging.NewCorrelationID()
	m.mu.Unlock()

	m.setState(StateConnecting)

	if m.opts.autoAuthenticate() && m.authMod != nil {
		if _, err := m.authMod.Authenticate(ctx); err != nil {
			m.setState(StateFailed)
			return err
		}
	}

	base := m.opts.url()
	url := base
	if m.authMod != nil {
		authed, err := m.authMod.GetAuthenticateURL(base)
		if err == nil {
			url = authed
		}
	}

	err := m.sock.Connect(ctx, url, nil, transport.Handlers{
		OnOpen:       m.onOpen,
		OnMessage:    m.onMessage,
		OnClose:      m.onClose,
		OnError:      m.onError,
		OnServerPing: m.onServerPing,
	})
	if err != nil {
		m.setState(StateFailed)
		return err
	}
	return nil
}

func (m *Module) onOpen() {
	m.mu.Lock()
	m.reconnectAttempts = 0
	m.isReconnecting = false
	m.mu.Unlock()

	m.setState(StateOpen)
	m.emit(EventOpened, nil)

	if m.opts.autoResubscribe() && m.registry != nil {
		m.registry.ResubscribeAll(context.Background())
	}
}

// onServerPing arms (or rearms) the heartbeat watchdog on every server ping
// frame. There is no watchdog running before the first one arrives: a server
// that never pings is not the same failure as a server that stops.
func (m *Module) onServerPing() {
	m.resetHeartbeat()
}

func (m *Module) resetHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
	m.heartbeatTimer = time.AfterFunc(m.opts.heartbeatTimeout(), func() {
		m.corrLog().Warn("connection: heartbeat timeout, disconnecting")
		_ = m.Disconnect()
		m.maybeReconnect()
	})
}

func (m *Module) onMessage(raw []byte) {
	env, err := wire.PeekEnvelope(raw)
	if err != nil {
		m.emit(EventFailed, FailedPayload{Error: err, Context: "message_processing"})
		return
	}

	switch env.Action {
	case wire.ActionConnected:
		connID, details, err := wire.DecodeConnected(raw)
		if err != nil {
			m.emit(EventFailed, FailedPayload{Error: err, Context: "message_processing"})
			return
		}
		m.setState(StateConnected)
		m.emit(EventConnected, ConnectedPayload{ConnectionID: connID, Details: details})
	case wire.ActionDisconnect:
		m.emit(EventDisconnected, nil)
	case wire.ActionPong:
		pingID, err := wire.DecodePong(raw)
		if err != nil {
			m.emit(EventFailed, FailedPayload{Error: err, Context: "message_processing"})
			return
		}
		m.resolvePong(pingID)
	case wire.ActionMessage, wire.ActionSubscribed, wire.ActionUnsubscribed, wire.ActionError:
		if m.registry != nil {
			m.registry.Dispatch(env.Action, raw)
		}
	}
}

func (m *Module) onError(err error) {
	if m.registry != nil {
		m.registry.MarkAllPendingSubscribe()
	}
	m.emit(EventFailed, FailedPayload{Error: err, Context: "websocket"})
}

func (m *Module) onClose(code int, reason string, wasClean bool) {
	m.mu.Lock()
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	intentional := m.isIntentionalClose
	m.isIntentionalClose = false
	alreadyReconnecting := m.isReconnecting
	m.mu.Unlock()

	m.setState(StateClosed)
	if m.registry != nil {
		m.registry.MarkAllPendingSubscribe()
	}
	m.rejectAllPings(ErrConnectionClosed)
	m.emit(EventClosed, ClosedPayload{Code: code, Reason: reason, WasClean: wasClean})

	if !intentional && !alreadyReconnecting && m.opts.autoReconnect() {
		m.maybeReconnect()
	}
}

func (m *Module) maybeReconnect() {
	m.mu.Lock()
	if m.isReconnecting || m.isResetting {
		m.mu.Unlock()
		return
	}
	m.isReconnecting = true
	m.mu.Unlock()

	go m.reconnectLoop()
}

// reconnectLoop retries the open sequence with exponential backoff, bounded
// by maxReconnectAttempts.
func (m *Module) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.isReconnecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.isResetting {
			m.mu.Unlock()
			return
		}
		attempt := m.reconnectAttempts
		m.mu.Unlock()

		if attempt >= m.opts.MaxReconnectAttempts {
			m.setState(StateFailed)
			m.emit(EventFailed, FailedPayload{Error: ErrReconnectExhausted, Context: "reconnection"})
			return
		}

		delay := m.opts.reconnectDelay(attempt)
		m.emit(EventConnecting, ConnectingPayload{Attempt: attempt + 1})
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.connectTimeout())
		err := m.dial(ctx)
		cancel()

		if err == nil && m.sock.IsConnected() {
			return
		}

		m.mu.Lock()
		m.reconnectAttempts++
		m.mu.Unlock()
	}
}

// Disconnect closes the transport intentionally; no reconnect will follow.
func (m *Module) Disconnect() error {
	m.mu.Lock()
	m.isIntentionalClose = true
	m.mu.Unlock()
	return m.sock.Disconnect()
}

// Ping sends an application-level PING and resolves with the measured RTT
// once the matching PONG arrives, or rejects on timeout.
func (m *Module) Ping(ctx context.Context) (time.Duration, error) {
	if !m.sock.IsConnected() {
		return 0, ErrNotConnected
	}

	m.mu.Lock()
	m.pingCounter++
	pingID := m.pingCounter
	m.mu.Unlock()

	result := make(chan time.Duration, 1)
	errCh := make(chan error, 1)

	timeout := m.opts.pingTimeout()
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		delete(m.pendingPings, pingID)
		m.mu.Unlock()
		select {
		case errCh <- ErrPingTimeout:
		default:
		}
	})

	m.mu.Lock()
	m.pendingPings[pingID] = &pendingPing{
		startTick: time.Now(),
		resolve:   func(d time.Duration) { result <- d },
		reject:    func(err error) { errCh <- err },
		timer:     timer,
	}
	m.mu.Unlock()

	raw, err := wire.MarshalPing(pingID)
	if err != nil {
		return 0, err
	}
	if err := m.sock.Send(raw); err != nil {
		m.mu.Lock()
		delete(m.pendingPings, pingID)
		m.mu.Unlock()
		timer.Stop()
		return 0, err
	}

	select {
	case rtt := <-result:
		return rtt, nil
	case err := <-errCh:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Module) resolvePong(pingID int64) {
	m.mu.Lock()
	pending, ok := m.pendingPings[pingID]
	if ok {
		delete(m.pendingPings, pingID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pending.timer.Stop()
	pending.resolve(time.Since(pending.startTick))
}

func (m *Module) rejectAllPings(err error) {
	m.mu.Lock()
	pending := m.pendingPings
	m.pendingPings = make(map[int64]*pendingPing)
	m.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.reject(err)
	}
}

// Reset tears the connection down unconditionally and clears all state.
func (m *Module) Reset() {
	m.mu.Lock()
	m.isResetting = true
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	m.mu.Unlock()

	m.emit(EventClosing, nil)
	m.rejectAllPings(ErrConnectionReset)
	_ = m.sock.Disconnect()
	m.emit(EventClosed, ClosedPayload{})

	for _, unsub := range m.unsubAuth {
		unsub()
	}
	m.unsubAuth = nil
	if m.bus != nil {
		m.bus.RemoveAllListeners(EventInitialized, EventConnecting, EventOpened,
			EventConnected, EventDisconnected, EventClosed, EventClosing, EventFailed)
	}

	m.mu.Lock()
	m.state = StateInitial
	m.reconnectAttempts = 0
	m.isResetting = false
	m.mu.Unlock()
}

// Send is the low-level escape hatch the channel package uses to write raw
// wire frames (publish/subscribe/unsubscribe) once it has decided to.
func (m *Module) Send(raw []byte) error {
	return m.sock.Send(raw)
}

// IsConnected reports whether the underlying transport is OPEN.
func (m *Module) IsConnected() bool {
	return m.sock.IsConnected()
}
