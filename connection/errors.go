package connection

import "errors"

var (
	// ErrNotConnected is returned by Ping when the transport is not OPEN.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrPingTimeout is returned when no matching PONG arrives within the
	// configured ping timeout.
	ErrPingTimeout = errors.New("connection: ping timeout")
	// ErrConnectionClosed rejects every pending ping when the transport goes
	// down.
	ErrConnectionClosed = errors.New("connection: closed")
	// ErrConnectionReset rejects every pending ping on reset().
	ErrConnectionReset = errors.New("connection: reset")
	// ErrReconnectExhausted is returned when the reconnect loop reaches
	// maxReconnectAttempts without a successful open.
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")
)
