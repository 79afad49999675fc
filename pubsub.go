// Package pubsub is the consumer-facing facade over the SDK's five
// components: event bus, socket transport, auth, channel registry, and
// connection, wired together leaves-first.
package pubsub

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/relaywire/pubsub-go/auth"
	"github.com/relaywire/pubsub-go/channel"
	"github.com/relaywire/pubsub-go/connection"
	"github.com/relaywire/pubsub-go/events"
	"github.com/relaywire/pubsub-go/internal/logging"
)

// Options is the full recognized option set across every component,
// embedding each component's own Options so callers can configure the
// whole client from one literal.
type Options struct {
	Auth       auth.Options
	Connection connection.Options
	TLSConfig  *tls.Config
}

// Client is the SDK entry point a consumer constructs once per session.
type Client struct {
	bus        *events.Bus
	auth       *auth.Module
	registry   *channel.Registry
	connection *connection.Module
}

// New builds a fully wired Client. No network activity happens until
// Connect is called; the autoConnect option only changes auto-start
// behavior in higher-level framework bindings, which this package does not
// provide.
func New(opts Options) *Client {
	bus := events.New()
	authMod := auth.New(opts.Auth, bus)
	conn := connection.New(opts.Connection, bus, authMod, opts.TLSConfig, nil)
	registry := channel.NewRegistry(conn, bus)
	conn.SetChannelRegistry(registry)

	return &Client{
		bus:        bus,
		auth:       authMod,
		registry:   registry,
		connection: conn,
	}
}

// Connect opens the session: authenticate (if configured), build the
// authenticated URL, and dial the transport.
func (c *Client) Connect(ctx context.Context) error {
	return c.connection.Connect(ctx)
}

// Disconnect closes the session intentionally.
func (c *Client) Disconnect() error {
	return c.connection.Disconnect()
}

// Reset tears down every component and clears all state, preparing the
// client for reuse or disposal.
func (c *Client) Reset() {
	c.connection.Reset()
	c.registry.Reset()
	c.auth.Reset()
}

// Ping measures round-trip time to the broker.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	return c.connection.Ping(ctx)
}

// IsConnected reports whether the transport is currently OPEN.
func (c *Client) IsConnected() bool {
	return c.connection.IsConnected()
}

// IsAuthenticated reports whether a bearer token is currently held.
func (c *Client) IsAuthenticated() bool {
	return c.auth.IsAuthenticated()
}

// Channel returns the named channel, creating it lazily and incrementing
// its reference count. Callers must pair this with ReleaseChannel when done.
func (c *Client) Channel(name string) *channel.Channel {
	return c.registry.Get(name)
}

// ReleaseChannel decrements name's reference count.
func (c *Client) ReleaseChannel(name string) {
	c.registry.Release(name)
}

// Publish sends a data message on the named channel without requiring the
// caller to hold a *channel.Channel reference.
func (c *Client) Publish(name string, data []byte, opts *channel.PublishOptions) error {
	ch := c.registry.Get(name)
	defer c.registry.Release(name)
	return ch.Publish(data, opts)
}

// On registers a listener for a connection/auth/channel event name.
func (c *Client) On(name string, fn events.Listener) func() {
	return c.bus.On(name, fn)
}

// Once registers a one-shot listener.
func (c *Client) Once(name string, fn events.Listener) func() {
	return c.bus.Once(name, fn)
}

// Off removes a previously registered listener.
func (c *Client) Off(name string, fn events.Listener) {
	c.bus.Off(name, fn)
}

// WithLogFile redirects the SDK's shared logger to a rotating file sink,
// keeping at most maxSizeMB per file. Passing an empty path restores stdout.
func WithLogFile(path string, maxSizeMB int) error {
	return logging.ToFile(path, maxSizeMB)
}
