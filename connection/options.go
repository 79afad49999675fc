package connection

import (
	"strconv"
	"time"

	"github.com/relaywire/pubsub-go/internal/config"
)

// Options is the exhaustive recognized option set for the connection module.
// Boolean options that default to true are *bool so a caller that omits them
// gets the documented default instead of Go's zero-value false.
type Options struct {
	WSHost   string
	WSPort   int
	IsSecure bool

	AutoConnect      *bool
	AutoReconnect    *bool
	AutoResubscribe  *bool
	AutoAuthenticate *bool

	MaxReconnectAttempts       int
	InitialReconnectDelayMs    int
	MaxReconnectDelayMs        int
	ReconnectBackoffMultiplier float64

	PingTimeoutMs    int
	ConnectTimeoutMs int
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (o Options) autoConnect() bool      { return boolDefault(o.AutoConnect, true) }
func (o Options) autoReconnect() bool    { return boolDefault(o.AutoReconnect, true) }
func (o Options) autoResubscribe() bool  { return boolDefault(o.AutoResubscribe, true) }
func (o Options) autoAuthenticate() bool { return boolDefault(o.AutoAuthenticate, true) }

func (o Options) withDefaults() Options {
	o.MaxReconnectAttempts = config.MergeDefault(o.MaxReconnectAttempts, 10)
	o.InitialReconnectDelayMs = config.MergeDefault(o.InitialReconnectDelayMs, 1000)
	o.MaxReconnectDelayMs = config.MergeDefault(o.MaxReconnectDelayMs, 30000)
	o.ReconnectBackoffMultiplier = config.MergeDefault(o.ReconnectBackoffMultiplier, 2)
	o.ConnectTimeoutMs = config.MergeDefault(o.ConnectTimeoutMs, 10000)
	return o
}

// pingTimeout is the application-level Ping() round-trip budget: PingTimeoutMs
// if the caller set one, else 10s.
func (o Options) pingTimeout() time.Duration {
	ms := o.PingTimeoutMs
	if ms == 0 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

// heartbeatTimeout is the server-ping watchdog budget: the same PingTimeoutMs
// knob as pingTimeout, but with its own 60s default when unset, since a
// missed server heartbeat and a missed application Ping() mean different
// things and arrive on different schedules.
func (o Options) heartbeatTimeout() time.Duration {
	ms := o.PingTimeoutMs
	if ms == 0 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond
}

func (o Options) connectTimeout() time.Duration {
	return time.Duration(o.ConnectTimeoutMs) * time.Millisecond
}

// reconnectDelay computes min(initial * multiplier^attempt, max), the k-th
// backoff delay.
func (o Options) reconnectDelay(attempt int) time.Duration {
	delay := float64(o.InitialReconnectDelayMs)
	for i := 0; i < attempt; i++ {
		delay *= o.ReconnectBackoffMultiplier
	}
	if max := float64(o.MaxReconnectDelayMs); delay > max {
		delay = max
	}
	return time.Duration(delay) * time.Millisecond
}

func (o Options) url() string {
	scheme := "ws"
	if o.IsSecure {
		scheme = "wss"
	}
	host := o.WSHost
	if o.WSPort != 0 {
		host = host + ":" + strconv.Itoa(o.WSPort)
	}
	return scheme + "://" + host + "/v1"
}
