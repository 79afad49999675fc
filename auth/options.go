package auth

import (
	"encoding/json"
	"time"

	"github.com/relaywire/pubsub-go/internal/config"
)

// RequestOptions carries the body/headers merged into an authUrl POST.
type RequestOptions struct {
	Body    any
	Headers map[string]string
}

// TokenRequest is the kid/timestamp/signature triple exchanged at
// /v1/key/{kid}/token/request for a bearer token.
type TokenRequest struct {
	KID        string          `json:"kid"`
	Timestamp  int64           `json:"timestamp"`
	Signature  string          `json:"signature"`
	Alias      string          `json:"alias,omitempty"`
	Permission json.RawMessage `json:"permission,omitempty"`
}

// AuthResponse is what Authenticate/RequestToken hand back to the caller: a
// server payload carrying either a bearer token or a further token request
// to chase.
type AuthResponse struct {
	Token        string        `json:"token,omitempty"`
	TokenRequest *TokenRequest `json:"tokenRequest,omitempty"`
	ExpiresAt    time.Time     `json:"-"`
}

// Options is the exhaustive recognized option set. AutoAuthenticate
// defaults to true; since Go's bool zero value is false, it is a *bool so a
// caller that omits it gets the documented default rather than silently
// disabling authentication.
type Options struct {
	APIKey       string
	AuthURL      string
	AuthOptions  *RequestOptions
	TokenRequest *TokenRequest

	AutoAuthenticate            *bool
	AuthenticateRetries         int
	AuthenticateRetryIntervalMs int

	Alias string

	HTTPHost string
	HTTPPort int
	IsSecure bool

	// ProxyURL routes authUrl/token-request POSTs through an HTTP(S) or
	// SOCKS5 proxy, ignored when HTTPClient is set.
	ProxyURL string

	// HTTPClient overrides the default *http.Client used for authUrl and
	// token-request POSTs.
	HTTPClient HTTPDoer
}

// withDefaults fills in the documented defaults for zero-valued fields:
// autoAuthenticate=true, authenticateRetries=0, authenticateRetryIntervalMs=1000.
func (o Options) withDefaults() Options {
	o.AuthenticateRetryIntervalMs = config.MergeDefault(o.AuthenticateRetryIntervalMs, 1000)
	if o.AutoAuthenticate == nil {
		t := true
		o.AutoAuthenticate = &t
	}
	return o
}

func (o Options) autoAuthenticate() bool {
	return o.AutoAuthenticate == nil || *o.AutoAuthenticate
}

func (o Options) retryInterval() time.Duration {
	return time.Duration(o.AuthenticateRetryIntervalMs) * time.Millisecond
}
