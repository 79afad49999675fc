package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/relaywire/pubsub-go/events"
)

// Module satisfies oauth2.TokenSource so callers can hang standard
// oauth2-aware HTTP plumbing off it. There is no refresh_token grant here: a
// stale token is always replaced by a full Authenticate() round trip, driven
// externally by the connection module's token_expired reaction, not by this
// TokenSource.
var _ oauth2.TokenSource = (*Module)(nil)

// Event names emitted on the bus passed to New. Payloads are documented next
// to each emit site below.
const (
	EventTokenUpdated = "token_updated"
	EventTokenExpired = "token_expired"
	EventTokenError   = "token_error"
	EventAuthError    = "auth_error"
)

// TokenUpdatedPayload is the payload of token_updated.
type TokenUpdatedPayload struct {
	Token     string
	ExpiresAt time.Time
}

// Module is the auth lifecycle: obtain, validate, refresh, and present
// credentials, emitting events the connection module reacts to. It never
// references the connection module directly; the dependency runs one way.
type Module struct {
	opts Options
	bus  *events.Bus

	mu            sync.Mutex
	current       Credential
	oauth2Token   *oauth2.Token
	refreshTimer  *time.Timer
	isResetting   bool
	abortCh       chan struct{}
	authenticated bool

	group singleflight.Group
}

// New builds an auth module bound to the given event bus. bus may be nil for
// tests that don't care about emitted events.
func New(opts Options, bus *events.Bus) *Module {
	return &Module{
		opts:    opts.withDefaults(),
		bus:     bus,
		abortCh: make(chan struct{}),
	}
}

func (m *Module) emit(name string, payload any) {
	if m.bus != nil {
		m.bus.Emit(name, payload)
	}
}

// Authenticate obtains credentials: direct apiKey mode, authUrl-mediated
// mode, or a caller-supplied tokenRequest, retried up to
// opts.AuthenticateRetries times with a linear delay between attempts.
// Concurrent callers collapse onto a single in-flight attempt loop
// (singleflight), so no attempt ever issues more than one concurrent POST.
func (m *Module) Authenticate(ctx context.Context) (*AuthResponse, error) {
	v, err, _ := m.group.Do("authenticate", func() (any, error) {
		return m.runAuthenticate(ctx)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*AuthResponse), nil
}

func (m *Module) runAuthenticate(ctx context.Context) (*AuthResponse, error) {
	m.mu.Lock()
	resetting := m.isResetting
	abort := m.abortCh
	m.mu.Unlock()
	if resetting || aborted(abort) {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= m.opts.AuthenticateRetries; attempt++ {
		if aborted(abort) {
			return nil, nil
		}

		resp, err := m.attemptOnce(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == m.opts.AuthenticateRetries {
			break
		}
		log.WithError(err).Warnf("auth: attempt %d/%d failed, retrying", attempt+1, m.opts.AuthenticateRetries+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-abort:
			return nil, nil
		case <-time.After(m.opts.retryInterval()):
		}
	}

	wrapped := fmt.Errorf("Authentication failed: %w", lastErr)
	m.emit(EventAuthError, wrapped)
	return nil, wrapped
}

func (m *Module) attemptOnce(ctx context.Context) (*AuthResponse, error) {
	if m.opts.TokenRequest != nil {
		return m.doRequestToken(ctx, m.opts.TokenRequest)
	}
	if m.opts.AuthURL == "" && m.opts.APIKey == "" {
		return nil, ErrMissingCredentials
	}
	if m.opts.AuthURL == "" {
		// api-key mode: the socket URL itself carries api_key, nothing to
		// store client-side.
		return nil, nil
	}

	var body bytes.Buffer
	if m.opts.AuthOptions != nil && m.opts.AuthOptions.Body != nil {
		if err := json.NewEncoder(&body).Encode(m.opts.AuthOptions.Body); err != nil {
			return nil, fmt.Errorf("auth: encode authOptions.body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.AuthURL, &body)
	if err != nil {
		return nil, fmt.Errorf("auth: build authUrl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.opts.AuthOptions != nil {
		for k, v := range m.opts.AuthOptions.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := m.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: POST authUrl: %w", err)
	}
	defer resp.Body.Close()

	var parsed AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("auth: decode auth response: %w", err)
	}

	switch {
	case parsed.Token != "":
		if err := m.storeToken(parsed.Token); err != nil {
			return nil, err
		}
		return &parsed, nil
	case parsed.TokenRequest != nil:
		return m.doRequestToken(ctx, parsed.TokenRequest)
	default:
		return nil, ErrInvalidAuthResponse
	}
}

// RequestToken exchanges a signed TokenRequest for a bearer token at the
// broker's token-request endpoint.
func (m *Module) RequestToken(ctx context.Context, req *TokenRequest) (*AuthResponse, error) {
	return m.doRequestToken(ctx, req)
}

func (m *Module) doRequestToken(ctx context.Context, req *TokenRequest) (*AuthResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal token request: %w", err)
	}

	endpoint := m.tokenEndpoint(req.KID, "request")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: build token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("auth: POST token/request: %w", err)
	}
	defer resp.Body.Close()

	var parsed AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("auth: decode token/request response: %w", err)
	}
	if parsed.Token == "" {
		return nil, ErrInvalidAuthResponse
	}
	if err := m.storeToken(parsed.Token); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (m *Module) tokenEndpoint(kid, verb string) string {
	scheme := "http"
	if m.opts.IsSecure {
		scheme = "https"
	}
	host := m.opts.HTTPHost
	if m.opts.HTTPPort != 0 {
		host = fmt.Sprintf("%s:%d", host, m.opts.HTTPPort)
	}
	return fmt.Sprintf("%s://%s/v1/key/%s/token/%s", scheme, host, url.PathEscape(kid), verb)
}

func (m *Module) httpClient() HTTPDoer {
	if m.opts.HTTPClient != nil {
		return m.opts.HTTPClient
	}
	return defaultHTTPClient(m.opts.ProxyURL)
}

// storeToken decodes raw, installs it as the current credential, emits
// token_updated, and (re)schedules the refresh timer at exp-60s. A token
// already inside the safety buffer expires immediately.
func (m *Module) storeToken(raw string) error {
	cred, err := DecodeBearerToken(raw)
	if err != nil {
		m.emit(EventTokenError, err)
		m.clearToken()
		return err
	}

	expiresAt := time.Unix(cred.Exp, 0)
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer", Expiry: expiresAt}

	m.mu.Lock()
	m.current = cred
	m.oauth2Token = tok
	m.authenticated = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	delay := time.Until(tok.Expiry) - 60*time.Second
	if delay <= 0 {
		m.refreshTimer = nil
		m.mu.Unlock()
		m.emit(EventTokenUpdated, TokenUpdatedPayload{Token: raw, ExpiresAt: expiresAt})
		m.emit(EventTokenExpired, nil)
		m.clearToken()
		return nil
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		m.clearToken()
		m.emit(EventTokenExpired, nil)
	})
	m.mu.Unlock()

	m.emit(EventTokenUpdated, TokenUpdatedPayload{Token: raw, ExpiresAt: expiresAt})
	return nil
}

func (m *Module) clearToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.current = Credential{}
	m.oauth2Token = nil
	m.authenticated = false
}

// Token returns the currently held bearer token, satisfying
// oauth2.TokenSource. It never refreshes: a missing or expired token is
// reported as ErrTokenExpired, leaving the caller (GetToken, or an
// oauth2.ReuseTokenSource wrapping this module) to decide whether to
// re-authenticate.
func (m *Module) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	tok := m.oauth2Token
	m.mu.Unlock()

	if tok == nil || !tok.Valid() {
		return nil, ErrTokenExpired
	}
	return tok, nil
}

// GetToken returns the current token iff it has not expired. An expired
// token is cleared and reported via token_expired before returning the error.
func (m *Module) GetToken() (string, error) {
	m.mu.Lock()
	kind := m.current.Kind
	m.mu.Unlock()

	if kind != KindBearerToken {
		return "", ErrNoCredentials
	}
	tok, err := m.Token()
	if err != nil {
		m.clearToken()
		m.emit(EventTokenExpired, nil)
		return "", ErrTokenExpired
	}
	return tok.AccessToken, nil
}

// IsAuthenticated reports whether a bearer token stored via the authUrl,
// tokenRequest or token/issue flows is currently held (it turns false again
// when the token expires or is cleared); apiKey-only mode is never
// "authenticated" in this sense, since the key is presented on the socket
// URL instead.
func (m *Module) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// GetAuthHeaders builds the Authorization (and X-Alias) headers to present
// on the authenticated WebSocket request, bearer token taking precedence
// over apiKey.
func (m *Module) GetAuthHeaders() (http.Header, error) {
	h := http.Header{}

	if tok, err := m.Token(); err == nil {
		tok.SetAuthHeader(&http.Request{Header: h})
		return h, nil
	}
	if m.opts.APIKey != "" {
		apiCred, err := ParseAPIKey(m.opts.APIKey)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", apiCred.AuthorizationHeader())
		if m.opts.Alias != "" {
			h.Set("X-Alias", m.opts.Alias)
		}
		return h, nil
	}
	return nil, ErrNoCredentials
}

// GetAuthQueryParams renders the query string fragment (no leading "?"/"&")
// carrying the credential, bearer token taking precedence over apiKey.
func (m *Module) GetAuthQueryParams() (string, error) {
	if tok, err := m.Token(); err == nil {
		return encodeQueryPair("access_token", tok.AccessToken), nil
	}
	if m.opts.APIKey != "" {
		apiCred, err := ParseAPIKey(m.opts.APIKey)
		if err != nil {
			return "", err
		}
		key, value, _ := apiCred.QueryParam()
		params := encodeQueryPair(key, value)
		if m.opts.Alias != "" {
			params += "&" + encodeQueryPair("alias", m.opts.Alias)
		}
		return params, nil
	}
	return "", ErrNoCredentials
}

// GetAuthenticateURL appends the auth query params to base, using "&" if
// base already carries a query string, "?" otherwise.
func (m *Module) GetAuthenticateURL(base string) (string, error) {
	params, err := m.GetAuthQueryParams()
	if err != nil {
		return "", err
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params, nil
}

// Reset aborts any in-flight Authenticate, clears the token and timer, and
// removes every listener of the four auth events from the bus.
func (m *Module) Reset() {
	m.mu.Lock()
	m.isResetting = true
	close(m.abortCh)
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.current = Credential{}
	m.oauth2Token = nil
	m.authenticated = false
	m.abortCh = make(chan struct{})
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.RemoveAllListeners(EventTokenUpdated, EventTokenExpired, EventTokenError, EventAuthError)
	}

	m.mu.Lock()
	m.isResetting = false
	m.mu.Unlock()
}

func aborted(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// --- Server-side helpers. Never called from the connecting client's own
// code paths; provided for the half of this module that issues and signs
// tokens for a broker-side deployment.

// CreateTokenRequest builds the kid.timestamp[.alias][.json(permission)]
// string and HMAC-SHA256 signs it with secret, returning the TokenRequest to
// hand to a client.
func CreateTokenRequest(kid, secret string, alias string, permission json.RawMessage) (*TokenRequest, error) {
	ts := time.Now().Unix()
	sig, err := signTokenRequest(kid, ts, alias, permission, secret)
	if err != nil {
		return nil, err
	}
	return &TokenRequest{
		KID:        kid,
		Timestamp:  ts,
		Signature:  sig,
		Alias:      alias,
		Permission: permission,
	}, nil
}

// VerifyTokenRequest recomputes the signature over req's fields and compares
// against req.Signature, returning false for a forged or stale request.
func VerifyTokenRequest(req *TokenRequest, secret string) (bool, error) {
	expected, err := signTokenRequest(req.KID, req.Timestamp, req.Alias, req.Permission, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(req.Signature)), nil
}

func signTokenRequest(kid string, timestamp int64, alias string, permission json.RawMessage, secret string) (string, error) {
	var b strings.Builder
	b.WriteString(kid)
	b.WriteByte('.')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	if alias != "" {
		b.WriteByte('.')
		b.WriteString(alias)
	}
	if len(permission) > 0 {
		b.WriteByte('.')
		b.Write(permission)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(b.String())); err != nil {
		return "", fmt.Errorf("auth: sign token request: %w", err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// GenerateToken mints the bearer JWT a broker-side deployment returns from
// its token endpoints: HS256-signed with the api-key secret, kid in the
// header, exp/alias/permission in the payload.
func GenerateToken(kid, secret, alias string, permission json.RawMessage, exp time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		Alias:            alias,
		Permission:       permission,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// IssueToken exchanges the configured apiKey for a bearer token at the
// broker's /v1/key/{kid}/token/issue endpoint, authenticating the POST with
// Basic auth. The returned token is stored like any other.
func (m *Module) IssueToken(ctx context.Context) (*AuthResponse, error) {
	apiCred, err := ParseAPIKey(m.opts.APIKey)
	if err != nil {
		return nil, err
	}

	endpoint := m.tokenEndpoint(apiCred.APIKeyID, "issue")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build token/issue request: %w", err)
	}
	httpReq.Header.Set("Authorization", apiCred.AuthorizationHeader())

	resp, err := m.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("auth: POST token/issue: %w", err)
	}
	defer resp.Body.Close()

	var parsed AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("auth: decode token/issue response: %w", err)
	}
	if parsed.Token == "" {
		return nil, ErrInvalidAuthResponse
	}
	if err := m.storeToken(parsed.Token); err != nil {
		return nil, err
	}
	return &parsed, nil
}
