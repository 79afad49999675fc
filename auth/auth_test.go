package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaywire/pubsub-go/events"
)

type fakeDoer struct {
	mu        sync.Mutex
	calls     int32
	responses []func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx](req)
}

func jsonResponse(body any) (*http.Response, error) {
	raw, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}, nil
}

func tokenWithExp(t *testing.T, d time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(d).Unix(),
	})
	signed, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthenticateAPIKeyModeReturnsNilWithoutHTTP(t *testing.T) {
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(*http.Request) (*http.Response, error) { t.Fatal("unexpected HTTP call in apiKey mode"); return nil, nil },
	}}
	m := New(Options{APIKey: "id:secret", HTTPClient: doer}, nil)

	resp, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response in apiKey mode, got %+v", resp)
	}
	if m.IsAuthenticated() {
		t.Fatal("apiKey mode must never report IsAuthenticated")
	}
}

func TestAuthenticateAuthURLMode(t *testing.T) {
	token := tokenWithExp(t, time.Hour)
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(*http.Request) (*http.Response, error) { return jsonResponse(AuthResponse{Token: token}) },
	}}
	bus := events.New()
	var gotUpdate TokenUpdatedPayload
	bus.On(EventTokenUpdated, func(p any) { gotUpdate = p.(TokenUpdatedPayload) })

	m := New(Options{AuthURL: "https://auth.example/t", HTTPClient: doer}, bus)
	resp, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil || resp.Token != token {
		t.Fatalf("expected response carrying token, got %+v", resp)
	}
	if gotUpdate.Token != token {
		t.Fatalf("expected token_updated to carry the token, got %+v", gotUpdate)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected IsAuthenticated after authUrl flow")
	}
}

func TestAuthenticateTokenRequestChain(t *testing.T) {
	token := tokenWithExp(t, time.Hour)
	var hitURLs []string
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(req *http.Request) (*http.Response, error) {
			hitURLs = append(hitURLs, req.URL.String())
			return jsonResponse(AuthResponse{TokenRequest: &TokenRequest{KID: "K", Timestamp: 1, Signature: "S"}})
		},
		func(req *http.Request) (*http.Response, error) {
			hitURLs = append(hitURLs, req.URL.String())
			return jsonResponse(AuthResponse{Token: token})
		},
	}}

	m := New(Options{AuthURL: "https://auth.example/t", HTTPHost: "broker.example", IsSecure: true, HTTPClient: doer}, nil)
	resp, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil || resp.Token != token {
		t.Fatalf("expected final token response, got %+v", resp)
	}
	if len(hitURLs) != 2 {
		t.Fatalf("expected exactly two HTTP calls, got %d: %v", len(hitURLs), hitURLs)
	}
	if !strings.Contains(hitURLs[1], "/v1/key/K/token/request") {
		t.Fatalf("expected second call to hit the token-request endpoint, got %q", hitURLs[1])
	}
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	bus := events.New()
	var gotErr any
	bus.On(EventAuthError, func(p any) { gotErr = p })

	m := New(Options{}, bus)
	_, err := m.Authenticate(context.Background())
	if err == nil {
		t.Fatal("expected error when neither authUrl nor apiKey is configured")
	}
	if gotErr == nil {
		t.Fatal("expected auth_error to be emitted")
	}
}

func TestAuthenticateRetriesThenFails(t *testing.T) {
	failing := func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 500, Body: io.NopCloser(bytes.NewReader([]byte("nope")))}, nil
	}
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){failing, failing, failing}}

	m := New(Options{
		AuthURL:                     "https://auth.example/t",
		AuthenticateRetries:         2,
		AuthenticateRetryIntervalMs: 1,
		HTTPClient:                  doer,
	}, nil)

	_, err := m.Authenticate(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&doer.calls); got != 3 {
		t.Fatalf("expected 3 attempts (retries+1), got %d", got)
	}
}

func TestAuthenticateIdempotentUnderConcurrency(t *testing.T) {
	token := tokenWithExp(t, time.Hour)
	release := make(chan struct{})
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(*http.Request) (*http.Response, error) {
			<-release
			return jsonResponse(AuthResponse{Token: token})
		},
	}}

	m := New(Options{AuthURL: "https://auth.example/t", HTTPClient: doer}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Authenticate(context.Background())
		}()
	}
	// Hold the first POST open long enough for every caller to join it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&doer.calls); got != 1 {
		t.Fatalf("expected exactly one HTTP call across concurrent Authenticate() callers, got %d", got)
	}
}

func TestTokenRefreshFiresImmediatelyWhenAlreadyNearExpiry(t *testing.T) {
	token := tokenWithExp(t, 30*time.Second) // inside the 60s safety buffer
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(*http.Request) (*http.Response, error) { return jsonResponse(AuthResponse{Token: token}) },
	}}
	bus := events.New()
	expiredCount := int32(0)
	bus.On(EventTokenExpired, func(any) { atomic.AddInt32(&expiredCount, 1) })

	m := New(Options{AuthURL: "https://auth.example/t", HTTPClient: doer}, bus)
	if _, err := m.Authenticate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if atomic.LoadInt32(&expiredCount) != 1 {
		t.Fatalf("expected token_expired to fire immediately, got count %d", expiredCount)
	}
	if m.IsAuthenticated() {
		t.Fatal("token should have been cleared")
	}
}

func TestGetAuthHeadersPrefersBearerOverAPIKey(t *testing.T) {
	token := tokenWithExp(t, time.Hour)
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(*http.Request) (*http.Response, error) { return jsonResponse(AuthResponse{Token: token}) },
	}}
	m := New(Options{AuthURL: "https://auth.example/t", APIKey: "id:secret", HTTPClient: doer}, nil)
	if _, err := m.Authenticate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	headers, err := m.GetAuthHeaders()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := headers.Get("Authorization"); got != "Bearer "+token {
		t.Fatalf("expected bearer header, got %q", got)
	}
}

func TestGetAuthQueryParamsAPIKeyWithAlias(t *testing.T) {
	m := New(Options{APIKey: "id:secret", Alias: "room-1"}, nil)
	params, err := m.GetAuthQueryParams()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params != "api_key=id%3Asecret&alias=room-1" {
		t.Fatalf("unexpected query params: %q", params)
	}
}

func TestGetAuthenticateURLAppendsWithCorrectSeparator(t *testing.T) {
	m := New(Options{APIKey: "id:secret"}, nil)
	url, err := m.GetAuthenticateURL("ws://h/v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "ws://h/v1?api_key=id%3Asecret" {
		t.Fatalf("unexpected url: %q", url)
	}

	url, err = m.GetAuthenticateURL("ws://h/v1?existing=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "ws://h/v1?existing=1&api_key=id%3Asecret" {
		t.Fatalf("unexpected url: %q", url)
	}
}

func TestResetClearsTokenAndListeners(t *testing.T) {
	token := tokenWithExp(t, time.Hour)
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(*http.Request) (*http.Response, error) { return jsonResponse(AuthResponse{Token: token}) },
	}}
	bus := events.New()
	m := New(Options{AuthURL: "https://auth.example/t", HTTPClient: doer}, bus)
	if _, err := m.Authenticate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated before reset")
	}
	listenerFired := false
	bus.On(EventTokenUpdated, func(any) { listenerFired = true })

	m.Reset()
	if m.IsAuthenticated() {
		t.Fatal("expected token cleared after reset")
	}
	if _, err := m.GetToken(); err == nil {
		t.Fatal("expected GetToken to fail after reset")
	}
	bus.Emit(EventTokenUpdated, nil)
	if listenerFired {
		t.Fatal("expected auth event listeners removed by reset")
	}
}

func TestGenerateTokenRoundTripsThroughDecode(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	raw, err := GenerateToken("key-1", "top-secret", "alice", json.RawMessage(`{"publish":true}`), exp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cred, err := DecodeBearerToken(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cred.Header.Kid != "key-1" || cred.Alias != "alice" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.Exp != exp.Unix() {
		t.Fatalf("exp mismatch: got %d want %d", cred.Exp, exp.Unix())
	}
	if string(cred.Permission) != `{"publish":true}` {
		t.Fatalf("unexpected permission: %s", cred.Permission)
	}
}

func TestIssueTokenUsesBasicAuthAndStoresToken(t *testing.T) {
	token := tokenWithExp(t, time.Hour)
	var gotAuth, gotURL string
	doer := &fakeDoer{responses: []func(*http.Request) (*http.Response, error){
		func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")
			gotURL = req.URL.String()
			return jsonResponse(AuthResponse{Token: token})
		},
	}}

	m := New(Options{APIKey: "id:secret", HTTPHost: "broker.example", IsSecure: true, HTTPClient: doer}, nil)
	resp, err := m.IssueToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Token != token {
		t.Fatalf("expected issued token in response, got %+v", resp)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("expected Basic auth on the issue request, got %q", gotAuth)
	}
	if !strings.Contains(gotURL, "/v1/key/id/token/issue") {
		t.Fatalf("expected the token/issue endpoint, got %q", gotURL)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected issued token to be stored")
	}
}

func TestCreateAndVerifyTokenRequest(t *testing.T) {
	req, err := CreateTokenRequest("kid-1", "top-secret", "alice", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err := VerifyTokenRequest(req, "top-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify with the correct secret")
	}

	ok, err = VerifyTokenRequest(req, "wrong-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected signature verification to fail with the wrong secret")
	}
}
