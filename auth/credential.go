package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind discriminates the Credential tagged union.
type Kind int

const (
	KindNone Kind = iota
	KindAPIKey
	KindBearerToken
)

// claims is the JWT payload shape this module understands: {exp, alias?,
// permission?}. The claim name is the singular "permission", never
// "permissions".
type claims struct {
	jwt.RegisteredClaims
	Alias      string          `json:"alias,omitempty"`
	Permission json.RawMessage `json:"permission,omitempty"`
}

// header is the JWT header shape: {alg, typ, kid}.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Credential is either an API key (id, secret) or a decoded bearer token
// (raw JWT string plus its parsed header/payload).
type Credential struct {
	Kind Kind

	APIKeyID     string
	APIKeySecret string

	RawToken   string
	Header     header
	Exp        int64 // seconds since epoch
	Alias      string
	Permission json.RawMessage
}

// ParseAPIKey parses "id:secret" into an API-key Credential. Anything else
// is rejected.
func ParseAPIKey(s string) (Credential, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Credential{}, ErrInvalidAPIKey
	}
	return Credential{
		Kind:         KindAPIKey,
		APIKeyID:     s[:idx],
		APIKeySecret: s[idx+1:],
	}, nil
}

// DecodeBearerToken parses a raw JWT into a bearer-token Credential. The
// client never verifies the signature -- it has no way to, since the
// signing secret lives server-side -- it only decodes header and payload to
// read exp/alias/permission, matching the browser SDK's own "decode, don't
// verify" behavior.
func DecodeBearerToken(raw string) (Credential, error) {
	parser := jwt.NewParser()
	var c claims
	token, _, err := parser.ParseUnverified(raw, &c)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTokenDecode, err)
	}
	alg, _ := token.Header["alg"].(string)
	typ, _ := token.Header["typ"].(string)
	kid, _ := token.Header["kid"].(string)
	if c.ExpiresAt == nil {
		return Credential{}, fmt.Errorf("%w: missing exp claim", ErrTokenDecode)
	}
	return Credential{
		Kind:       KindBearerToken,
		RawToken:   raw,
		Header:     header{Alg: alg, Typ: typ, Kid: kid},
		Exp:        c.ExpiresAt.Unix(),
		Alias:      c.Alias,
		Permission: c.Permission,
	}, nil
}

// Valid reports whether a bearer token's exp is still in the future.
func (c Credential) Valid(now time.Time) bool {
	if c.Kind != KindBearerToken {
		return false
	}
	return now.Unix() < c.Exp
}

// AuthorizationHeader renders the value for an Authorization header: "Bearer
// <raw>" for a bearer token, "Basic base64(id:secret)" for an API key.
func (c Credential) AuthorizationHeader() string {
	switch c.Kind {
	case KindBearerToken:
		return "Bearer " + c.RawToken
	case KindAPIKey:
		raw := c.APIKeyID + ":" + c.APIKeySecret
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	default:
		return ""
	}
}

// QueryParam renders the key/value pair this credential contributes to an
// authenticated URL's query string: access_token=<raw> or api_key=<raw>.
func (c Credential) QueryParam() (key, value string, ok bool) {
	switch c.Kind {
	case KindBearerToken:
		return "access_token", c.RawToken, true
	case KindAPIKey:
		return "api_key", c.APIKeyID + ":" + c.APIKeySecret, true
	default:
		return "", "", false
	}
}

// encodeQueryPair url-encodes a key=value pair the way net/url.Values.Encode
// would for a single entry, used when building the authenticated URL by
// hand to avoid re-sorting/re-escaping the caller's base query string.
func encodeQueryPair(key, value string) string {
	return key + "=" + url.QueryEscape(value)
}
