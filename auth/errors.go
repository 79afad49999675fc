package auth

import "errors"

// Sentinel errors compared with errors.Is; wrapped with additional context
// via fmt.Errorf("...: %w", ErrX) at call sites.
var (
	// ErrMissingCredentials is returned when authenticate() has neither an
	// authUrl nor an apiKey to work with.
	ErrMissingCredentials = errors.New("auth: missing credentials (no authUrl or apiKey configured)")
	// ErrInvalidAuthResponse is returned when an authUrl POST's response
	// carries neither a "token" nor a "tokenRequest" field.
	ErrInvalidAuthResponse = errors.New("auth: auth response carried neither token nor tokenRequest")
	// ErrTokenDecode is returned when a bearer token cannot be parsed as a
	// well-formed JWT, or is missing required claims.
	ErrTokenDecode = errors.New("auth: token decode failed")
	// ErrTokenExpired is returned by GetToken when the stored token's exp
	// has passed.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrNoCredentials is returned by GetAuthHeaders/GetAuthQueryParams when
	// neither a bearer token nor an apiKey is available to present.
	ErrNoCredentials = errors.New("auth: no credentials available to present")
	// ErrInvalidAPIKey is returned when an apiKey string isn't "id:secret".
	ErrInvalidAPIKey = errors.New("auth: apiKey must be in \"id:secret\" form")
)
