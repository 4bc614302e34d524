package auth

import (
	"errors"
	"time"
)

// Error codes surfaced in JSON error bodies.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeAccountLocked       = "account_locked"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamRejected    = "upstream_rejected"
	CodeRefreshTokenInvalid = "refresh_token_invalid"
	CodeRefreshTokenExpired = "refresh_token_expired"
	CodeAdminUnauthorized   = "admin_unauthorized"
	CodeStorageFailure      = "storage_failure"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike;
	// the boundary never reveals which check failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshTokenInvalid is returned for never-issued and revoked tokens.
	ErrRefreshTokenInvalid = errors.New("invalid refresh token")
	// ErrRefreshTokenExpired is returned when the presented token exists but
	// is past its expiry.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrUpstreamUnavailable is returned when the delegated provider cannot
	// be reached within the forward timeout.
	ErrUpstreamUnavailable = errors.New("auth provider unavailable")
	// ErrAdminUnauthorized is returned when the admin secret is missing,
	// wrong, or not configured at all.
	ErrAdminUnauthorized = errors.New("admin unauthorized")
)

// ErrAccountLocked rejects a login attempt during an active lockout window,
// regardless of credential correctness.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

// ErrUpstreamRejected relays a delegated provider rejection with its internal
// detail stripped.
type ErrUpstreamRejected struct {
	Message string
}

func (e ErrUpstreamRejected) Error() string {
	if e.Message == "" {
		return "auth provider rejected request"
	}
	return e.Message
}
