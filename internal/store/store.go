// Package store defines the backend-neutral record store used by the auth
// core. Two engines implement it: postgres (SQL rows, FOR UPDATE locking) and
// redis (hashes with Lua-scripted atomic steps). The auth layer never sees
// which engine is behind the interfaces.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when no user record exists for an email.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenNotFound is returned when no refresh token matches a hash.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenExpired is returned when a matching refresh token is past its
	// expiry; the row is purged as a side effect.
	ErrTokenExpired = errors.New("refresh token expired")
)

// UserRecord holds one provisioned identity. Records are immutable after
// provisioning; there is no update path.
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// LockoutRecord tracks failed logins for one email. A record exists only
// while attempts > 0 or a lock is active.
type LockoutRecord struct {
	Email       string     `json:"email"`
	Attempts    int        `json:"attempts"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RefreshTokenRecord holds the hash of an issued refresh token. The plaintext
// secret is never persisted.
type RefreshTokenRecord struct {
	ID         string
	Email      string
	TokenHash  string
	ClientInfo string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CleanupResult reports how many stale rows a retention pass removed.
type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedLockouts      int64 `json:"deleted_lockouts"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}

// UserStore answers identity lookups and provisioning.
type UserStore interface {
	// GetByEmail returns the user record or ErrUserNotFound.
	GetByEmail(ctx context.Context, email string) (UserRecord, error)
	// UpsertUser provisions or replaces the record for an email.
	UpsertUser(ctx context.Context, rec UserRecord) error
}

// LockoutStore persists per-email failed-attempt state.
type LockoutStore interface {
	// GetLockout returns the current record; ok is false when none exists.
	GetLockout(ctx context.Context, email string) (rec LockoutRecord, ok bool, err error)
	// RegisterFailure atomically increments the counter and, if it reaches
	// maxAttempts, sets locked_until = now + lockDuration and resets the
	// counter to zero. It returns the lock deadline when one is set (either
	// newly or already active). Concurrent calls for the same email must not
	// under-count or double-lock.
	RegisterFailure(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	// ResetLockout deletes the record; resetting an absent record is not an
	// error.
	ResetLockout(ctx context.Context, email string) error
	// ListLockouts returns all live records, for the admin surface.
	ListLockouts(ctx context.Context) ([]LockoutRecord, error)
}

// TokenStore persists hashed refresh tokens.
type TokenStore interface {
	// CreateToken inserts a new record.
	CreateToken(ctx context.Context, rec RefreshTokenRecord) error
	// GetTokenByHash returns the record for a hash, purging and reporting
	// ErrTokenExpired when it is past expiry, or ErrTokenNotFound.
	GetTokenByHash(ctx context.Context, tokenHash string, now time.Time) (RefreshTokenRecord, error)
	// RotateToken atomically deletes the record matching oldHash and inserts
	// newRec, returning the email the old record was bound to. It returns
	// ErrTokenNotFound when no live record matches and ErrTokenExpired when
	// the matching record is past expiry (the row is purged either way).
	// Exactly one of N concurrent rotations of the same token may succeed.
	RotateToken(ctx context.Context, oldHash string, newRec RefreshTokenRecord, now time.Time) (string, error)
	// DeleteTokenByHash removes the record; deleting an absent record is not
	// an error.
	DeleteTokenByHash(ctx context.Context, tokenHash string) error
	// ListTokens returns all live records, for the admin surface.
	ListTokens(ctx context.Context) ([]RefreshTokenRecord, error)
}

// IPLimitStore tracks per-IP login request windows for the edge limiter.
type IPLimitStore interface {
	// AllowLoginIP counts a hit for ip inside a sliding window and reports
	// whether the request may proceed, with a retry-after hint when not.
	AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

// Store is the full record store a backend engine provides.
type Store interface {
	UserStore
	LockoutStore
	TokenStore
	IPLimitStore

	// Ping reports whether the backing engine is reachable.
	Ping(ctx context.Context) error
	// Cleanup removes stale rows past the given retentions, in batches.
	Cleanup(ctx context.Context, refreshRetention, lockoutRetention time.Duration, batchSize int) (CleanupResult, error)
}
