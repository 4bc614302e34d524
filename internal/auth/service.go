// Package auth is the credential-verification and token-lifecycle core:
// lockout tracking, password verification, access-token issuing, refresh
// rotation, the admin gate, and the local/delegated coordinators in front of
// them.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"auth-backend/internal/observability"
)

// Tokens is the successful response of a login or refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Authenticator is the strategy behind the three user-facing operations. The
// concrete strategy (local or delegated) is chosen once at bootstrap, never
// per request.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	Logout(ctx context.Context, refreshToken string) error
}

// LocalAuthenticator verifies credentials against the local user store and
// issues its own token pair.
type LocalAuthenticator struct {
	credentials *Credentials
	lockouts    *LockoutTracker
	refresh     *RefreshTokenManager
	issuer      *TokenIssuer
	logger      *observability.Logger
}

func NewLocalAuthenticator(
	credentials *Credentials,
	lockouts *LockoutTracker,
	refresh *RefreshTokenManager,
	issuer *TokenIssuer,
	logger *observability.Logger,
) *LocalAuthenticator {
	return &LocalAuthenticator{
		credentials: credentials,
		lockouts:    lockouts,
		refresh:     refresh,
		issuer:      issuer,
		logger:      logger,
	}
}

// Login checks the lock before touching credentials, so a locked email is
// rejected without a password comparison. Lockout bookkeeping is best-effort:
// its failures are logged and never change the primary outcome. Token
// issuance is all-or-nothing.
func (a *LocalAuthenticator) Login(ctx context.Context, email, password string) (Tokens, error) {
	email = normalizeEmail(email)

	lockedUntil, err := a.lockouts.Check(ctx, email)
	if err != nil {
		return Tokens{}, fmt.Errorf("check lockout: %w", err)
	}
	if lockedUntil != nil {
		return Tokens{}, ErrAccountLocked{Until: *lockedUntil}
	}

	outcome, err := a.credentials.Verify(ctx, email, password)
	if err != nil {
		return Tokens{}, fmt.Errorf("verify credentials: %w", err)
	}

	if outcome != credentialMatched {
		a.logger.Info("login_failed", map[string]any{
			"email":   email,
			"unknown": outcome == credentialNotFound,
		})
		if until := a.countFailure(ctx, email); until != nil {
			return Tokens{}, ErrAccountLocked{Until: *until}
		}
		return Tokens{}, ErrInvalidCredentials
	}

	if err := a.lockouts.Reset(ctx, email); err != nil {
		a.logger.Warn("lockout_reset_failed", map[string]any{
			"email": email,
			"error": err.Error(),
		})
	}

	access, expiresIn, err := a.issuer.Issue(email)
	if err != nil {
		return Tokens{}, err
	}
	refreshToken, err := a.refresh.Create(ctx, email, "")
	if err != nil {
		return Tokens{}, fmt.Errorf("create refresh token: %w", err)
	}

	return Tokens{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
	}, nil
}

// Refresh rotates the presented token and issues a fresh access token for
// the same identity.
func (a *LocalAuthenticator) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrRefreshTokenInvalid
	}

	email, newRefresh, err := a.refresh.Rotate(ctx, refreshToken)
	if err != nil {
		return Tokens{}, err
	}

	access, expiresIn, err := a.issuer.Issue(email)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: newRefresh,
	}, nil
}

// Logout revokes the presented refresh token. Revoking an already-absent
// token succeeds.
func (a *LocalAuthenticator) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenInvalid
	}

	return a.refresh.Revoke(ctx, refreshToken)
}

// countFailure records one failed attempt and returns a lock deadline when
// the attempt tripped one. A bookkeeping failure is logged and swallowed so
// the caller still gets the credential verdict.
func (a *LocalAuthenticator) countFailure(ctx context.Context, email string) *time.Time {
	until, err := a.lockouts.RecordFailure(ctx, email)
	if err != nil {
		a.logger.Warn("lockout_record_failed", map[string]any{
			"email": email,
			"error": err.Error(),
		})
		return nil
	}

	return until
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
