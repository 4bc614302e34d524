package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"auth-backend/internal/store"
)

func TestLoginLockoutScenario(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	// Four wrong passwords warm the counter without locking.
	for i := 1; i <= 4; i++ {
		_, err := f.service.Login(ctx, "a@b.com", "wrong-password")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// The fifth failure trips the lock.
	_, err := f.service.Login(ctx, "a@b.com", "wrong-password")
	var locked ErrAccountLocked
	if !errors.As(err, &locked) {
		t.Fatalf("fifth attempt: expected ErrAccountLocked, got %v", err)
	}
	remaining := time.Until(locked.Until)
	if remaining < 170*time.Second || remaining > 180*time.Second {
		t.Fatalf("lock remaining = %v, want about 180s", remaining)
	}

	// The correct password is rejected during the lock window; the
	// credential check is never reached.
	_, err = f.service.Login(ctx, "a@b.com", "password123")
	if !errors.As(err, &locked) {
		t.Fatalf("locked login: expected ErrAccountLocked, got %v", err)
	}

	// Once the window elapses the identity is already clean for counting
	// purposes and the correct password succeeds.
	f.advanceClock(4 * time.Minute)
	tokens, err := f.service.Login(ctx, "a@b.com", "password123")
	if err != nil {
		t.Fatalf("login after lock elapsed failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected access and refresh tokens, got %+v", tokens)
	}
	if tokens.TokenType != "bearer" {
		t.Fatalf("token_type = %q, want bearer", tokens.TokenType)
	}
}

func TestLoginSuccessClearsWarmingState(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.service.Login(ctx, "a@b.com", "nope"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}

	if _, err := f.service.Login(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	_, ok, err := f.records.GetLockout(ctx, "a@b.com")
	if err != nil {
		t.Fatalf("GetLockout failed: %v", err)
	}
	if ok {
		t.Fatal("a successful login must delete the lockout record")
	}
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	unknownErr := func() error {
		_, err := f.service.Login(ctx, "ghost@b.com", "password123")
		return err
	}()
	wrongErr := func() error {
		_, err := f.service.Login(ctx, "a@b.com", "wrong")
		return err
	}()

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("both failures must be generic: unknown=%v wrong=%v", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("error text must not reveal which check failed: %q vs %q", unknownErr, wrongErr)
	}

	// Unknown emails feed the same counter.
	rec, ok, err := f.records.GetLockout(ctx, "ghost@b.com")
	if err != nil || !ok {
		t.Fatalf("expected lockout record for unknown email: ok=%v err=%v", ok, err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
}

func TestLoginEmailIsNormalized(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if _, err := f.service.Login(ctx, "  A@B.com ", "password123"); err != nil {
		t.Fatalf("login with unnormalized email failed: %v", err)
	}
}

func TestRefreshRotatesThroughService(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	tokens, err := f.service.Login(ctx, "a@b.com", "password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	refreshed, err := f.service.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.RefreshToken == tokens.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}
	if _, err := f.service.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("old token must be invalid after rotation, got %v", err)
	}

	subject, err := f.issuer.Verify(refreshed.AccessToken)
	if err != nil {
		t.Fatalf("rotated access token must verify: %v", err)
	}
	if subject != "a@b.com" {
		t.Fatalf("subject = %q, want a@b.com", subject)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	tokens, err := f.service.Login(ctx, "a@b.com", "password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if err := f.service.Logout(ctx, tokens.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if err := f.service.Logout(ctx, tokens.RefreshToken); err != nil {
		t.Fatalf("second logout must succeed: %v", err)
	}
	if _, err := f.service.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("logged-out token must be invalid, got %v", err)
	}
}

// brokenLockoutStore fails every write so tests can pin down that lockout
// bookkeeping never changes the primary authentication result.
type brokenLockoutStore struct {
	store.LockoutStore
}

func (b brokenLockoutStore) RegisterFailure(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	return nil, fmt.Errorf("lockout store down")
}

func (b brokenLockoutStore) ResetLockout(ctx context.Context, email string) error {
	return fmt.Errorf("lockout store down")
}

func TestBookkeepingFailureNeverChangesOutcome(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	if err := f.credentials.Provision(ctx, "a@b.com", "password123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	lockouts := NewLockoutTracker(brokenLockoutStore{f.records}, 5, 180*time.Second)
	service := NewLocalAuthenticator(f.credentials, lockouts, f.refresh, f.issuer, quietLogger())

	// A wrong password still reads as a credential failure, not a 500.
	if _, err := service.Login(ctx, "a@b.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials despite bookkeeping failure, got %v", err)
	}

	// A correct password still succeeds even though the reset failed.
	tokens, err := service.Login(ctx, "a@b.com", "password123")
	if err != nil {
		t.Fatalf("expected success despite bookkeeping failure, got %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected an access token")
	}
}
