package auth

import (
	"context"
	"time"

	"auth-backend/internal/store"
)

// LockoutTracker enforces the per-email failed-login policy: every failure
// bumps a counter, the counter reaching the threshold trades itself for a
// timed lock, and a successful login wipes the record. Attempts never decay
// by time; only a lock-and-reset cycle, a success, or an admin reset clears
// them.
type LockoutTracker struct {
	lockouts     store.LockoutStore
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewLockoutTracker(lockouts store.LockoutStore, maxAttempts int, lockDuration time.Duration) *LockoutTracker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockDuration <= 0 {
		lockDuration = 180 * time.Second
	}

	return &LockoutTracker{
		lockouts:     lockouts,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// Check returns the active lock deadline for email, or nil when logins may
// proceed. An elapsed lock reads as clean; the counter was already zeroed
// when the lock was set.
func (t *LockoutTracker) Check(ctx context.Context, email string) (*time.Time, error) {
	rec, ok, err := t.lockouts.GetLockout(ctx, email)
	if err != nil {
		return nil, err
	}
	if !ok || rec.LockedUntil == nil {
		return nil, nil
	}
	if t.now().Before(*rec.LockedUntil) {
		return rec.LockedUntil, nil
	}

	return nil, nil
}

// RecordFailure counts one failed attempt and returns the lock deadline when
// the attempt tripped (or found) a lock. The increment-and-maybe-lock step is
// atomic in the store.
func (t *LockoutTracker) RecordFailure(ctx context.Context, email string) (*time.Time, error) {
	return t.lockouts.RegisterFailure(ctx, email, t.maxAttempts, t.lockDuration, t.now())
}

// Reset deletes the record for email. Resetting a clean email is a no-op.
func (t *LockoutTracker) Reset(ctx context.Context, email string) error {
	return t.lockouts.ResetLockout(ctx, email)
}
