package auth

import (
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"auth-backend/internal/observability"
	"auth-backend/internal/store"
	redisstore "auth-backend/internal/store/redis"
)

// newTestRecords backs the abstract record store with miniredis so the whole
// stack runs in-process.
func newTestRecords(t *testing.T) store.Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return redisstore.New(rdb, 14*24*time.Hour, 30*24*time.Hour)
}

func quietLogger() *observability.Logger {
	return observability.NewLoggerTo(io.Discard)
}

type localFixture struct {
	records     store.Store
	credentials *Credentials
	lockouts    *LockoutTracker
	refresh     *RefreshTokenManager
	issuer      *TokenIssuer
	service     *LocalAuthenticator
}

func newLocalFixture(t *testing.T) *localFixture {
	t.Helper()

	records := newTestRecords(t)
	credentials := NewCredentials(records)
	lockouts := NewLockoutTracker(records, 5, 180*time.Second)
	issuer := NewTokenIssuer("test-secret", time.Hour)
	refresh := NewRefreshTokenManager(records, 7*24*time.Hour)

	return &localFixture{
		records:     records,
		credentials: credentials,
		lockouts:    lockouts,
		refresh:     refresh,
		issuer:      issuer,
		service:     NewLocalAuthenticator(credentials, lockouts, refresh, issuer, quietLogger()),
	}
}

// advanceClock shifts every time-sensitive component by d.
func (f *localFixture) advanceClock(d time.Duration) {
	shifted := func() time.Time { return time.Now().Add(d) }
	f.lockouts.now = shifted
	f.refresh.now = shifted
	f.issuer.now = shifted
}
