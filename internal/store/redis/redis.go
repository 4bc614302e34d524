// Package redis implements the record store on Redis. The two per-key
// read-modify-write steps (failure counting, token rotation) run as Lua
// scripts so concurrent requests see single-winner semantics, with the clock
// passed in as an argument to keep the scripts deterministic. Keys carry TTLs
// past logical expiry so verification can still tell Expired from NotFound
// before purging; retention is therefore handled by Redis itself.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"auth-backend/internal/store"
)

const (
	userKeyPrefix    = "user:"
	lockoutKeyPrefix = "lockout:"
	refreshKeyPrefix = "refresh:"
	ipLimitKeyPrefix = "iplimit:"
)

const registerFailureScript = `
local now = tonumber(ARGV[1])
local locked = tonumber(redis.call("HGET", KEYS[1], "locked_until") or "0")
if locked > now then
  return {locked, -1}
end
local attempts = tonumber(redis.call("HGET", KEYS[1], "attempts") or "0") + 1
local lock_until = 0
if attempts >= tonumber(ARGV[2]) then
  lock_until = now + tonumber(ARGV[3])
  attempts = 0
end
redis.call("HSET", KEYS[1], "attempts", attempts, "locked_until", lock_until, "updated_at", now)
redis.call("EXPIRE", KEYS[1], ARGV[4])
return {lock_until, attempts}
`

const rotateTokenScript = `
local email = redis.call("HGET", KEYS[1], "email")
if not email then
  return {"notfound", ""}
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
redis.call("DEL", KEYS[1])
local now = tonumber(ARGV[1])
if expires <= now then
  return {"expired", ""}
end
redis.call("HSET", KEYS[2], "id", ARGV[2], "email", email, "client_info", ARGV[3], "created_at", ARGV[4], "expires_at", ARGV[5])
redis.call("EXPIRE", KEYS[2], ARGV[6])
return {"ok", email}
`

const allowLoginIPScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local started = tonumber(redis.call("HGET", KEYS[1], "window_started_at") or "0")
local hits
if started == 0 or started + window <= now then
  started = now
  hits = 1
else
  hits = tonumber(redis.call("HGET", KEYS[1], "hits") or "0") + 1
end
redis.call("HSET", KEYS[1], "window_started_at", started, "hits", hits, "updated_at", now)
redis.call("EXPIRE", KEYS[1], window * 2)
return {hits, started}
`

var (
	registerFailureLua = redis.NewScript(registerFailureScript)
	rotateTokenLua     = redis.NewScript(rotateTokenScript)
	allowLoginIPLua    = redis.NewScript(allowLoginIPScript)
)

type Store struct {
	rdb              *redis.Client
	refreshRetention time.Duration
	lockoutRetention time.Duration
}

func New(rdb *redis.Client, refreshRetention, lockoutRetention time.Duration) *Store {
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if lockoutRetention <= 0 {
		lockoutRetention = 30 * 24 * time.Hour
	}

	return &Store{
		rdb:              rdb,
		refreshRetention: refreshRetention,
		lockoutRetention: lockoutRetention,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) GetByEmail(ctx context.Context, email string) (store.UserRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, userKeyPrefix+email).Result()
	if err != nil {
		return store.UserRecord{}, fmt.Errorf("get user hash: %w", err)
	}
	if len(fields) == 0 {
		return store.UserRecord{}, store.ErrUserNotFound
	}

	return store.UserRecord{
		ID:           fields["id"],
		Email:        email,
		PasswordHash: fields["password_hash"],
		CreatedAt:    unixTime(fields["created_at"]),
	}, nil
}

func (s *Store) UpsertUser(ctx context.Context, rec store.UserRecord) error {
	err := s.rdb.HSet(ctx, userKeyPrefix+rec.Email,
		"id", rec.ID,
		"password_hash", rec.PasswordHash,
		"created_at", rec.CreatedAt.UTC().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("upsert user hash: %w", err)
	}

	return nil
}

func (s *Store) GetLockout(ctx context.Context, email string) (store.LockoutRecord, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, lockoutKeyPrefix+email).Result()
	if err != nil {
		return store.LockoutRecord{}, false, fmt.Errorf("get lockout hash: %w", err)
	}
	if len(fields) == 0 {
		return store.LockoutRecord{}, false, nil
	}

	return lockoutFromFields(email, fields), true, nil
}

func (s *Store) RegisterFailure(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	result, err := registerFailureLua.Run(ctx, s.rdb,
		[]string{lockoutKeyPrefix + email},
		now.UTC().Unix(),
		maxAttempts,
		int(lockDuration.Seconds()),
		int(s.lockoutRetention.Seconds()),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("register failed attempt: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("register failed attempt: unexpected reply %v", result)
	}

	if result[0] > 0 {
		until := time.Unix(result[0], 0).UTC()
		return &until, nil
	}

	return nil, nil
}

func (s *Store) ResetLockout(ctx context.Context, email string) error {
	if err := s.rdb.Del(ctx, lockoutKeyPrefix+email).Err(); err != nil {
		return fmt.Errorf("delete lockout hash: %w", err)
	}

	return nil
}

func (s *Store) ListLockouts(ctx context.Context) ([]store.LockoutRecord, error) {
	keys, err := s.scanKeys(ctx, lockoutKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	var records []store.LockoutRecord
	for _, key := range keys {
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("get lockout hash: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, lockoutFromFields(key[len(lockoutKeyPrefix):], fields))
	}

	return records, nil
}

func (s *Store) CreateToken(ctx context.Context, rec store.RefreshTokenRecord) error {
	key := refreshKeyPrefix + rec.TokenHash
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt) + s.refreshRetention

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"id", rec.ID,
		"email", rec.Email,
		"client_info", rec.ClientInfo,
		"created_at", rec.CreatedAt.UTC().Unix(),
		"expires_at", rec.ExpiresAt.UTC().Unix(),
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert refresh token hash: %w", err)
	}

	return nil
}

func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string, now time.Time) (store.RefreshTokenRecord, error) {
	key := refreshKeyPrefix + tokenHash
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return store.RefreshTokenRecord{}, fmt.Errorf("get refresh token hash: %w", err)
	}
	if len(fields) == 0 {
		return store.RefreshTokenRecord{}, store.ErrTokenNotFound
	}

	rec := tokenFromFields(tokenHash, fields)
	if !now.Before(rec.ExpiresAt) {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return store.RefreshTokenRecord{}, fmt.Errorf("purge expired refresh token: %w", err)
		}
		return store.RefreshTokenRecord{}, store.ErrTokenExpired
	}

	return rec, nil
}

func (s *Store) RotateToken(ctx context.Context, oldHash string, newRec store.RefreshTokenRecord, now time.Time) (string, error) {
	ttl := newRec.ExpiresAt.Sub(newRec.CreatedAt) + s.refreshRetention

	result, err := rotateTokenLua.Run(ctx, s.rdb,
		[]string{refreshKeyPrefix + oldHash, refreshKeyPrefix + newRec.TokenHash},
		now.UTC().Unix(),
		newRec.ID,
		newRec.ClientInfo,
		newRec.CreatedAt.UTC().Unix(),
		newRec.ExpiresAt.UTC().Unix(),
		int(ttl.Seconds()),
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("rotate refresh token: %w", err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("rotate refresh token: unexpected reply %v", result)
	}

	switch result[0] {
	case "ok":
		return result[1], nil
	case "expired":
		return "", store.ErrTokenExpired
	default:
		return "", store.ErrTokenNotFound
	}
}

func (s *Store) DeleteTokenByHash(ctx context.Context, tokenHash string) error {
	if err := s.rdb.Del(ctx, refreshKeyPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("delete refresh token hash: %w", err)
	}

	return nil
}

func (s *Store) ListTokens(ctx context.Context) ([]store.RefreshTokenRecord, error) {
	keys, err := s.scanKeys(ctx, refreshKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	var records []store.RefreshTokenRecord
	for _, key := range keys {
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("get refresh token hash: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, tokenFromFields(key[len(refreshKeyPrefix):], fields))
	}

	return records, nil
}

func (s *Store) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	result, err := allowLoginIPLua.Run(ctx, s.rdb,
		[]string{ipLimitKeyPrefix + ip},
		now.UTC().Unix(),
		int(window.Seconds()),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("count login ip hit: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("count login ip hit: unexpected reply %v", result)
	}

	hits, windowStarted := result[0], result[1]
	if hits <= int64(maxHits) {
		return true, 0, nil
	}

	retryAfter := time.Unix(windowStarted, 0).Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

// Cleanup is a no-op on Redis: every key is written with a TTL covering its
// retention window, so stale state ages out without a sweep.
func (s *Store) Cleanup(ctx context.Context, refreshRetention, lockoutRetention time.Duration, batchSize int) (store.CleanupResult, error) {
	return store.CleanupResult{}, nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func lockoutFromFields(email string, fields map[string]string) store.LockoutRecord {
	rec := store.LockoutRecord{
		Email:     email,
		UpdatedAt: unixTime(fields["updated_at"]),
	}
	rec.Attempts, _ = strconv.Atoi(fields["attempts"])
	if lockedUntil, _ := strconv.ParseInt(fields["locked_until"], 10, 64); lockedUntil > 0 {
		value := time.Unix(lockedUntil, 0).UTC()
		rec.LockedUntil = &value
	}

	return rec
}

func tokenFromFields(tokenHash string, fields map[string]string) store.RefreshTokenRecord {
	return store.RefreshTokenRecord{
		ID:         fields["id"],
		Email:      fields["email"],
		TokenHash:  tokenHash,
		ClientInfo: fields["client_info"],
		CreatedAt:  unixTime(fields["created_at"]),
		ExpiresAt:  unixTime(fields["expires_at"]),
	}
}

func unixTime(value string) time.Time {
	seconds, _ := strconv.ParseInt(value, 10, 64)
	return time.Unix(seconds, 0).UTC()
}
