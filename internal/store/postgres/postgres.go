// Package postgres implements the record store on PostgreSQL via database/sql
// and the pgx stdlib driver. The two read-modify-write hot spots (failure
// counting, token rotation) run inside transactions with FOR UPDATE row locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"auth-backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetByEmail(ctx context.Context, email string) (store.UserRecord, error) {
	var rec store.UserRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM users
		WHERE email = $1
	`, email).Scan(&rec.ID, &rec.Email, &rec.PasswordHash, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.UserRecord{}, store.ErrUserNotFound
		}
		return store.UserRecord{}, fmt.Errorf("query user by email: %w", err)
	}

	return rec, nil
}

func (s *Store) UpsertUser(ctx context.Context, rec store.UserRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET password_hash = EXCLUDED.password_hash
	`, rec.ID, rec.Email, rec.PasswordHash, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	return nil
}

func (s *Store) GetLockout(ctx context.Context, email string) (store.LockoutRecord, bool, error) {
	rec := store.LockoutRecord{Email: email}

	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts, locked_until, updated_at
		FROM login_attempts
		WHERE email = $1
	`, email).Scan(&rec.Attempts, &lockedUntil, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.LockoutRecord{}, false, nil
		}
		return store.LockoutRecord{}, false, fmt.Errorf("query login attempts: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		rec.LockedUntil = &value
	}

	return rec, true, nil
}

func (s *Store) RegisterFailure(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT attempts, locked_until
		FROM login_attempts
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			attempts = 0
			lockedUntil = sql.NullTime{}
		} else {
			return nil, fmt.Errorf("lock login attempt row: %w", err)
		}
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	attempts++
	var nextLock *time.Time
	var nextLockValue any
	if attempts >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		// The lock carries the penalty; the counter starts clean once it
		// elapses.
		attempts = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO login_attempts (email, attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET
			attempts = EXCLUDED.attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, email, attempts, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return nextLock, nil
}

func (s *Store) ResetLockout(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM login_attempts
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

func (s *Store) ListLockouts(ctx context.Context) ([]store.LockoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, attempts, locked_until, updated_at
		FROM login_attempts
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list login attempts: %w", err)
	}
	defer rows.Close()

	var records []store.LockoutRecord
	for rows.Next() {
		var rec store.LockoutRecord
		var lockedUntil sql.NullTime
		if err := rows.Scan(&rec.Email, &rec.Attempts, &lockedUntil, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		if lockedUntil.Valid {
			value := lockedUntil.Time.UTC()
			rec.LockedUntil = &value
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}

	return records, nil
}

func (s *Store) CreateToken(ctx context.Context, rec store.RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, email, token_hash, client_info, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Email, rec.TokenHash, rec.ClientInfo, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string, now time.Time) (store.RefreshTokenRecord, error) {
	var rec store.RefreshTokenRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, token_hash, client_info, created_at, expires_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&rec.ID, &rec.Email, &rec.TokenHash, &rec.ClientInfo, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.RefreshTokenRecord{}, store.ErrTokenNotFound
		}
		return store.RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}

	if !now.Before(rec.ExpiresAt) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, rec.ID); err != nil {
			return store.RefreshTokenRecord{}, fmt.Errorf("purge expired refresh token: %w", err)
		}
		return store.RefreshTokenRecord{}, store.ErrTokenExpired
	}

	return rec, nil
}

func (s *Store) RotateToken(ctx context.Context, oldHash string, newRec store.RefreshTokenRecord, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var oldID, email string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, email, expires_at
		FROM refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash).Scan(&oldID, &email, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrTokenNotFound
		}
		return "", fmt.Errorf("read refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, oldID); err != nil {
		return "", fmt.Errorf("delete rotated refresh token: %w", err)
	}

	if !now.Before(expiresAt.UTC()) {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit expired token purge: %w", err)
		}
		return "", store.ErrTokenExpired
	}

	newRec.Email = email
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, email, token_hash, client_info, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, newRec.ID, newRec.Email, newRec.TokenHash, newRec.ClientInfo, newRec.CreatedAt.UTC(), newRec.ExpiresAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return email, nil
}

func (s *Store) DeleteTokenByHash(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}

	return nil
}

func (s *Store) ListTokens(ctx context.Context) ([]store.RefreshTokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, token_hash, client_info, created_at, expires_at
		FROM refresh_tokens
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	defer rows.Close()

	var records []store.RefreshTokenRecord
	for rows.Next() {
		var rec store.RefreshTokenRecord
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.TokenHash, &rec.ClientInfo, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return records, nil
}

func (s *Store) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN login_ip_limits.window_started_at <= $3 THEN 1
					ELSE login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN login_ip_limits.window_started_at <= $3 THEN $2
					ELSE login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

func (s *Store) Cleanup(ctx context.Context, refreshRetention, lockoutRetention time.Duration, batchSize int) (store.CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if lockoutRetention <= 0 {
		lockoutRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()

	deletedTokens, err := s.deleteStaleTokens(ctx, now, batchSize)
	if err != nil {
		return store.CleanupResult{}, err
	}

	deletedLockouts, err := s.deleteStaleLockouts(ctx, now.Add(-lockoutRetention), batchSize)
	if err != nil {
		return store.CleanupResult{}, err
	}

	deletedIPLimits, err := s.deleteStaleIPLimits(ctx, now.Add(-lockoutRetention), batchSize)
	if err != nil {
		return store.CleanupResult{}, err
	}

	return store.CleanupResult{
		DeletedRefreshTokens: deletedTokens,
		DeletedLockouts:      deletedLockouts,
		DeletedIPLimits:      deletedIPLimits,
	}, nil
}

func (s *Store) deleteStaleTokens(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (s *Store) deleteStaleLockouts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT email
			FROM login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return affected, nil
}

func (s *Store) deleteStaleIPLimits(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT ip
			FROM login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login ip limits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login ip limits rows affected: %w", err)
	}

	return affected, nil
}
