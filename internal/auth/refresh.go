package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auth-backend/internal/store"
)

// refreshSecretBytes is the entropy of a refresh token secret. 48 bytes is
// 384 bits, hex-encoded to 96 characters on the wire.
const refreshSecretBytes = 48

// RefreshTokenManager issues opaque refresh tokens, persisting only their
// SHA-256 hash. The plaintext secret exists exactly once: in the response
// that created it.
type RefreshTokenManager struct {
	tokens store.TokenStore
	ttl    time.Duration
	now    func() time.Time
}

func NewRefreshTokenManager(tokens store.TokenStore, ttl time.Duration) *RefreshTokenManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	return &RefreshTokenManager{
		tokens: tokens,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Create mints a new refresh token bound to email and returns its plaintext.
func (m *RefreshTokenManager) Create(ctx context.Context, email, clientInfo string) (string, error) {
	plaintext, err := randomToken(refreshSecretBytes)
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}

	rec, err := m.newRecord(email, clientInfo, plaintext)
	if err != nil {
		return "", err
	}
	if err := m.tokens.CreateToken(ctx, rec); err != nil {
		return "", err
	}

	return plaintext, nil
}

// Verify resolves a plaintext token to the email it is bound to. Expired
// records are purged as a side effect of being seen.
func (m *RefreshTokenManager) Verify(ctx context.Context, plaintext string) (string, error) {
	rec, err := m.tokens.GetTokenByHash(ctx, hashToken(plaintext), m.now())
	if err != nil {
		return "", mapTokenErr(err)
	}

	return rec.Email, nil
}

// Rotate atomically replaces a live token with a fresh one bound to the same
// email. The old token is invalid the instant rotation succeeds; of N
// concurrent rotations of one token, exactly one wins.
func (m *RefreshTokenManager) Rotate(ctx context.Context, oldPlaintext string) (email, newPlaintext string, err error) {
	newPlaintext, err = randomToken(refreshSecretBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate rotated refresh token: %w", err)
	}

	rec, err := m.newRecord("", "", newPlaintext)
	if err != nil {
		return "", "", err
	}

	email, err = m.tokens.RotateToken(ctx, hashToken(oldPlaintext), rec, m.now())
	if err != nil {
		return "", "", mapTokenErr(err)
	}

	return email, newPlaintext, nil
}

// Revoke deletes the record for a plaintext token. Revoking an absent token
// is not an error.
func (m *RefreshTokenManager) Revoke(ctx context.Context, plaintext string) error {
	return m.tokens.DeleteTokenByHash(ctx, hashToken(plaintext))
}

func (m *RefreshTokenManager) newRecord(email, clientInfo, plaintext string) (store.RefreshTokenRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return store.RefreshTokenRecord{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	now := m.now().UTC()
	return store.RefreshTokenRecord{
		ID:         id.String(),
		Email:      email,
		TokenHash:  hashToken(plaintext),
		ClientInfo: clientInfo,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}, nil
}

func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return ErrRefreshTokenInvalid
	case errors.Is(err, store.ErrTokenExpired):
		return ErrRefreshTokenExpired
	default:
		return err
	}
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
