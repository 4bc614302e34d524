package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"auth-backend/internal/store"
)

// verifyOutcome distinguishes unknown emails from wrong passwords. The split
// exists for bookkeeping and logs only; callers map both failures to the same
// generic credential error.
type verifyOutcome int

const (
	credentialMatched verifyOutcome = iota
	credentialNotFound
	credentialWrongPassword
)

// Credentials verifies passwords against provisioned user records.
type Credentials struct {
	users store.UserStore
}

func NewCredentials(users store.UserStore) *Credentials {
	return &Credentials{users: users}
}

// Verify compares password against the stored bcrypt hash for email. A
// returned error means storage failed; the outcome is only meaningful when
// the error is nil.
func (c *Credentials) Verify(ctx context.Context, email, password string) (verifyOutcome, error) {
	user, err := c.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return credentialNotFound, nil
		}
		return credentialNotFound, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return credentialWrongPassword, nil
	}

	return credentialMatched, nil
}

// Provision creates or replaces the user record for email with a bcrypt hash
// of password. Used only at bootstrap; there is no runtime signup path.
func (c *Credentials) Provision(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return fmt.Errorf("email and password are required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return c.users.UpsertUser(ctx, store.UserRecord{
		ID:           id.String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	})
}
