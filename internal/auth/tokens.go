package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAccessTokenInvalid covers bad signatures, malformed payloads, wrong
// token types, and expiry.
var ErrAccessTokenInvalid = errors.New("invalid or expired access token")

// TokenIssuer signs and verifies short-lived stateless access tokens. There
// is no revocation path for access tokens; the short TTL is the only
// mitigation.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}

	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs an HS256 token binding subject to an absolute expiry, and
// returns the token with its lifetime in seconds.
func (i *TokenIssuer) Issue(subject string) (string, int64, error) {
	now := i.now().UTC()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
		"typ": "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}

	return encoded, int64(i.ttl.Seconds()), nil
}

// Verify returns the subject of a valid token. A token is invalid from the
// instant of its expiry, not after it.
func (i *TokenIssuer) Verify(tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return "", ErrAccessTokenInvalid
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return "", ErrAccessTokenInvalid
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil || !i.now().Before(expiry.Time) {
		return "", ErrAccessTokenInvalid
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrAccessTokenInvalid
	}

	return subject, nil
}
