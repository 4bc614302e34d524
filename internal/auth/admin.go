package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"auth-backend/internal/store"
)

// AdminSecretHeader carries the caller-supplied admin secret.
const AdminSecretHeader = "X-Admin-Secret"

// AdminGate authorizes the administrative surface. An unconfigured secret
// closes the surface permanently; there is no fail-open path.
type AdminGate struct {
	secret string
}

func NewAdminGate(secret string) *AdminGate {
	return &AdminGate{secret: strings.TrimSpace(secret)}
}

// Authorize compares the supplied secret in constant time. It denies every
// value, including the empty string, when no secret is configured.
func (g *AdminGate) Authorize(supplied string) bool {
	if g.secret == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(supplied), []byte(g.secret)) == 1
}

// AdminHandler exposes read access to lockout and refresh-token state plus a
// forced lockout reset. Token responses carry metadata only; plaintext
// secrets do not exist server-side and full hashes stay private.
type AdminHandler struct {
	gate     *AdminGate
	lockouts store.LockoutStore
	tokens   store.TokenStore
}

func NewAdminHandler(gate *AdminGate, lockouts store.LockoutStore, tokens store.TokenStore) *AdminHandler {
	return &AdminHandler{gate: gate, lockouts: lockouts, tokens: tokens}
}

type tokenMetadata struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	ClientInfo      string    `json:"client_info,omitempty"`
	TokenHashPrefix string    `json:"token_hash_prefix"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type resetLockoutRequest struct {
	Email string `json:"email"`
}

func (h *AdminHandler) ListLockouts(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	records, err := h.lockouts.ListLockouts(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeErrorCode(w, http.StatusInternalServerError, CodeStorageFailure, "failed to list lockouts")
		return
	}
	if records == nil {
		records = []store.LockoutRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"lockouts": records})
}

func (h *AdminHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	records, err := h.tokens.ListTokens(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeErrorCode(w, http.StatusInternalServerError, CodeStorageFailure, "failed to list refresh tokens")
		return
	}

	metadata := make([]tokenMetadata, 0, len(records))
	for _, rec := range records {
		prefix := rec.TokenHash
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		metadata = append(metadata, tokenMetadata{
			ID:              rec.ID,
			Email:           rec.Email,
			ClientInfo:      rec.ClientInfo,
			TokenHashPrefix: prefix,
			CreatedAt:       rec.CreatedAt,
			ExpiresAt:       rec.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"refresh_tokens": metadata})
}

func (h *AdminHandler) ResetLockout(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body resetLockoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	email := normalizeEmail(body.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.lockouts.ResetLockout(r.Context(), email); err != nil {
		sentry.CaptureException(err)
		writeErrorCode(w, http.StatusInternalServerError, CodeStorageFailure, "failed to reset lockout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !h.gate.Authorize(r.Header.Get(AdminSecretHeader)) {
		writeErrorCode(w, http.StatusForbidden, CodeAdminUnauthorized, "admin access denied")
		return false
	}

	return true
}
