package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const maxJSONBodyBytes = 1 << 20

// Handler exposes the three user-facing operations over JSON. It is strategy
// agnostic; the Authenticator behind it was chosen at bootstrap.
type Handler struct {
	service Authenticator
}

func NewHandler(service Authenticator) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.Password = strings.TrimSpace(body.Password)
	if !emailRegex.MatchString(strings.ToLower(body.Email)) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if body.Password == "" || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeAuthError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body refreshRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeAuthError(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body logoutRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
		h.writeAuthError(w, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeAuthError maps the error taxonomy onto HTTP. Anything outside the
// taxonomy is a server-side failure: captured, logged generically, never
// dressed up as a client error.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error, fallback string) {
	var locked ErrAccountLocked
	var rejected ErrUpstreamRejected

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeErrorCode(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
	case errors.As(err, &locked):
		retryAfter := int(time.Until(locked.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               CodeAccountLocked,
			"message":             "too many failed attempts",
			"retry_after_seconds": retryAfter,
		})
	case errors.Is(err, ErrRefreshTokenExpired):
		writeErrorCode(w, http.StatusUnauthorized, CodeRefreshTokenExpired, "refresh token expired")
	case errors.Is(err, ErrRefreshTokenInvalid):
		writeErrorCode(w, http.StatusUnauthorized, CodeRefreshTokenInvalid, "invalid refresh token")
	case errors.Is(err, ErrUpstreamUnavailable):
		writeErrorCode(w, http.StatusBadGateway, CodeUpstreamUnavailable, "auth provider unavailable")
	case errors.As(err, &rejected):
		writeErrorCode(w, http.StatusUnauthorized, CodeUpstreamRejected, rejected.Message)
	default:
		sentry.CaptureException(err)
		writeErrorCode(w, http.StatusInternalServerError, CodeStorageFailure, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
