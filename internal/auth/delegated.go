package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"auth-backend/internal/observability"
)

// maxUpstreamBodyBytes bounds how much of a provider response is read.
const maxUpstreamBodyBytes = 1 << 20

// DelegatedAuthenticator forwards credential and token operations to an
// external identity provider, while still applying the local lockout policy
// in front of login attempts. Calls are bounded by the client timeout and
// never retried.
type DelegatedAuthenticator struct {
	client     *http.Client
	baseURL    string
	serviceKey string
	lockouts   *LockoutTracker
	logger     *observability.Logger
}

func NewDelegatedAuthenticator(baseURL, serviceKey string, timeout time.Duration, lockouts *LockoutTracker, logger *observability.Logger) *DelegatedAuthenticator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &DelegatedAuthenticator{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		lockouts:   lockouts,
		logger:     logger,
	}
}

// Login checks the local lock, then forwards the credentials. A provider
// rejection counts against the local failure counter; the rejection itself
// is relayed with internal detail stripped.
func (a *DelegatedAuthenticator) Login(ctx context.Context, email, password string) (Tokens, error) {
	email = normalizeEmail(email)

	lockedUntil, err := a.lockouts.Check(ctx, email)
	if err != nil {
		return Tokens{}, fmt.Errorf("check lockout: %w", err)
	}
	if lockedUntil != nil {
		return Tokens{}, ErrAccountLocked{Until: *lockedUntil}
	}

	tokens, rejected, err := a.forward(ctx, "/auth/v1/token?grant_type=password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return Tokens{}, err
	}
	if rejected != nil {
		if _, err := a.lockouts.RecordFailure(ctx, email); err != nil {
			a.logger.Warn("lockout_record_failed", map[string]any{
				"email": email,
				"error": err.Error(),
			})
		}
		return Tokens{}, *rejected
	}

	if err := a.lockouts.Reset(ctx, email); err != nil {
		a.logger.Warn("lockout_reset_failed", map[string]any{
			"email": email,
			"error": err.Error(),
		})
	}

	return tokens, nil
}

func (a *DelegatedAuthenticator) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrRefreshTokenInvalid
	}

	tokens, rejected, err := a.forward(ctx, "/auth/v1/token?grant_type=refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return Tokens{}, err
	}
	if rejected != nil {
		return Tokens{}, *rejected
	}

	return tokens, nil
}

func (a *DelegatedAuthenticator) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenInvalid
	}

	_, rejected, err := a.forward(ctx, "/auth/v1/logout", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return *rejected
	}

	return nil
}

// forward POSTs a JSON payload to the provider. Transport failures and
// timeouts surface as ErrUpstreamUnavailable; non-2xx responses come back as
// a sanitized rejection.
func (a *DelegatedAuthenticator) forward(ctx context.Context, path string, payload map[string]string) (Tokens, *ErrUpstreamRejected, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Tokens{}, nil, fmt.Errorf("encode provider payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("apikey", a.serviceKey)
	req.Header.Set("Authorization", "Bearer "+a.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("provider_unreachable", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return Tokens{}, nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return Tokens{}, nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Tokens{}, &ErrUpstreamRejected{Message: sanitizeProviderError(raw)}, nil
	}

	var tokens Tokens
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return Tokens{}, nil, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
		}
	}

	return tokens, nil, nil
}

// sanitizeProviderError keeps only the provider's public error text.
func sanitizeProviderError(raw []byte) string {
	var body struct {
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
		Message          string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.ErrorDescription != "":
			return body.ErrorDescription
		case body.Error != "":
			return body.Error
		case body.Message != "":
			return body.Message
		}
	}

	return "invalid credentials"
}
