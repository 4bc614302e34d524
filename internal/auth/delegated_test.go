package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	*httptest.Server
	requests atomic.Int64
}

func newFakeProvider(t *testing.T, handler http.HandlerFunc) *fakeProvider {
	t.Helper()

	p := &fakeProvider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(p.Close)
	return p
}

func newDelegated(t *testing.T, providerURL string, timeout time.Duration) (*DelegatedAuthenticator, *localFixture) {
	t.Helper()

	f := newLocalFixture(t)
	return NewDelegatedAuthenticator(providerURL, "service-key", timeout, f.lockouts, quietLogger()), f
}

func TestDelegatedLoginForwardsAndRelaysTokens(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected forward target: %s", r.URL.String())
		}
		if r.Header.Get("apikey") != "service-key" {
			t.Errorf("missing provider service key")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode forwarded body: %v", err)
		}
		if body["email"] != "a@b.com" || body["password"] != "password123" {
			t.Errorf("unexpected forwarded payload: %v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "upstream-refresh",
		})
	})

	service, _ := newDelegated(t, provider.URL, 10*time.Second)

	tokens, err := service.Login(context.Background(), "a@b.com", "password123")
	if err != nil {
		t.Fatalf("delegated login failed: %v", err)
	}
	if tokens.AccessToken != "upstream-access" || tokens.RefreshToken != "upstream-refresh" {
		t.Fatalf("provider tokens not relayed: %+v", tokens)
	}
}

func TestDelegatedLoginRejectionCountsFailure(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error_description": "Invalid login credentials",
		})
	})

	service, f := newDelegated(t, provider.URL, 10*time.Second)

	_, err := service.Login(context.Background(), "a@b.com", "wrong")
	var rejected ErrUpstreamRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	if rejected.Message != "Invalid login credentials" {
		t.Fatalf("sanitized message = %q", rejected.Message)
	}

	rec, ok, err := f.records.GetLockout(context.Background(), "a@b.com")
	if err != nil || !ok {
		t.Fatalf("expected lockout record after upstream rejection: ok=%v err=%v", ok, err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
}

func TestDelegatedLoginLockedSkipsForward(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	service, f := newDelegated(t, provider.URL, 10*time.Second)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.lockouts.RecordFailure(ctx, "a@b.com"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	_, err := service.Login(ctx, "a@b.com", "password123")
	var locked ErrAccountLocked
	if !errors.As(err, &locked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if provider.requests.Load() != 0 {
		t.Fatalf("locked login must not reach the provider, saw %d requests", provider.requests.Load())
	}
}

func TestDelegatedTimeoutIsUnavailableAndNeverRetried(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	service, _ := newDelegated(t, provider.URL, 50*time.Millisecond)

	_, err := service.Login(context.Background(), "a@b.com", "password123")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if provider.requests.Load() != 1 {
		t.Fatalf("timeouts must not be retried, saw %d requests", provider.requests.Load())
	}
}

func TestDelegatedConnectionFailure(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {})
	url := provider.URL
	provider.Close()

	service, _ := newDelegated(t, url, time.Second)

	if _, err := service.Login(context.Background(), "a@b.com", "password123"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestDelegatedRefreshForwards(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("unexpected grant type: %s", r.URL.String())
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "upstream-refresh" {
			t.Errorf("unexpected forwarded payload: %v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"token_type":    "bearer",
			"refresh_token": "fresh-refresh",
		})
	})

	service, _ := newDelegated(t, provider.URL, 10*time.Second)

	tokens, err := service.Refresh(context.Background(), "upstream-refresh")
	if err != nil {
		t.Fatalf("delegated refresh failed: %v", err)
	}
	if tokens.AccessToken != "fresh-access" || tokens.RefreshToken != "fresh-refresh" {
		t.Fatalf("provider tokens not relayed: %+v", tokens)
	}
}

func TestDelegatedLogoutForwards(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/logout" {
			t.Errorf("unexpected forward target: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	service, _ := newDelegated(t, provider.URL, 10*time.Second)

	if err := service.Logout(context.Background(), "upstream-refresh"); err != nil {
		t.Fatalf("delegated logout failed: %v", err)
	}
}
