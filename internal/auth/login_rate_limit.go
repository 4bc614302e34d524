package auth

import (
	"net/http"
	"strconv"
	"time"

	"auth-backend/internal/observability"
	"auth-backend/internal/store"
)

// LoginRateLimiter throttles login requests per caller IP over a sliding
// window, before any credential or lockout state is touched. It is edge
// plumbing: a limiter storage failure lets the request through rather than
// blocking logins.
type LoginRateLimiter struct {
	limits  store.IPLimitStore
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

func NewLoginRateLimiter(limits store.IPLimitStore, maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		limits:  limits,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.limits.AllowLoginIP(r.Context(), ip, l.maxHits, l.window, l.now().UTC())
		if err != nil {
			l.logger.Warn("login_rate_limit_failed", map[string]any{
				"ip":    ip,
				"error": err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}
