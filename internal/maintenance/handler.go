// Package maintenance exposes the retention cleanup endpoint, intended to be
// hit by a scheduled job.
package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"auth-backend/internal/observability"
	"auth-backend/internal/store"
)

type CleanupHandler struct {
	records          store.Store
	logger           *observability.Logger
	cronSecret       string
	refreshRetention time.Duration
	lockoutRetention time.Duration
	batchSize        int
}

func NewCleanupHandler(
	records store.Store,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	lockoutRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		records:          records,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		lockoutRetention: lockoutRetention,
		batchSize:        batchSize,
	}
}

// Handle runs one cleanup batch. Without a configured cron secret the route
// does not exist as far as callers can tell.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.records.Cleanup(r.Context(), h.refreshRetention, h.lockoutRetention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"deleted_lockouts":       result.DeletedLockouts,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
