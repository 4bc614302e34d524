// Package app wires configuration, storage, and handlers into a runnable
// HTTP handler.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"auth-backend/internal/auth"
	"auth-backend/internal/config"
	"auth-backend/internal/db"
	"auth-backend/internal/maintenance"
	"auth-backend/internal/observability"
	"auth-backend/internal/store"
	pgstore "auth-backend/internal/store/postgres"
	redisstore "auth-backend/internal/store/redis"
)

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(cfg config.Config, logger *observability.Logger) (*Runtime, error) {
	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	records, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	credentials := auth.NewCredentials(records)
	lockouts := auth.NewLockoutTracker(records, cfg.MaxFailedAttempts, cfg.LockoutDuration)
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	refresh := auth.NewRefreshTokenManager(records, cfg.RefreshTokenTTL)

	if cfg.SeedUserEmail != "" || cfg.SeedUserPassword != "" {
		if cfg.SeedUserEmail == "" || cfg.SeedUserPassword == "" {
			_ = closeStore()
			return nil, fmt.Errorf("SEED_USER_EMAIL and SEED_USER_PASSWORD are required together")
		}
		if err := credentials.Provision(context.Background(), cfg.SeedUserEmail, cfg.SeedUserPassword); err != nil {
			_ = closeStore()
			return nil, fmt.Errorf("provision seed user: %w", err)
		}
	}

	var service auth.Authenticator
	if cfg.Delegated() {
		service = auth.NewDelegatedAuthenticator(cfg.ProviderURL, cfg.ProviderServiceKey, cfg.ProviderTimeout, lockouts, logger)
		logger.Info("auth_mode", map[string]any{"mode": "delegated", "provider": cfg.ProviderURL})
	} else {
		service = auth.NewLocalAuthenticator(credentials, lockouts, refresh, issuer, logger)
		logger.Info("auth_mode", map[string]any{"mode": "local"})
	}

	authHandler := auth.NewHandler(service)
	loginLimiter := auth.NewLoginRateLimiter(records, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("GET /health", healthHandler(records))

	if !cfg.Delegated() {
		adminGate := auth.NewAdminGate(cfg.AdminSecret)
		adminHandler := auth.NewAdminHandler(adminGate, records, records)
		mux.HandleFunc("GET /admin/lockouts", adminHandler.ListLockouts)
		mux.HandleFunc("GET /admin/refresh-tokens", adminHandler.ListTokens)
		mux.HandleFunc("POST /admin/lockouts/reset", adminHandler.ResetLockout)
	}

	// Lockout and rate-limit state accumulates locally in both modes, so the
	// retention sweep is always mounted.
	cleanupHandler := maintenance.NewCleanupHandler(
		records,
		logger,
		cfg.CronSecret,
		cfg.RefreshTokenRetention,
		cfg.LockoutRetention,
		cfg.CleanupBatchSize,
	)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return closeStore()
		},
	}, nil
}

func openStore(cfg config.Config) (store.Store, func() error, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return redisstore.New(rdb, cfg.RefreshTokenRetention, cfg.LockoutRetention), rdb.Close, nil
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(30 * time.Minute)
	database.SetConnMaxIdleTime(10 * time.Minute)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return pgstore.New(database), database.Close, nil
}

func healthHandler(records store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := records.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
