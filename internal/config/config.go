// Package config loads the process-wide configuration once at startup. The
// resulting value is immutable; nothing else in the service reads the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	// Exactly one storage engine is used; REDIS_URL wins when both are set.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	JWTSecret       string        `env:"JWT_SECRET"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"60m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	MaxFailedAttempts int           `env:"MAX_FAILED_ATTEMPTS" envDefault:"5"`
	LockoutDuration   time.Duration `env:"LOCKOUT_DURATION" envDefault:"180s"`

	// Presence of both provider values selects delegated mode for the whole
	// process lifetime.
	ProviderURL        string        `env:"AUTH_PROVIDER_URL"`
	ProviderServiceKey string        `env:"AUTH_PROVIDER_SERVICE_KEY"`
	ProviderTimeout    time.Duration `env:"AUTH_PROVIDER_TIMEOUT" envDefault:"10s"`

	// Empty means the admin surface stays closed.
	AdminSecret string `env:"ADMIN_SECRET"`

	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" envDefault:"60s"`

	RefreshTokenRetention time.Duration `env:"REFRESH_TOKEN_RETENTION" envDefault:"336h"`
	LockoutRetention      time.Duration `env:"LOGIN_ATTEMPT_RETENTION" envDefault:"720h"`
	CleanupBatchSize      int           `env:"CLEANUP_BATCH_SIZE" envDefault:"500"`
	CronSecret            string        `env:"CRON_SECRET"`

	SentryDSN string `env:"SENTRY_DSN"`

	SeedUserEmail    string `env:"SEED_USER_EMAIL"`
	SeedUserPassword string `env:"SEED_USER_PASSWORD"`

	RunMigrations  bool `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"true"`
	DBMaxOpenConns int  `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns int  `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
}

// Load parses and validates configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the cross-field requirements that tags cannot express.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.RedisURL == "" {
		return fmt.Errorf("one of DATABASE_URL or REDIS_URL is required")
	}
	if (c.ProviderURL == "") != (c.ProviderServiceKey == "") {
		return fmt.Errorf("AUTH_PROVIDER_URL and AUTH_PROVIDER_SERVICE_KEY are required together")
	}
	if !c.Delegated() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in local mode")
	}

	return nil
}

// Delegated reports whether the process forwards auth to an external
// provider. Decided once here, never re-evaluated per request.
func (c Config) Delegated() bool {
	return c.ProviderURL != "" && c.ProviderServiceKey != ""
}
