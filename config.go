package courier

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for a Courier engine.
//
// Every field can be overridden from the environment with the COURIER_
// prefix (see LoadConfig); unset variables keep the DefaultConfig values.
type Config struct {
	// Concurrency is the number of worker goroutines consuming the broker.
	Concurrency int `env:"CONCURRENCY"`

	// DequeueWait is how long a worker blocks waiting for a broker message
	// before polling again.
	DequeueWait time.Duration `env:"DEQUEUE_WAIT"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`

	// PromotionSchedule is the cron expression driving promotion passes.
	// Descriptors such as "@every 1m" are accepted.
	PromotionSchedule string `env:"PROMOTION_SCHEDULE"`

	// PromotionGrace delays the first promotion pass after startup so that
	// dependent systems can finish initializing.
	PromotionGrace time.Duration `env:"PROMOTION_GRACE"`

	// PromotionBatchSize caps the number of records handled per pass.
	PromotionBatchSize int `env:"PROMOTION_BATCH_SIZE"`

	// StaleAfter is how long a record may stay promoted without a reported
	// outcome before a promotion pass re-arms it. Zero disables reaping.
	StaleAfter time.Duration `env:"STALE_AFTER"`

	// NearTermHorizon is how far ahead of now a submission may be handed
	// straight to the broker instead of waiting for the promoter.
	NearTermHorizon time.Duration `env:"NEAR_TERM_HORIZON"`

	// DefaultMaxAttempts applies when a submission does not set one.
	DefaultMaxAttempts int `env:"DEFAULT_MAX_ATTEMPTS"`

	// DefaultPromotionWindowMinutes applies when a submission does not set one.
	DefaultPromotionWindowMinutes int `env:"DEFAULT_PROMOTION_WINDOW_MINUTES"`

	// CompletedRetention is how long completed records are kept.
	CompletedRetention time.Duration `env:"COMPLETED_RETENTION"`

	// FailedRetention is how long failed records are kept.
	FailedRetention time.Duration `env:"FAILED_RETENTION"`

	// Store selects the record store backend: memory, mongo, postgres or
	// sqlite. Only consulted by the CLI.
	Store       string `env:"STORE"`
	MongoURI    string `env:"MONGO_URI"`
	MongoDB     string `env:"MONGO_DATABASE"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	SQLitePath  string `env:"SQLITE_PATH"`

	// RedisAddr is the broker address. Empty disables the broker, which
	// leaves every submission to the promoter.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:                   10,
		DequeueWait:                   1 * time.Second,
		ShutdownTimeout:               30 * time.Second,
		PromotionSchedule:             "@every 1m",
		PromotionGrace:                5 * time.Second,
		PromotionBatchSize:            100,
		StaleAfter:                    1 * time.Hour,
		NearTermHorizon:               1 * time.Hour,
		DefaultMaxAttempts:            3,
		DefaultPromotionWindowMinutes: 60,
		CompletedRetention:            7 * 24 * time.Hour,
		FailedRetention:               30 * 24 * time.Hour,
		Store:                         "memory",
		MongoDB:                       "courier",
		SQLitePath:                    "courier.db",
	}
}

// LoadConfig returns DefaultConfig overlaid with COURIER_* environment
// variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "COURIER_"}); err != nil {
		return Config{}, fmt.Errorf("courier: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("courier: concurrency must be at least 1, got %d", c.Concurrency)
	case c.PromotionBatchSize < 1:
		return fmt.Errorf("courier: promotion batch size must be at least 1, got %d", c.PromotionBatchSize)
	case c.DefaultMaxAttempts < 1:
		return ErrInvalidMaxAttempts
	case c.DefaultPromotionWindowMinutes < 0:
		return ErrInvalidWindow
	case c.NearTermHorizon < 0:
		return fmt.Errorf("courier: near-term horizon must not be negative")
	case c.StaleAfter < 0:
		return fmt.Errorf("courier: stale-after must not be negative")
	}
	return nil
}
