// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the cover engine server configuration.
type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	NATSURL string `env:"NATS_URL"`

	// CustodySecret keys vault authorities. Empty means a random key per
	// process.
	CustodySecret string `env:"CUSTODY_SECRET"`

	ClaimRule string `env:"CLAIM_RULE" envDefault:"threshold_max"`

	// ExpirySweepSchedule is a cron schedule with seconds. Empty disables the
	// sweeper.
	ExpirySweepSchedule string `env:"EXPIRY_SWEEP_SCHEDULE"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// FaucetEnabled exposes POST /api/v1/faucet for development ledgers.
	FaucetEnabled bool `env:"FAUCET_ENABLED" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port == "" {
		return errors.New("config: PORT must not be empty")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("config: DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}
