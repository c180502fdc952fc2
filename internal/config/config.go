// Package config loads process settings from the environment and the provider catalog from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port          string   `envconfig:"PORT" default:"8080"`
	DatabaseURL   string   `envconfig:"DATABASE_URL"`
	StoreDriver   string   `envconfig:"STORE_DRIVER" default:"postgres"`
	ProvidersFile string   `envconfig:"PROVIDERS_FILE" default:"config/providers.yaml"`
	LogLevel      string   `envconfig:"LOG_LEVEL" default:"info"`
	CORSOrigins   []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`

	// Provider callbacks
	PublicBaseURL     string        `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	WebhookSecret     string        `envconfig:"WEBHOOK_SECRET"`
	WebhookTokenTTL   time.Duration `envconfig:"WEBHOOK_TOKEN_TTL" default:"72h"`
	WebhookRatePerSec float64       `envconfig:"WEBHOOK_RATE_PER_SEC" default:"50"`
	WebhookBurst      int           `envconfig:"WEBHOOK_BURST" default:"100"`

	// bcrypt hash of the admin bearer key; admin routes are disabled when empty.
	AdminKeyHash string `envconfig:"ADMIN_KEY_HASH"`

	ReconcileTimeout  time.Duration `envconfig:"RECONCILE_TIMEOUT" default:"30m"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	DispatchWorkers   int           `envconfig:"DISPATCH_WORKERS" default:"10"`
	DispatchTimeout   time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required with STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ReconcileTimeout <= 0 || c.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_TIMEOUT and RECONCILE_INTERVAL must be positive")
	}
	if c.DispatchWorkers < 1 {
		return errors.New("DISPATCH_WORKERS must be at least 1")
	}
	return nil
}

// SlogLevel parses LOG_LEVEL, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
