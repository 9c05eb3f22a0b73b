package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the relay's runtime settings, sourced from the environment
// with an optional .env file loaded first for local development.
type Config struct {
	// Port is the public HTTP and WebSocket listen port.
	Port int `env:"PORT" envDefault:"3001"`

	// TotalsDSN is the SQLite path for the durable usage counters. Empty
	// disables totals: increments become no-ops and /metrics reports 503.
	TotalsDSN string `env:"TOTALS_DSN"`

	// MetricsAddr is the listen address for the internal Prometheus
	// endpoint. Empty disables it. This must never be exposed publicly.
	MetricsAddr string `env:"METRICS_ADDR"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (best effort) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would misconfigure the relay.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// Addr returns the public listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SlogLevel maps LogLevel onto slog's level type.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
