// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all daemon settings. Values come from the environment with
// the defaults below; a .env file in the working directory is loaded first
// when present.
type Config struct {
	// HTTPAddr is the listen address for the WebSocket and REST server.
	HTTPAddr string `env:"FAREPILOT_HTTP_ADDR" envDefault:":8777"`

	// DataDir holds the SQLite database and, unless overridden, the
	// driver profile.
	DataDir string `env:"FAREPILOT_DATA_DIR" envDefault:".farepilot"`

	// ProfilePath points at the driver profile YAML. Empty means
	// <DataDir>/profile.yaml.
	ProfilePath string `env:"FAREPILOT_PROFILE"`

	// AuthSecret signs and verifies client tokens. Empty disables auth
	// entirely, which is the expected setup for a localhost-only daemon.
	AuthSecret string `env:"FAREPILOT_AUTH_SECRET"`

	LogLevel string `env:"FAREPILOT_LOG_LEVEL" envDefault:"info"`

	// WindowMinutes is the demand rolling window length.
	WindowMinutes int `env:"FAREPILOT_WINDOW_MINUTES" envDefault:"30"`

	// BaselineOffersPerHour anchors the demand score when the session is
	// too young to have its own baseline.
	BaselineOffersPerHour float64 `env:"FAREPILOT_BASELINE_OFFERS_PER_HOUR" envDefault:"12"`

	// MaxClockSkew bounds how far an agent-supplied observation time may
	// sit in the future before it is clamped to daemon time.
	MaxClockSkew time.Duration `env:"FAREPILOT_MAX_CLOCK_SKEW" envDefault:"2m"`

	// FingerprintTTL is how long a parsed offer fingerprint suppresses
	// re-observations of the same offer.
	FingerprintTTL time.Duration `env:"FAREPILOT_FINGERPRINT_TTL" envDefault:"90s"`

	// AcceptWindow is how long after scoring an offer a trip start can
	// still be linked back to it.
	AcceptWindow time.Duration `env:"FAREPILOT_ACCEPT_WINDOW" envDefault:"2m"`

	AdviceInterval time.Duration `env:"FAREPILOT_ADVICE_INTERVAL" envDefault:"60s"`
	AdviceCooldown time.Duration `env:"FAREPILOT_ADVICE_COOLDOWN" envDefault:"5m"`

	// FlushInterval and FlushBatchSize drive the storage write batcher.
	FlushInterval  time.Duration `env:"FAREPILOT_FLUSH_INTERVAL" envDefault:"15s"`
	FlushBatchSize int           `env:"FAREPILOT_FLUSH_BATCH" envDefault:"32"`

	// OfferRetentionDays is how long raw offer rows are kept before the
	// nightly prune removes them. Aggregates are kept forever.
	OfferRetentionDays int `env:"FAREPILOT_OFFER_RETENTION_DAYS" envDefault:"14"`

	// ExportURL enables the optional stats exporter when non-empty.
	ExportURL      string        `env:"FAREPILOT_EXPORT_URL"`
	ExportToken    string        `env:"FAREPILOT_EXPORT_TOKEN"`
	ExportInterval time.Duration `env:"FAREPILOT_EXPORT_INTERVAL" envDefault:"15m"`
}

// Load reads configuration from the environment, after loading .env if one
// exists, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.ProfilePath == "" {
		cfg.ProfilePath = filepath.Join(cfg.DataDir, "profile.yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("window minutes must be positive, got %d", c.WindowMinutes)
	}
	if c.BaselineOffersPerHour <= 0 {
		return fmt.Errorf("baseline offers per hour must be positive, got %g", c.BaselineOffersPerHour)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.FlushBatchSize <= 0 {
		return fmt.Errorf("flush batch size must be positive, got %d", c.FlushBatchSize)
	}
	if c.OfferRetentionDays < 1 {
		return fmt.Errorf("offer retention days must be at least 1, got %d", c.OfferRetentionDays)
	}
	if c.ExportURL != "" && !strings.HasPrefix(c.ExportURL, "https://") && !strings.HasPrefix(c.ExportURL, "http://localhost") && !strings.HasPrefix(c.ExportURL, "http://127.0.0.1") {
		return fmt.Errorf("export url must use https (or localhost for testing): %s", c.ExportURL)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DatabasePath returns the SQLite file path under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "farepilot.db")
}

// Window returns the demand rolling window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// SlogLevel maps LogLevel to a slog level. Load has already validated it.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
