// Package config loads runtime settings from the environment.
package config

import (
	"coachsync/internal/models"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

const (
	DefaultDatabase        = "coachsync.db"
	DefaultWindowDays      = 30
	DefaultSyncConcurrency = 4
	DefaultProviderTimeout = 15 * time.Second
)

// Config holds everything the CLI needs to wire the engine.
type Config struct {
	Database        string
	LogLevel        string
	Location        *time.Location
	WindowDays      int
	SyncConcurrency int
	ProviderTimeout time.Duration

	GoogleEndpoint  string
	OutlookEndpoint string
	CalDAVEndpoint  string
}

// Load reads the environment, after loading a .env file if one exists.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and reports every invalid value at once.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Database:        get("COACHSYNC_DATABASE", DefaultDatabase),
		LogLevel:        strings.ToLower(get("LOG_LEVEL", "info")),
		GoogleEndpoint:  get("GOOGLE_API_ENDPOINT", ""),
		OutlookEndpoint: get("OUTLOOK_API_ENDPOINT", ""),
		CalDAVEndpoint:  get("CALDAV_ENDPOINT", ""),
	}

	var errs error
	tz := get("PRIMARY_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid timezone '%s': %w", tz, err))
	}
	cfg.Location = loc

	positive := func(key string, def int) int {
		raw := get(key, strconv.Itoa(def))
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be a positive integer, got %q", key, raw))
			return def
		}
		return n
	}
	cfg.WindowDays = positive("SYNC_WINDOW_DAYS", DefaultWindowDays)
	cfg.SyncConcurrency = positive("SYNC_CONCURRENCY", DefaultSyncConcurrency)

	rawTimeout := get("PROVIDER_TIMEOUT", DefaultProviderTimeout.String())
	timeout, err := time.ParseDuration(rawTimeout)
	if err != nil || timeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("PROVIDER_TIMEOUT must be a positive duration, got %q", rawTimeout))
		timeout = DefaultProviderTimeout
	}
	cfg.ProviderTimeout = timeout

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown LOG_LEVEL %q", cfg.LogLevel))
	}

	if errs != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConfigurationInvalid, errs)
	}
	return cfg, nil
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *slog.Logger {
	return NewLogger(c.LogLevel)
}

// NewLogger returns a text logger on stderr at the given level.
func NewLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
