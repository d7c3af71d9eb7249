// Package config defines process configuration and its loading.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config contains process configuration.
type Config struct {
	// Addr configures the HTTP listen address, e.g. "127.0.0.1:8080".
	Addr string `koanf:"addr"`

	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `koanf:"database_url"`

	// SpotifyID and SpotifySecret are the Spotify app credentials.
	SpotifyID     string `koanf:"spotify_id"`
	SpotifySecret string `koanf:"spotify_secret"`

	// RedirectURL must match the Spotify app configuration.
	RedirectURL string `koanf:"redirect_url"`

	// PollInterval is the time between scheduled poll sweeps.
	PollInterval time.Duration `koanf:"poll_interval"`

	// PollLimit is the number of feed items requested per poll (1-50).
	PollLimit int `koanf:"poll_limit"`

	// PollConcurrency bounds how many users are polled at once.
	PollConcurrency int `koanf:"poll_concurrency"`

	// WrappedTopN is the number of tracks in a wrapped playlist.
	WrappedTopN int `koanf:"wrapped_top_n"`

	// WrappedResetLedger clears a user's listen data after building their
	// wrapped playlist, starting the next month from zero.
	WrappedResetLedger bool `koanf:"wrapped_reset_ledger"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		Addr:            "127.0.0.1:8080",
		LogLevel:        "info",
		RedirectURL:     "http://127.0.0.1:8080/callback",
		PollInterval:    30 * time.Minute,
		PollLimit:       50,
		PollConcurrency: 4,
		WrappedTopN:     30,
	}
}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if WRAPPED_CONFIG is set
//  3. env (prefix WRAPPED_)
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("WRAPPED_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Environment variables: WRAPPED_ADDR, WRAPPED_DATABASE_URL, ...
	// Underscores are preserved to match the koanf tags on the struct.
	envProvider := env.Provider("WRAPPED_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "wrapped_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	return &cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url must not be empty")
	}
	if c.SpotifyID == "" || c.SpotifySecret == "" {
		return errors.New("spotify_id and spotify_secret must not be empty")
	}
	if c.PollLimit < 1 || c.PollLimit > 50 {
		return errors.New("poll_limit must be between 1 and 50")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.PollConcurrency < 1 {
		return errors.New("poll_concurrency must be at least 1")
	}
	if c.WrappedTopN < 1 {
		return errors.New("wrapped_top_n must be at least 1")
	}
	return nil
}
