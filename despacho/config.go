// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"fmt"
	"os"
	"strconv"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Config holds the server configuration. Everything is read from the
// environment; missing required values refuse to boot.
type Config struct {
	// RedisURL is the KV store address (REDIS_URL). Required.
	RedisURL string

	// DatabaseURL is the route/driver repository address
	// (DATABASE_URL). Required.
	DatabaseURL string

	// TelegramToken authenticates the outbound sender (TELEGRAM_TOKEN).
	// Required.
	TelegramToken string

	// SyncPassword is the shared secret for the admin sync handshake
	// (SYNC_PASSWORD). Required.
	SyncPassword string

	// StateTTL is the session idle expiry (STATE_TTL, seconds).
	StateTTL time.Duration

	// QueueTTL is the active-slot service window (QUEUE_TTL, seconds).
	// It doubles as the response-timeout window.
	QueueTTL time.Duration

	// BlocklistWait defers serving a queue that holds only blocklisted
	// drivers (BLOCKLIST_WAIT_SECONDS).
	BlocklistWait time.Duration

	// SweepInterval is how often each group's sweeper fires.
	SweepInterval time.Duration

	// BindAddr is the webhook listen address (BIND_ADDR).
	BindAddr string

	// LogLevel is the hclog level name (LOG_LEVEL).
	LogLevel string
}

// DefaultConfig returns the defaults prior to environment loading.
func DefaultConfig() *Config {
	return &Config{
		StateTTL:      10800 * time.Second,
		QueueTTL:      30 * time.Second,
		BlocklistWait: 120 * time.Second,
		SweepInterval: 5 * time.Second,
		BindAddr:      ":8080",
		LogLevel:      "INFO",
	}
}

// LoadConfig builds the config from the environment on top of the
// defaults and validates it.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.SyncPassword = os.Getenv("SYNC_PASSWORD")

	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	var mErr *multierror.Error
	for _, d := range []struct {
		env  string
		dest *time.Duration
	}{
		{"STATE_TTL", &cfg.StateTTL},
		{"QUEUE_TTL", &cfg.QueueTTL},
		{"BLOCKLIST_WAIT_SECONDS", &cfg.BlocklistWait},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			mErr = multierror.Append(mErr, fmt.Errorf("%s must be a positive number of seconds, got %q", d.env, v))
			continue
		}
		*d.dest = time.Duration(secs) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return cfg, mErr.ErrorOrNil()
}

// Validate checks the required settings.
func (c *Config) Validate() error {
	var mErr *multierror.Error
	if c.RedisURL == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("REDIS_URL is required"))
	}
	if c.DatabaseURL == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.TelegramToken == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("TELEGRAM_TOKEN is required"))
	}
	if c.SyncPassword == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("SYNC_PASSWORD is required"))
	}
	return mErr.ErrorOrNil()
}
