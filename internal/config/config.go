// Package config loads and validates bonproxy-server's runtime
// configuration from environment variables, with an optional .env file for
// local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener
	Addr string `env:"BONPROXY_ADDR" envDefault:":1192"`

	// Admin HTTP server (Prometheus /metrics, /healthz)
	AdminAddr string `env:"BONPROXY_ADMIN_ADDR" envDefault:":9192"`

	// Tuner pool
	MaxTuners           int `env:"BONPROXY_MAX_TUNERS" envDefault:"16"`
	PoolSweepInterval    time.Duration `env:"BONPROXY_POOL_SWEEP_INTERVAL" envDefault:"30s"`

	// Per-session ring buffer
	RingBufferCapacity int `env:"BONPROXY_RING_CAPACITY" envDefault:"19251200"` // 188*1024*100

	// Wire protocol
	ProtocolVersion  int           `env:"BONPROXY_PROTOCOL_VERSION" envDefault:"1"`
	WaitStreamDefault time.Duration `env:"BONPROXY_WAIT_STREAM_DEFAULT" envDefault:"5s"`

	// Auth
	AuthRequired bool   `env:"BONPROXY_AUTH_REQUIRED" envDefault:"false"`
	JWTSecret    string `env:"BONPROXY_JWT_SECRET" envDefault:""`

	// Events (optional NATS publisher)
	NatsURL     string `env:"BONPROXY_NATS_URL" envDefault:""`
	EventsTopic string `env:"BONPROXY_EVENTS_TOPIC" envDefault:"bonproxy.events"`

	// Resource admission
	CPURejectThreshold float64 `env:"BONPROXY_CPU_REJECT_THRESHOLD" envDefault:"90.0"`

	// Logging
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"LOG_FORMAT" envDefault:"json"`
	LogDir       string        `env:"BONPROXY_LOG_DIR" envDefault:""`
	LogRetention time.Duration `env:"BONPROXY_LOG_RETENTION" envDefault:"168h"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, then validates the result. Priority: ENV vars > .env file >
// defaults. The logger parameter is optional; pass nil to suppress the
// "no .env file" informational line during early bootstrap before a logger
// exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally-inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BONPROXY_ADDR is required")
	}
	if c.MaxTuners < 1 {
		return fmt.Errorf("BONPROXY_MAX_TUNERS must be > 0, got %d", c.MaxTuners)
	}
	if c.RingBufferCapacity < 2 {
		return fmt.Errorf("BONPROXY_RING_CAPACITY must be >= 2, got %d", c.RingBufferCapacity)
	}
	if c.ProtocolVersion < 1 {
		return fmt.Errorf("BONPROXY_PROTOCOL_VERSION must be >= 1, got %d", c.ProtocolVersion)
	}
	if c.WaitStreamDefault <= 0 {
		return fmt.Errorf("BONPROXY_WAIT_STREAM_DEFAULT must be positive, got %s", c.WaitStreamDefault)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BONPROXY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.AuthRequired && c.JWTSecret == "" {
		return fmt.Errorf("BONPROXY_JWT_SECRET is required when BONPROXY_AUTH_REQUIRED=true")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a single structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_tuners", c.MaxTuners).
		Dur("pool_sweep_interval", c.PoolSweepInterval).
		Int("ring_buffer_capacity", c.RingBufferCapacity).
		Int("protocol_version", c.ProtocolVersion).
		Dur("wait_stream_default", c.WaitStreamDefault).
		Bool("auth_required", c.AuthRequired).
		Bool("events_enabled", c.NatsURL != "").
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
