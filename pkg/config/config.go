// Package config loads the process-wide herald configuration: environment
// variables layered over an optional YAML file, read once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	LogLevel    string `yaml:"log_level"`
	Database    string `yaml:"database"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	// BearerSecret signs and verifies bearer tokens; empty disables bearer.
	BearerSecret string `yaml:"bearer_secret"`

	// Dispatch tunables.
	RetryLimit      int           `yaml:"retry_limit"`
	BackoffUnit     time.Duration `yaml:"backoff_unit"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	SessionWindow   time.Duration `yaml:"session_window"`
	MaxFixRetries   int           `yaml:"max_fix_retries"`

	// Transport limits.
	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// Telemetry.
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	TelemetryEnabled bool    `yaml:"telemetry_enabled"`
	SampleRate       float64 `yaml:"sample_rate"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		Listen:          ":8070",
		LogLevel:        "INFO",
		Database:        "herald",
		DatabaseURL:     "postgres://herald@localhost:5432/herald?sslmode=disable",
		RetryLimit:      5,
		BackoffUnit:     20 * time.Millisecond,
		DefaultTimeout:  0,
		SessionLifetime: 10 * time.Minute,
		SessionWindow:   5 * time.Minute,
		MaxFixRetries:   1000,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		OTLPEndpoint:    "localhost:4317",
		SampleRate:      1.0,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// HERALD_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("HERALD_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	setString(&c.Listen, "HERALD_LISTEN")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Database, "HERALD_DATABASE")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.BearerSecret, "HERALD_BEARER_SECRET")
	setString(&c.OTLPEndpoint, "OTLP_ENDPOINT")
	setInt(&c.RetryLimit, "HERALD_RETRY_LIMIT")
	setInt(&c.MaxFixRetries, "HERALD_MAX_FIX_RETRIES")
	setInt(&c.RateLimitRPS, "HERALD_RATE_LIMIT_RPS")
	setInt(&c.RateLimitBurst, "HERALD_RATE_LIMIT_BURST")
	setDuration(&c.BackoffUnit, "HERALD_BACKOFF_UNIT")
	setDuration(&c.DefaultTimeout, "HERALD_DEFAULT_TIMEOUT")
	setDuration(&c.SessionLifetime, "HERALD_SESSION_LIFETIME")
	setDuration(&c.SessionWindow, "HERALD_SESSION_WINDOW")
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.TelemetryEnabled = v == "true" || v == "1"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
