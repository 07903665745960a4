package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Session   SessionConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8400"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// SandboxConfig holds container sandbox configuration.
type SandboxConfig struct {
	InspectPort      int           `envconfig:"SANDBOX_INSPECT_PORT" default:"9229"`
	StopTimeout      time.Duration `envconfig:"SANDBOX_STOP_TIMEOUT" default:"5s"`
	BuildTimeout     time.Duration `envconfig:"SANDBOX_BUILD_TIMEOUT" default:"5m"`
	DiscoverRetries  int           `envconfig:"SANDBOX_DISCOVER_RETRIES" default:"5"`
	DiscoverInterval time.Duration `envconfig:"SANDBOX_DISCOVER_INTERVAL" default:"1s"`
	StartupDelay     time.Duration `envconfig:"SANDBOX_STARTUP_DELAY" default:"1500ms"`
}

// SessionConfig holds debugging session configuration.
type SessionConfig struct {
	DefaultTimeout       time.Duration `envconfig:"SESSION_TIMEOUT" default:"30s"`
	MaxSessions          int           `envconfig:"SESSION_MAX" default:"32"`
	AllowUnknownCommands bool          `envconfig:"SESSION_ALLOW_UNKNOWN_COMMANDS" default:"false"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8400",
			Host: "0.0.0.0",
		},
		Sandbox: SandboxConfig{
			InspectPort:      9229,
			StopTimeout:      5 * time.Second,
			BuildTimeout:     5 * time.Minute,
			DiscoverRetries:  5,
			DiscoverInterval: time.Second,
			StartupDelay:     1500 * time.Millisecond,
		},
		Session: SessionConfig{
			DefaultTimeout: 30 * time.Second,
			MaxSessions:    32,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}
