// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Client modes.
const (
	ClientModeBridge = "bridge"
	ClientModeMock   = "mock"
)

type Config struct {
	Port      int    `env:"PORT" default:"8420"`
	StaticDir string `env:"STATIC_DIR"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	SessionKey string `env:"SESSION_KEY" default:"default"`
	DataDir    string `env:"SESSION_DATA_DIR" default:".chatlink_auth"`

	ClientMode    string `env:"CLIENT_MODE" default:"bridge"`
	BridgeCommand string `env:"BRIDGE_COMMAND" default:"node"`
	BridgeArgs    string `env:"BRIDGE_ARGS" default:"bridge/index.js"`
	BrowserPath   string `env:"BROWSER_PATH"`
	Headless      bool   `env:"HEADLESS" default:"true"`

	MockAutoPair time.Duration `env:"MOCK_AUTO_PAIR" default:"0s"`

	BackoffInitial     time.Duration `env:"BACKOFF_INITIAL" default:"2s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX" default:"5m"`
	ExitTimeout        time.Duration `env:"EXIT_TIMEOUT" default:"15s"`
	InitTimeout        time.Duration `env:"INIT_TIMEOUT" default:"2m"`
	RestartMaxAttempts int           `env:"RESTART_MAX_ATTEMPTS" default:"0"`
	RestartOnError     bool          `env:"RESTART_ON_ERROR" default:"false"`

	RedisURL       string        `env:"REDIS_URL"`
	RedisStatusTTL time.Duration `env:"REDIS_STATUS_TTL" default:"1m"`
}

// Load reads envFile (if present) into the process environment and decodes
// the configuration from it. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No env file found, using environment variables", "file", envFile)
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.SessionKey) == "" {
		return errors.New("SESSION_KEY is required")
	}
	if strings.ContainsAny(cfg.SessionKey, `/\`) || cfg.SessionKey == "." || cfg.SessionKey == ".." {
		return fmt.Errorf("SESSION_KEY must be a plain name, got %q", cfg.SessionKey)
	}
	if cfg.DataDir == "" {
		return errors.New("SESSION_DATA_DIR is required")
	}

	switch cfg.ClientMode {
	case ClientModeBridge:
		if cfg.BridgeCommand == "" {
			return errors.New("BRIDGE_COMMAND is required in bridge mode")
		}
	case ClientModeMock:
	default:
		return fmt.Errorf("CLIENT_MODE must be %q or %q, got %q", ClientModeBridge, ClientModeMock, cfg.ClientMode)
	}

	if cfg.BackoffInitial <= 0 {
		return errors.New("BACKOFF_INITIAL must be positive")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return fmt.Errorf("BACKOFF_MAX (%s) must not be below BACKOFF_INITIAL (%s)", cfg.BackoffMax, cfg.BackoffInitial)
	}
	if cfg.ExitTimeout < 0 {
		return errors.New("EXIT_TIMEOUT must not be negative")
	}
	if cfg.InitTimeout < 0 {
		return errors.New("INIT_TIMEOUT must not be negative")
	}
	if cfg.MockAutoPair < 0 {
		return errors.New("MOCK_AUTO_PAIR must not be negative")
	}
	if cfg.RestartMaxAttempts < 0 {
		return errors.New("RESTART_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// BridgeArgList splits BridgeArgs on whitespace.
func (c *Config) BridgeArgList() []string {
	return strings.Fields(c.BridgeArgs)
}
