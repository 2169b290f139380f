// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/pulse-im/pulse-server/internal/types"
)

// defaultAddr is used when neither PULSE_SERVER_ADDR nor a usable PORT
// is present.
const defaultAddr = "0.0.0.0:9001"

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listen address inputs. ServerAddr wins outright; otherwise PORT is
	// used when it parses as a 16-bit port number; otherwise defaultAddr.
	ServerAddr string `env:"PULSE_SERVER_ADDR"`
	Port       string `env:"PORT"`

	// Authentication. Empty disables the token check entirely; any
	// non-empty value must be echoed in every connect frame.
	AccessToken string `env:"PULSE_ACCESS_TOKEN"`

	// Capacity
	MaxConnections int `env:"PULSE_MAX_CONNECTIONS" envDefault:"10000"`

	// Monitoring
	MetricsInterval time.Duration `env:"PULSE_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"PULSE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PULSE_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// The logger is optional; pass nil before logging is set up.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience: absence is not an error.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("PULSE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("PULSE_METRICS_INTERVAL must be positive, got %s", c.MetricsInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("PULSE_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("PULSE_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ListenAddr resolves the effective listen address.
func (c *Config) ListenAddr() string {
	if c.ServerAddr != "" {
		return c.ServerAddr
	}
	if c.Port != "" {
		if _, err := strconv.ParseUint(c.Port, 10, 16); err == nil {
			return "0.0.0.0:" + c.Port
		}
	}
	return defaultAddr
}

// ServerConfig converts the parsed environment into the relay's runtime
// configuration.
func (c *Config) ServerConfig() types.ServerConfig {
	return types.ServerConfig{
		Addr:            c.ListenAddr(),
		AccessToken:     c.AccessToken,
		MaxConnections:  c.MaxConnections,
		MetricsInterval: c.MetricsInterval,
		LogLevel:        types.LogLevel(c.LogLevel),
		LogFormat:       types.LogFormat(c.LogFormat),
	}
}

// LogConfig logs the effective configuration. The token itself never
// reaches the log.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.ListenAddr()).
		Bool("auth_required", c.AccessToken != "").
		Int("max_connections", c.MaxConnections).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
