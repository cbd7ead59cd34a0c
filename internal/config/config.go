// Package config loads the server configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Environment variables recognized as overrides.
const (
	EnvListenAddr = "MCP_LISTEN_ADDR"
	EnvLogLevel   = "MCP_LOG_LEVEL"
)

// Config contains the runtime configuration for the server.
type Config struct {
	// ListenAddr is the address the HTTP listener binds, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// ServerName and ServerVersion are surfaced in logs and /health only.
	ServerName    string `yaml:"server_name"`
	ServerVersion string `yaml:"server_version"`

	// PushBufferSize is the per-session buffer for server push messages.
	PushBufferSize int `yaml:"push_buffer_size"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console-friendly output
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, applies defaults for unset fields and
// then environment overrides. An empty path yields Default() plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "streamable-mcp-server"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "0.1.0"
	}
	if cfg.PushBufferSize == 0 {
		cfg.PushBufferSize = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv(EnvListenAddr); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
}
