// Package config loads the control plane configuration from an optional YAML
// file plus EXECUTOR_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the executor.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Logging  LoggingConfig  `yaml:"logging"`

	// ToolSources are seeded into every bootstrapped workspace at startup.
	ToolSources []SeedSource `yaml:"tool_sources"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// InternalBaseURL is the address sandboxes use to reach the bridge.
	InternalBaseURL string `yaml:"internal_base_url"`

	// PublicBaseURL is the externally reachable base URL, if known.
	PublicBaseURL string `yaml:"public_base_url"`

	// InternalToken authenticates sandbox bridge traffic.
	InternalToken string `yaml:"internal_token"`

	// AutoExecute runs the task scheduler inside the server process.
	AutoExecute bool `yaml:"auto_execute"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type WorkerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SeedSource declares a tool source to register at startup.
type SeedSource struct {
	Name    string         `yaml:"name" json:"name"`
	Type    string         `yaml:"type" json:"type"`
	Config  map[string]any `yaml:"config" json:"config"`
	Enabled *bool          `yaml:"enabled" json:"enabled"`
}

// Load reads the configuration file if a path is given, then applies
// environment overrides and defaults. An empty path yields an env-only config.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv layers EXECUTOR_* environment variables over the file config.
func applyEnv(cfg *Config) error {
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", raw, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("EXECUTOR_INTERNAL_BASE_URL"); v != "" {
		cfg.Server.InternalBaseURL = v
	}
	if v := os.Getenv("EXECUTOR_PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	if v := os.Getenv("EXECUTOR_INTERNAL_TOKEN"); v != "" {
		cfg.Server.InternalToken = v
	}
	if raw := os.Getenv("EXECUTOR_SERVER_AUTO_EXECUTE"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid EXECUTOR_SERVER_AUTO_EXECUTE %q: %w", raw, err)
		}
		cfg.Server.AutoExecute = enabled
	}
	if raw := os.Getenv("EXECUTOR_WORKER_POLL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid EXECUTOR_WORKER_POLL_MS %q", raw)
		}
		cfg.Worker.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("EXECUTOR_WORKER_BATCH_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid EXECUTOR_WORKER_BATCH_SIZE %q", raw)
		}
		cfg.Worker.BatchSize = n
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if raw := os.Getenv("EXECUTOR_TOOL_SOURCES"); raw != "" {
		var seeds []SeedSource
		if err := json.Unmarshal([]byte(raw), &seeds); err != nil {
			return fmt.Errorf("invalid EXECUTOR_TOOL_SOURCES: %w", err)
		}
		cfg.ToolSources = seeds
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.InternalBaseURL == "" {
		cfg.Server.InternalBaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 2 * time.Second
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Addr returns the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
