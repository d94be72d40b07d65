// Package config loads the core's YAML configuration with environment
// fallbacks and zero-value defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/history"
)

// Config is the application configuration.
type Config struct {
	// HTTPPort serves health and metrics endpoints.
	HTTPPort int `yaml:"http_port"`

	Bus       BusConfig       `yaml:"bus"`
	Breaker   breaker.Config  `yaml:"breaker"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	History   HistoryConfig   `yaml:"history"`

	// Routing maps task types to agent types, merged over the built-in
	// table.
	Routing map[string]string `yaml:"routing"`

	// StatusSweep is the cron spec for the periodic status broadcast.
	StatusSweep string `yaml:"status_sweep"`

	// Agents are the definitions started at boot.
	Agents []agent.Def `yaml:"agents"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	// AuditLogSize bounds the in-memory delivery audit ring.
	AuditLogSize int `yaml:"audit_log_size"`
}

// LifecycleConfig holds supervision defaults applied to every agent.
type LifecycleConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxRetries          int           `yaml:"max_retries"`
}

// HistoryConfig selects the task archive backend.
type HistoryConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	Redis history.RedisConfig `yaml:"redis"`
}

// LoadConfig loads configuration from a YAML file. A missing path yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.Bus.AuditLogSize == 0 {
		c.Bus.AuditLogSize = 1000
	}
	if c.StatusSweep == "" {
		c.StatusSweep = "@every 30s"
	}
	if c.History.Backend == "" {
		c.History.Backend = "memory"
	}
	if c.History.Redis.Addr == "" {
		c.History.Redis.Addr = "localhost:6379"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WEBHUB_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := os.Getenv("WEBHUB_HISTORY_BACKEND"); v != "" {
		c.History.Backend = v
	}
	if v := os.Getenv("WEBHUB_REDIS_ADDR"); v != "" {
		c.History.Redis.Addr = v
	}
	if v := os.Getenv("WEBHUB_REDIS_PASSWORD"); v != "" {
		c.History.Redis.Password = v
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	switch c.History.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, def := range c.Agents {
		if def.Name == "" || def.Type == "" {
			return fmt.Errorf("agent definitions need name and type")
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate agent name %q", def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}
