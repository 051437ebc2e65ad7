// Package config holds the relay and client configuration. Values come
// from built-in defaults, overlaid by an optional YAML file, overlaid by
// command-line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 6500

	DefaultHeartbeatIntervalMS = 5000
	DefaultHeartbeatTimeoutMS  = 15000
	DefaultHeartbeatMaxMisses  = 3
	DefaultReloadGraceMS       = 30000

	DefaultCommandTimeoutMS = 30000
	DefaultCacheTTLSeconds  = 60

	DefaultQueueCapacity = 10
	DefaultMaxConns      = 256

	DefaultRetryInitialMS = 500
	DefaultRetryMaxMS     = 8000
	DefaultRetryBudgetMS  = 30000
)

// Config represents the complete relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Cache     CacheConfig     `yaml:"cache"`
	Client    ClientConfig    `yaml:"client"`
}

// ServerConfig configures the relay listener and dispatch behavior.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	MaxConns      int    `yaml:"max_conns"`
	QueueEnabled  bool   `yaml:"queue_enabled"`
	QueueCapacity int    `yaml:"queue_capacity"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// HeartbeatConfig configures liveness probing of editor instances.
type HeartbeatConfig struct {
	IntervalMS    int `yaml:"interval_ms"`
	TimeoutMS     int `yaml:"timeout_ms"`
	MaxMisses     int `yaml:"max_misses"`
	ReloadGraceMS int `yaml:"reload_grace_ms"`
}

// CacheConfig configures the idempotency cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// ClientConfig configures the CLI-side transport.
type ClientConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	RetryInitialMS int    `yaml:"retry_initial_ms"`
	RetryMaxMS     int    `yaml:"retry_max_ms"`
	RetryBudgetMS  int    `yaml:"retry_budget_ms"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			MaxConns:      DefaultMaxConns,
			QueueEnabled:  false,
			QueueCapacity: DefaultQueueCapacity,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMS:    DefaultHeartbeatIntervalMS,
			TimeoutMS:     DefaultHeartbeatTimeoutMS,
			MaxMisses:     DefaultHeartbeatMaxMisses,
			ReloadGraceMS: DefaultReloadGraceMS,
		},
		Cache: CacheConfig{
			TTLSeconds: DefaultCacheTTLSeconds,
		},
		Client: ClientConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			TimeoutMS:      DefaultCommandTimeoutMS,
			RetryInitialMS: DefaultRetryInitialMS,
			RetryMaxMS:     DefaultRetryMaxMS,
			RetryBudgetMS:  DefaultRetryBudgetMS,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Heartbeat.IntervalMS <= 0 {
		return fmt.Errorf("heartbeat.interval_ms must be positive: %d", c.Heartbeat.IntervalMS)
	}
	if c.Heartbeat.MaxMisses <= 0 {
		return fmt.Errorf("heartbeat.max_misses must be positive: %d", c.Heartbeat.MaxMisses)
	}
	if c.Server.QueueCapacity < 0 {
		return fmt.Errorf("server.queue_capacity must not be negative: %d", c.Server.QueueCapacity)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive: %d", c.Cache.TTLSeconds)
	}
	return nil
}

// HeartbeatInterval returns the probe interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns, as a Duration, how long an instance may go
// without answering probes before it is lost; each probe waits
// TimeoutMS/MaxMisses for its PONG.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutMS) * time.Millisecond
}

// ReloadGrace returns the reload grace period as a Duration.
func (c *Config) ReloadGrace() time.Duration {
	return time.Duration(c.Heartbeat.ReloadGraceMS) * time.Millisecond
}

// CacheTTL returns the idempotency window as a Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
