// Package config defines the commbus daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level commbus configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Bus      BusConfig      `json:"bus" yaml:"bus"`
	Presence PresenceConfig `json:"presence" yaml:"presence"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP/WebSocket server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9070"
}

// AuthConfig controls API and agent-session authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	AgentKey  string `json:"agent_key" yaml:"agent_key"`   // shared key agents present on /ws
}

// BusConfig tunes submission behavior. The retry count and backoff have
// no single correct production value; they are deliberately exposed here.
type BusConfig struct {
	// OfflinePolicy is "queue" (default: hold envelopes for offline
	// agents) or "fail" (reject with an offline error).
	OfflinePolicy string `json:"offline_policy" yaml:"offline_policy"`
	// PersistRetries is the total number of store write attempts per
	// submission before it fails.
	PersistRetries int `json:"persist_retries" yaml:"persist_retries"`
	// PersistBackoffMS is the base backoff between attempts; it doubles
	// after each failure.
	PersistBackoffMS int `json:"persist_backoff_ms" yaml:"persist_backoff_ms"`
}

// PresenceConfig tunes the presence sweeper. The inactivity timeout is a
// deployment decision; the defaults suit a local multi-agent setup.
type PresenceConfig struct {
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	OfflineAfterSeconds  int `json:"offline_after_seconds" yaml:"offline_after_seconds"`
}

// RedisConfig controls the optional presence/stats mirror. An empty URL
// disables it.
type RedisConfig struct {
	URL      string `json:"url" yaml:"url"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// PersistBackoff returns the configured backoff as a duration.
func (b BusConfig) PersistBackoff() time.Duration {
	return time.Duration(b.PersistBackoffMS) * time.Millisecond
}

// SweepInterval returns the sweeper cadence as a duration.
func (p PresenceConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// OfflineAfter returns the inactivity timeout as a duration.
func (p PresenceConfig) OfflineAfter() time.Duration {
	return time.Duration(p.OfflineAfterSeconds) * time.Second
}

// DefaultConfig returns a config with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9070",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Bus: BusConfig{
			OfflinePolicy:    "queue",
			PersistRetries:   3,
			PersistBackoffMS: 50,
		},
		Presence: PresenceConfig{
			SweepIntervalSeconds: 5,
			OfflineAfterSeconds:  90,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration
// layered over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Bus.OfflinePolicy {
	case "queue", "fail":
	default:
		return fmt.Errorf("bus.offline_policy must be queue or fail, got %q", c.Bus.OfflinePolicy)
	}
	if c.Bus.PersistRetries < 1 {
		return fmt.Errorf("bus.persist_retries must be at least 1")
	}
	if c.Presence.SweepIntervalSeconds < 1 {
		return fmt.Errorf("presence.sweep_interval_seconds must be at least 1")
	}
	if c.Presence.OfflineAfterSeconds < 1 {
		return fmt.Errorf("presence.offline_after_seconds must be at least 1")
	}
	return nil
}
