// Package config handles tollgate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tollgate/config.yaml, /etc/tollgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tollgate", "config.yaml"))
	}

	paths = append(paths, "/etc/tollgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tollgate configuration.
type Config struct {
	Sessions     SessionsConfig     `yaml:"sessions"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Client       ClientConfig       `yaml:"client"`
	Records      RecordsConfig      `yaml:"records"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Chat         ChatConfig         `yaml:"chat"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // "text" (default) or "json"
}

// SessionsConfig defines admission limits and session reclamation.
type SessionsConfig struct {
	GlobalMax     int           `yaml:"global_max"`     // Default: 10
	PerOwnerMax   int           `yaml:"per_owner_max"`  // Default: 3
	IdleTimeout   time.Duration `yaml:"idle_timeout"`   // Default: 5m
	MaxDuration   time.Duration `yaml:"max_duration"`   // Default: 10m
	SweepInterval time.Duration `yaml:"sweep_interval"` // Default: 1m
}

// RateLimitConfig defines the token buckets guarding the downstream
// completion API. Rates are tokens per second and may be fractional.
type RateLimitConfig struct {
	Rate        float64 `yaml:"rate"`         // Per-identity refill rate. Default: 5
	Burst       float64 `yaml:"burst"`        // Per-identity capacity. Default: 10
	GlobalRate  float64 `yaml:"global_rate"`  // Default: 2 × Rate
	GlobalBurst float64 `yaml:"global_burst"` // Default: 2 × Burst
	// IdleRetention is how long an untouched identity bucket is kept
	// before the janitor evicts it (default 1h).
	IdleRetention   time.Duration `yaml:"idle_retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"` // Default: 10m
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`  // Default: 30s
}

// ClientConfig controls how calls into the shared messaging client are
// serialized.
type ClientConfig struct {
	// LockMode is "global" (one call at a time) or "resource" (one call
	// at a time per room). Default: global.
	LockMode string `yaml:"lock_mode"`
}

// RecordsConfig defines where per-owner and per-scope records live.
type RecordsConfig struct {
	Dir string `yaml:"dir"` // Default: <data_dir>/records
}

// CapabilitiesConfig defines the capability manifest directory.
type CapabilitiesConfig struct {
	Dir string `yaml:"dir"` // Default: <data_dir>/capabilities
}

// LedgerConfig defines the session outcome ledger.
type LedgerConfig struct {
	Path string `yaml:"path"` // Default: <data_dir>/ledger.db
}

// ChatConfig defines the messaging transport connection.
type ChatConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	// DisplayName is set on connect when non-empty.
	DisplayName string `yaml:"display_name"`
	// Admins may run !reload. Empty allows everyone.
	Admins      []string      `yaml:"admins"`
	SyncTimeout time.Duration `yaml:"sync_timeout"` // Default: 2s
}

// Configured reports whether a chat endpoint is configured.
func (c ChatConfig) Configured() bool {
	return c.URL != ""
}

// MQTTConfig defines the optional MQTT telemetry publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`      // Default: tollgate
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // Default: homeassistant
	PublishIntervalSec int    `yaml:"publish_interval"` // Default: 60
}

// Configured reports whether an MQTT broker is configured.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields. Defaults mirror the limits
// the service has always shipped with: ten concurrent sessions, three
// per owner, five requests per second with bursts of ten.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	s := &c.Sessions
	if s.GlobalMax == 0 {
		s.GlobalMax = 10
	}
	if s.PerOwnerMax == 0 {
		s.PerOwnerMax = 3
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 5 * time.Minute
	}
	if s.MaxDuration == 0 {
		s.MaxDuration = 10 * time.Minute
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = time.Minute
	}

	r := &c.RateLimit
	if r.Rate == 0 {
		r.Rate = 5
	}
	if r.Burst == 0 {
		r.Burst = 10
	}
	if r.GlobalRate == 0 {
		r.GlobalRate = 2 * r.Rate
	}
	if r.GlobalBurst == 0 {
		r.GlobalBurst = 2 * r.Burst
	}
	if r.IdleRetention == 0 {
		r.IdleRetention = time.Hour
	}
	if r.JanitorInterval == 0 {
		r.JanitorInterval = 10 * time.Minute
	}
	if r.AcquireTimeout == 0 {
		r.AcquireTimeout = 30 * time.Second
	}

	if c.Client.LockMode == "" {
		c.Client.LockMode = "global"
	}
	if c.Records.Dir == "" {
		c.Records.Dir = filepath.Join(c.DataDir, "records")
	}
	if c.Capabilities.Dir == "" {
		c.Capabilities.Dir = filepath.Join(c.DataDir, "capabilities")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "ledger.db")
	}

	if c.Chat.SyncTimeout == 0 {
		c.Chat.SyncTimeout = 2 * time.Second
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "tollgate"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Sessions.GlobalMax < 1 {
		return fmt.Errorf("sessions.global_max must be at least 1, got %d", c.Sessions.GlobalMax)
	}
	if c.Sessions.PerOwnerMax < 1 {
		return fmt.Errorf("sessions.per_owner_max must be at least 1, got %d", c.Sessions.PerOwnerMax)
	}
	if c.Sessions.PerOwnerMax > c.Sessions.GlobalMax {
		return fmt.Errorf("sessions.per_owner_max (%d) exceeds sessions.global_max (%d)",
			c.Sessions.PerOwnerMax, c.Sessions.GlobalMax)
	}
	if c.Sessions.SweepInterval < 0 || c.Sessions.IdleTimeout < 0 || c.Sessions.MaxDuration < 0 {
		return fmt.Errorf("sessions durations must not be negative")
	}

	r := c.RateLimit
	if r.Rate < 0 || r.GlobalRate < 0 {
		return fmt.Errorf("rate_limit rates must not be negative")
	}
	if r.Burst < 1 || r.GlobalBurst < 1 {
		return fmt.Errorf("rate_limit bursts must be at least 1 (burst=%g, global_burst=%g)", r.Burst, r.GlobalBurst)
	}

	switch c.Client.LockMode {
	case "global", "resource":
	default:
		return fmt.Errorf("client.lock_mode %q is not valid (expected global or resource)", c.Client.LockMode)
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q is not valid (expected text or json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec < 1 {
		return fmt.Errorf("mqtt.publish_interval must be positive, got %d", c.MQTT.PublishIntervalSec)
	}
	return nil
}
