// Package config handles roomd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid depending on the
// real filesystem outside a temp dir.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An
// explicit path (from -config flag) is checked first by FindConfig.
// Then: ./config.yaml, ~/.config/roomd/config.yaml, /config/config.yaml,
// /etc/roomd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "roomd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/roomd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists. Returns the path found, or an error if nothing
// was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all roomd configuration.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Tunables TunablesConfig `yaml:"tunables"`
	LogLevel string         `yaml:"log_level"`
}

// MQTTConfig defines the broker connection and topic conventions.
type MQTTConfig struct {
	BrokerURL       string `yaml:"broker_url"` // e.g. tcp://localhost:1883
	ClientID        string `yaml:"client_id"`  // suffixed with a uuid instance id if empty
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default "homeassistant"; not read: occupancy topics always start with "homeassistant/"
	ScanTopic       string `yaml:"scan_topic"`       // default "room_presence/#"
}

// DatabaseConfig defines storage settings.
type DatabaseConfig struct {
	// URI is a sqlite path, e.g. "data.sqlite3" or ":memory:". The
	// "sqlite://" scheme prefix is accepted and stripped.
	URI string `yaml:"uri"`
}

// TunablesConfig defines the pipeline's time constants and Kalman
// filter parameters, tunable per deployment.
type TunablesConfig struct {
	HeartbeatPeriodSeconds   float64 `yaml:"heartbeat_period_seconds"`
	TurnOffSeconds           float64 `yaml:"turn_off_seconds"`
	LongDelaySeconds         float64 `yaml:"long_delay_seconds"`
	DeviceChangeStateSeconds float64 `yaml:"device_change_state_seconds"`
	DeviceChangeStateBeats   int     `yaml:"device_change_state_beats"`
	KalmanR                  float64 `yaml:"kalman_r"`
	KalmanQ                  float64 `yaml:"kalman_q"`

	// SilentPenaltyEnabled turns on the third penalty-chain step: for
	// a scanner with no signal this tick that missed both the
	// turn-off and long-delay thresholds, subtract SilentPenaltyAmount
	// from its current value (floored at -100). Off by default.
	SilentPenaltyEnabled bool    `yaml:"silent_penalty_enabled"`
	SilentPenaltyAmount  float64 `yaml:"silent_penalty_amount"`
}

// Configured reports whether a broker URL has been set.
func (c MQTTConfig) Configured() bool {
	return c.BrokerURL != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). A
	// convenience for container deployments; putting values directly
	// in the config file remains the primary path.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any
// field without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.ScanTopic == "" {
		c.MQTT.ScanTopic = "room_presence/#"
	}
	if c.Database.URI == "" {
		c.Database.URI = "sqlite://data.sqlite3"
	}

	if c.Tunables.HeartbeatPeriodSeconds == 0 {
		c.Tunables.HeartbeatPeriodSeconds = 0.5
	}
	if c.Tunables.TurnOffSeconds == 0 {
		c.Tunables.TurnOffSeconds = 60
	}
	if c.Tunables.LongDelaySeconds == 0 {
		c.Tunables.LongDelaySeconds = 30
	}
	if c.Tunables.DeviceChangeStateSeconds == 0 {
		c.Tunables.DeviceChangeStateSeconds = 10
	}
	if c.Tunables.DeviceChangeStateBeats == 0 {
		c.Tunables.DeviceChangeStateBeats = 3
	}
	if c.Tunables.KalmanR == 0 {
		c.Tunables.KalmanR = 0.08
	}
	if c.Tunables.KalmanQ == 0 {
		c.Tunables.KalmanQ = 15
	}
	if c.Tunables.SilentPenaltyEnabled && c.Tunables.SilentPenaltyAmount == 0 {
		c.Tunables.SilentPenaltyAmount = 2
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are
// populated. Returns an error describing the first problem found, or
// nil.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Tunables.TurnOffSeconds <= c.Tunables.LongDelaySeconds {
		return fmt.Errorf("tunables.turn_off_seconds (%v) must be greater than tunables.long_delay_seconds (%v)",
			c.Tunables.TurnOffSeconds, c.Tunables.LongDelaySeconds)
	}
	if c.Tunables.DeviceChangeStateBeats < 1 {
		return fmt.Errorf("tunables.device_change_state_beats %d must be >= 1", c.Tunables.DeviceChangeStateBeats)
	}
	if c.Tunables.KalmanR <= 0 || c.Tunables.KalmanQ <= 0 {
		return fmt.Errorf("tunables.kalman_r and tunables.kalman_q must be positive")
	}
	if c.Tunables.SilentPenaltyEnabled && c.Tunables.SilentPenaltyAmount <= 0 {
		return fmt.Errorf("tunables.silent_penalty_amount must be positive when silent_penalty_enabled is true")
	}
	return nil
}

// DatabasePath strips the "sqlite://" scheme prefix, if present, and
// returns a path suitable for sql.Open.
func (c DatabaseConfig) DatabasePath() string {
	const scheme = "sqlite://"
	if len(c.URI) > len(scheme) && c.URI[:len(scheme)] == scheme {
		return c.URI[len(scheme):]
	}
	return c.URI
}

// Default returns a default configuration suitable for local
// development against a broker on localhost. All defaults are
// already applied.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{
			BrokerURL: "tcp://localhost:1883",
		},
	}
	cfg.applyDefaults()
	return cfg
}
