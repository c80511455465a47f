package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker_url: tcp://broker:1883\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker_url: tcp://broker:1883\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker_url: tcp://broker:1883\n  password: ${ROOMD_TEST_PASSWORD}\n"), 0600)
	os.Setenv("ROOMD_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("ROOMD_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker_url: tcp://broker:1883\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("discovery_prefix = %q, want homeassistant", cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.MQTT.ScanTopic != "room_presence/#" {
		t.Errorf("scan_topic = %q, want room_presence/#", cfg.MQTT.ScanTopic)
	}
	if cfg.Database.URI != "sqlite://data.sqlite3" {
		t.Errorf("database.uri = %q, want sqlite://data.sqlite3", cfg.Database.URI)
	}
	if cfg.Tunables.HeartbeatPeriodSeconds != 0.5 {
		t.Errorf("heartbeat_period_seconds = %v, want 0.5", cfg.Tunables.HeartbeatPeriodSeconds)
	}
	if cfg.Tunables.TurnOffSeconds != 60 {
		t.Errorf("turn_off_seconds = %v, want 60", cfg.Tunables.TurnOffSeconds)
	}
	if cfg.Tunables.LongDelaySeconds != 30 {
		t.Errorf("long_delay_seconds = %v, want 30", cfg.Tunables.LongDelaySeconds)
	}
	if cfg.Tunables.DeviceChangeStateSeconds != 10 {
		t.Errorf("device_change_state_seconds = %v, want 10", cfg.Tunables.DeviceChangeStateSeconds)
	}
	if cfg.Tunables.DeviceChangeStateBeats != 3 {
		t.Errorf("device_change_state_beats = %v, want 3", cfg.Tunables.DeviceChangeStateBeats)
	}
	if cfg.Tunables.KalmanR != 0.08 {
		t.Errorf("kalman_r = %v, want 0.08", cfg.Tunables.KalmanR)
	}
	if cfg.Tunables.KalmanQ != 15 {
		t.Errorf("kalman_q = %v, want 15", cfg.Tunables.KalmanQ)
	}
	if cfg.Tunables.SilentPenaltyEnabled {
		t.Error("silent_penalty_enabled should default to false")
	}
}

func TestLoad_AppliesSilentPenaltyDefaultAmount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker_url: tcp://broker:1883\ntunables:\n  silent_penalty_enabled: true\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.Tunables.SilentPenaltyEnabled {
		t.Fatal("expected silent_penalty_enabled to be true")
	}
	if cfg.Tunables.SilentPenaltyAmount != 2 {
		t.Errorf("silent_penalty_amount = %v, want default 2", cfg.Tunables.SilentPenaltyAmount)
	}
}

func TestValidate_RejectsSilentPenaltyEnabledWithoutAmount(t *testing.T) {
	cfg := Default()
	cfg.Tunables.SilentPenaltyEnabled = true
	cfg.Tunables.SilentPenaltyAmount = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when silent_penalty_enabled is true with a non-positive amount")
	}
}

func TestValidate_RejectsTurnOffBelowLongDelay(t *testing.T) {
	cfg := Default()
	cfg.Tunables.TurnOffSeconds = 20
	cfg.Tunables.LongDelaySeconds = 30

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when turn_off_seconds <= long_delay_seconds")
	}
}

func TestValidate_RejectsNonPositiveKalmanParams(t *testing.T) {
	cfg := Default()
	cfg.Tunables.KalmanR = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive kalman_r")
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "very-loud"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_DefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly, got: %v", err)
	}
}

func TestDatabaseConfig_DatabasePathStripsScheme(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"sqlite://data.sqlite3", "data.sqlite3"},
		{"data.sqlite3", "data.sqlite3"},
		{":memory:", ":memory:"},
	}
	for _, tt := range tests {
		c := DatabaseConfig{URI: tt.uri}
		if got := c.DatabasePath(); got != tt.want {
			t.Errorf("DatabasePath(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (MQTTConfig{}).Configured() {
		t.Error("zero-value MQTTConfig should not be Configured")
	}
	if !(MQTTConfig{BrokerURL: "tcp://broker:1883"}).Configured() {
		t.Error("MQTTConfig with BrokerURL should be Configured")
	}
}
