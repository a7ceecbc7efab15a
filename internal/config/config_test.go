package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"MCB_CONFIG", "ADDRESS", "PORT", "MCB_PROTOCOL", "MCB_MAX_CONNECTIONS",
	"MCB_READ_TIMEOUT", "MCB_WRITE_TIMEOUT", "MCB_MAX_FRAME_BYTES",
	"MCB_CONTROLLERS", "MCB_TRANSPORT", "MCB_LOOP_PERIOD", "MCB_WATCHDOG_TIMEOUT",
	"MCB_COMMAND_TIMEOUT", "MCB_STATS_INTERVAL", "MCB_SHUTDOWN_GRACE",
	"MCB_OPS_ADDRESS", "MCB_AUDIT_DIR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "localhost:5135", cfg.Network.Addr())
	assert.Equal(t, 5*time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, 100*time.Millisecond, cfg.Loop.WatchdogTimeout)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
network:
  address: 0.0.0.0
  port: 6000
  protocol: json
controllers:
  ids: [1, 2]
loop:
  period: 2ms
  watchdogTimeout: 50ms
  commandTimeout: 10ms
ops:
  address: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6000", cfg.Network.Addr())
	assert.Equal(t, "json", cfg.Network.Protocol)
	assert.Equal(t, []int{1, 2}, cfg.Controllers.IDs)
	assert.Equal(t, 2*time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, 50*time.Millisecond, cfg.Loop.WatchdogTimeout)
	assert.Equal(t, ":9100", cfg.Ops.Address)
	// Unset keys keep their defaults.
	assert.Equal(t, 64, cfg.Network.MaxConnections)
	assert.Equal(t, "sim", cfg.Controllers.Transport)
}

func TestLoadFileFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "network:\n  port: 7000\n")
	t.Setenv("MCB_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Network.Port)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "network: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "network:\n  prot: json\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "network:\n  port: 0\n"))
	assert.ErrorContains(t, err, "configuration validation failed")
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "network:\n  port: 6000\n")
	t.Setenv("ADDRESS", "127.0.0.1")
	t.Setenv("PORT", "6100")
	t.Setenv("MCB_PROTOCOL", "json")
	t.Setenv("MCB_CONTROLLERS", "1, 2,3")
	t.Setenv("MCB_LOOP_PERIOD", "1ms")
	t.Setenv("MCB_READ_TIMEOUT", "30s")
	t.Setenv("MCB_AUDIT_DIR", "/var/log/mcb")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6100", cfg.Network.Addr())
	assert.Equal(t, "json", cfg.Network.Protocol)
	assert.Equal(t, []int{1, 2, 3}, cfg.Controllers.IDs)
	assert.Equal(t, time.Millisecond, cfg.Loop.Period)
	assert.Equal(t, 30*time.Second, cfg.Network.ReadTimeout)
	assert.Equal(t, "/var/log/mcb", cfg.Audit.Dir)
}

func TestEnvOverridesMalformed(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "http"},
		{"MCB_MAX_CONNECTIONS", "many"},
		{"MCB_LOOP_PERIOD", "5"},
		{"MCB_CONTROLLERS", "1,two"},
		{"MCB_CONTROLLERS", " , "},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Network.Port = 0 }},
		{"port too high", func(c *Config) { c.Network.Port = 70000 }},
		{"protocol", func(c *Config) { c.Network.Protocol = "xml" }},
		{"max connections", func(c *Config) { c.Network.MaxConnections = 0 }},
		{"read timeout", func(c *Config) { c.Network.ReadTimeout = 0 }},
		{"write timeout", func(c *Config) { c.Network.WriteTimeout = -time.Second }},
		{"frame size", func(c *Config) { c.Network.MaxFrameBytes = 10 }},
		{"no controllers", func(c *Config) { c.Controllers.IDs = nil }},
		{"non-positive id", func(c *Config) { c.Controllers.IDs = []int{1, 0} }},
		{"duplicate id", func(c *Config) { c.Controllers.IDs = []int{1, 2, 1} }},
		{"transport", func(c *Config) { c.Controllers.Transport = "fdcanusb" }},
		{"period zero", func(c *Config) { c.Loop.Period = 0 }},
		{"period near watchdog", func(c *Config) { c.Loop.Period = 30 * time.Millisecond }},
		{"command timeout zero", func(c *Config) { c.Loop.CommandTimeout = 0 }},
		{"command timeout over watchdog", func(c *Config) { c.Loop.CommandTimeout = 100 * time.Millisecond }},
		{"watchdog zero", func(c *Config) { c.Loop.WatchdogTimeout = 0 }},
		{"negative stats", func(c *Config) { c.Loop.StatsInterval = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
	assert.Error(t, Validate(nil))
}

func TestMarshalRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Controllers.IDs = []int{1, 2}

	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "period: 5ms")

	back, err := Load(writeFile(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestParseIDs(t *testing.T) {
	ids, err := ParseIDs("2,1")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, ids)

	_, err = ParseIDs("")
	assert.Error(t, err)
}
