package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv isolates a test from the caller's LPP_* and XDG variables.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LPP_CONFIG", "LPP_MAC_ADDRESS", "LPP_DEVICE_NAME", "LPP_ADAPTER",
		"LPP_SOCKET_PATH", "LPP_STATE_PATH", "LPP_LOG_LEVEL",
		"LPP_MQTT_BROKER", "LPP_MQTT_PASSWORD",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1234")
	t.Setenv("XDG_CONFIG_HOME", "/home/u/.config")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "CoolingSystem", cfg.Device.Name)
	assert.Empty(t, cfg.Device.Address)
	assert.Equal(t, "hci0", cfg.Device.Adapter)
	assert.Equal(t, 5*time.Second, cfg.Device.ScanTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Link.FrameGap)
	assert.Equal(t, 500*time.Millisecond, cfg.Link.RepeatPause)
	assert.Equal(t, 300*time.Millisecond, cfg.Link.ResyncDelay)
	assert.Equal(t, time.Second, cfg.Reconnect.MinDelay)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Keepalive.Interval)
	assert.Equal(t, "/run/user/1234/lpp.sock", cfg.Socket.Path)
	assert.Equal(t, "/home/u/.config/lpp/state.json", cfg.State.Path)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
device:
  address: "aa:bb:cc:dd:ee:ff"
  scan_timeout: 2s
reconnect:
  min_delay: 500ms
  max_delay: 10s
socket:
  path: /tmp/lpp-test.sock
logging:
  level: debug
  format: json
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  topic_prefix: home/lpp
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "aa:bb:cc:dd:ee:ff", cfg.Device.Address)
	assert.Equal(t, "CoolingSystem", cfg.Device.Name, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Device.ScanTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.MinDelay)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, "/tmp/lpp-test.sock", cfg.Socket.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "home/lpp", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 1, cfg.MQTT.QoS)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "device:\n  address: \"11:11:11:11:11:11\"\n")
	t.Setenv("LPP_MAC_ADDRESS", "22:22:22:22:22:22")
	t.Setenv("LPP_SOCKET_PATH", "/tmp/other.sock")
	t.Setenv("LPP_STATE_PATH", "/tmp/state.json")
	t.Setenv("LPP_LOG_LEVEL", "warn")
	t.Setenv("LPP_MQTT_BROKER", "tcp://broker:1883")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "22:22:22:22:22:22", cfg.Device.Address)
	assert.Equal(t, "/tmp/other.sock", cfg.Socket.Path)
	assert.Equal(t, "/tmp/state.json", cfg.State.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "device: [address"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no device selector", func(c *Config) { c.Device.Name = "" }, "device.address or device.name"},
		{"zero min delay", func(c *Config) { c.Reconnect.MinDelay = 0 }, "reconnect.min_delay"},
		{"ceiling below floor", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }, "reconnect.max_delay"},
		{"zero keepalive", func(c *Config) { c.Keepalive.Interval = 0 }, "keepalive.interval"},
		{"zero scan", func(c *Config) { c.Device.ScanTimeout = 0 }, "device.scan_timeout"},
		{"empty socket", func(c *Config) { c.Socket.Path = "" }, "socket.path"},
		{"empty state", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	clearEnv(t)
	assert.Equal(t, "/home/u/.config/lpp/config.yaml", DefaultPath())

	t.Setenv("LPP_CONFIG", "/etc/lpp.yaml")
	assert.Equal(t, "/etc/lpp.yaml", DefaultPath())
}

func TestDefaultSocketPath_FallsBackToRunUser(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Regexp(t, `^/run/user/\d+/lpp\.sock$`, DefaultSocketPath())
}
