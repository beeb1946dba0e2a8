package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Link      LinkConfig      `yaml:"link"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Socket    SocketConfig    `yaml:"socket"`
	State     StateConfig     `yaml:"state"`
	Logging   LoggingConfig   `yaml:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// DeviceConfig selects the peripheral.
type DeviceConfig struct {
	// Address, when set, must match exactly (case-insensitive). Otherwise
	// the first peripheral whose name contains Name is used.
	Address        string        `yaml:"address"`
	Name           string        `yaml:"name"`
	Adapter        string        `yaml:"adapter"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LinkConfig holds the inter-frame pacing the device needs.
type LinkConfig struct {
	FrameGap    time.Duration `yaml:"frame_gap"`
	RepeatPause time.Duration `yaml:"repeat_pause"`
	ResyncDelay time.Duration `yaml:"resync_delay"`
}

type ReconnectConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type SocketConfig struct {
	Path string `yaml:"path"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr
}

// MQTTConfig configures the optional state mirror.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// DefaultPath is $LPP_CONFIG, else config.yaml under the user config dir.
func DefaultPath() string {
	if v := os.Getenv("LPP_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(configHome(), "lpp", "config.yaml")
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// not an error; an unreadable, unparsable or invalid one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:           "CoolingSystem",
			Adapter:        "hci0",
			ScanTimeout:    5 * time.Second,
			ConnectTimeout: 20 * time.Second,
		},
		Link: LinkConfig{
			FrameGap:    100 * time.Millisecond,
			RepeatPause: 500 * time.Millisecond,
			ResyncDelay: 300 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			MinDelay: time.Second,
			MaxDelay: 60 * time.Second,
		},
		Keepalive: KeepaliveConfig{
			Interval: 30 * time.Second,
		},
		Socket: SocketConfig{
			Path: DefaultSocketPath(),
		},
		State: StateConfig{
			Path: filepath.Join(configHome(), "lpp", "state.json"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "lpp",
			QoS:         1,
		},
	}
}

// DefaultSocketPath is lpp.sock in $XDG_RUNTIME_DIR, falling back to
// /run/user/<uid>.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join("/run/user", strconv.Itoa(unix.Getuid()))
	}
	return filepath.Join(dir, "lpp.sock")
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LPP_MAC_ADDRESS"); v != "" {
		cfg.Device.Address = v
	}
	if v := os.Getenv("LPP_DEVICE_NAME"); v != "" {
		cfg.Device.Name = v
	}
	if v := os.Getenv("LPP_ADAPTER"); v != "" {
		cfg.Device.Adapter = v
	}
	if v := os.Getenv("LPP_SOCKET_PATH"); v != "" {
		cfg.Socket.Path = v
	}
	if v := os.Getenv("LPP_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("LPP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LPP_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("LPP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.Address == "" && c.Device.Name == "" {
		errs = append(errs, "device.address or device.name is required")
	}
	if c.Device.Adapter == "" {
		errs = append(errs, "device.adapter is required")
	}
	if c.Device.ScanTimeout <= 0 {
		errs = append(errs, "device.scan_timeout must be positive")
	}
	if c.Device.ConnectTimeout <= 0 {
		errs = append(errs, "device.connect_timeout must be positive")
	}
	if c.Link.FrameGap < 0 || c.Link.RepeatPause < 0 || c.Link.ResyncDelay < 0 {
		errs = append(errs, "link delays must not be negative")
	}

	if c.Reconnect.MinDelay <= 0 {
		errs = append(errs, "reconnect.min_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.MinDelay {
		errs = append(errs, "reconnect.max_delay must be at least reconnect.min_delay")
	}
	if c.Keepalive.Interval <= 0 {
		errs = append(errs, "keepalive.interval must be positive")
	}

	if c.Socket.Path == "" {
		errs = append(errs, "socket.path is required")
	}
	if c.State.Path == "" {
		errs = append(errs, "state.path is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled (set LPP_MQTT_BROKER)")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
