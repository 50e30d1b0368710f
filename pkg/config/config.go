package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/blemidi"
	"github.com/srg/blemidi/pkg/stack"
	"gopkg.in/yaml.v3"
)

// AutoSerial asks for a random serial number to be generated at load time.
const AutoSerial = "auto"

// Config holds application configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" default:"info"`
	Backend    string           `yaml:"backend" default:"goble"` // goble, bluez, sim
	Device     DeviceConfig     `yaml:"device"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Connection ConnectionConfig `yaml:"connection"`
	PTY        PTYConfig        `yaml:"pty"`
}

// DeviceConfig holds the advertised name and Device Information strings.
type DeviceConfig struct {
	Name             string `yaml:"name" default:"BLE-MIDI"`
	Vendor           string `yaml:"vendor" default:"Generic"`
	Model            string `yaml:"model" default:"BLE-MIDI"`
	Serial           string `yaml:"serial"`
	HardwareRevision string `yaml:"hardware_revision"`
	FirmwareRevision string `yaml:"firmware_revision"`
	SoftwareRevision string `yaml:"software_revision"`
	Appearance       uint16 `yaml:"appearance"`
}

// BufferConfig sizes the receive queue and outgoing batch buffer.
type BufferConfig struct {
	Size         int           `yaml:"size" default:"64"`
	PushTimeout  time.Duration `yaml:"push_timeout" default:"1s"`
	EventLogSize uint32        `yaml:"event_log_size" default:"32"`
}

// ConnectionConfig is requested from every peer on connect, in BLE units
// (1.25 ms intervals, 10 ms timeout).
type ConnectionConfig struct {
	MinInterval uint16 `yaml:"min_interval" default:"6"`
	MaxInterval uint16 `yaml:"max_interval" default:"6"`
	Latency     uint16 `yaml:"latency" default:"0"`
	Timeout     uint16 `yaml:"timeout" default:"1000"`
}

// PTYConfig enables the serial MIDI bridge.
type PTYConfig struct {
	Enabled bool   `yaml:"enabled"`
	Symlink string `yaml:"symlink"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Device.Serial == AutoSerial {
		cfg.Device.Serial = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.Backend {
	case "goble", "bluez", "sim":
	default:
		return fmt.Errorf("backend must be goble, bluez or sim, got %q", c.Backend)
	}

	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if c.Buffer.Size <= 0 {
		return fmt.Errorf("buffer.size must be > 0")
	}

	conn := c.Connection
	if conn.MinInterval < 6 || conn.MaxInterval > 3200 || conn.MinInterval > conn.MaxInterval {
		return fmt.Errorf("connection interval must satisfy 6 <= min <= max <= 3200, got %d..%d",
			conn.MinInterval, conn.MaxInterval)
	}
	if conn.Timeout < 10 || conn.Timeout > 3200 {
		return fmt.Errorf("connection.timeout must be within 10..3200, got %d", conn.Timeout)
	}
	return nil
}

// Settings converts the config into bridge settings.
func (c *Config) Settings() *blemidi.Settings {
	return &blemidi.Settings{
		MaxBufferSize: c.Buffer.Size,
		PushTimeout:   c.Buffer.PushTimeout,
		ConnParams: stack.ConnParams{
			MinInterval: c.Connection.MinInterval,
			MaxInterval: c.Connection.MaxInterval,
			Latency:     c.Connection.Latency,
			Timeout:     c.Connection.Timeout,
		},
		EventLogSize: c.Buffer.EventLogSize,
		Appearance:   c.Device.Appearance,
	}
}

// DeviceInfo returns the Device Information strings.
func (c *Config) DeviceInfo() blemidi.DeviceInfo {
	return blemidi.DeviceInfo{
		Vendor:           c.Device.Vendor,
		Model:            c.Device.Model,
		Serial:           c.Device.Serial,
		HardwareRevision: c.Device.HardwareRevision,
		FirmwareRevision: c.Device.FirmwareRevision,
		SoftwareRevision: c.Device.SoftwareRevision,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
