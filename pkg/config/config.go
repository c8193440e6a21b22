// Package config holds the host-facing configuration for the BLE transport
// bridge: logging, connect bounds, the write retry policy, and the
// commissioning profile UUID triplet.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Defaults come from the struct
// tags; Load overlays a YAML file on top of them.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// ConnectTimeout bounds one platform connect attempt. Discovery and
	// disconnect carry no timeout here; the host application owns that
	// watchdog.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	// WriteRetryLimit is how many times a failed fragment write is
	// reissued before the failure becomes fatal. Zero disables retries.
	WriteRetryLimit int `yaml:"write_retry_limit" default:"2"`

	// QueueDepth bounds the per-connection outbound fragment queue.
	QueueDepth uint32 `yaml:"queue_depth" default:"64"`

	// FallbackMTU is the assumed ATT MTU when the platform stack cannot
	// report the negotiated value.
	FallbackMTU int `yaml:"fallback_mtu" default:"23"`

	ScanDuration time.Duration `yaml:"scan_duration" default:"10s"`

	// Commissioning profile carried over the link. Devices running the
	// same framing under a different profile can override all three.
	ServiceUUID      string `yaml:"service_uuid" default:"feaf"`
	WriteCharUUID    string `yaml:"write_char_uuid" default:"18ee2ef5-263d-4559-959f-4f9c429f9d11"`
	IndicateCharUUID string `yaml:"indicate_char_uuid" default:"18ee2ef5-263d-4559-959f-4f9c429f9d12"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a typo would silently break.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.WriteRetryLimit < 0 {
		return fmt.Errorf("write_retry_limit must not be negative")
	}
	if c.QueueDepth == 0 {
		return fmt.Errorf("queue_depth must be positive")
	}
	if c.ServiceUUID == "" || c.WriteCharUUID == "" || c.IndicateCharUUID == "" {
		return fmt.Errorf("profile UUIDs must not be empty")
	}
	return nil
}

// Level parses the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
