package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loopgrid configuration
type Config struct {
	InstanceID       string            `yaml:"instance_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	LockFile         string            `yaml:"lock_file"`          // Single-instance lock (default: /tmp/loopgrid-<instance>.lock)
	Capture          CaptureConfig     `yaml:"capture"`
	Recording        RecordingConfig   `yaml:"recording"`
	Grid             GridConfig        `yaml:"grid"`
	Recovery         RecoveryConfig    `yaml:"recovery"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	Health           HealthConfig      `yaml:"health"`
	DeviceWatch      DeviceWatchConfig `yaml:"device_watch"`
}

// CaptureConfig describes the live source
type CaptureConfig struct {
	SourceElement string `yaml:"source_element"` // v4l2src, videotestsrc, ...
	Device        string `yaml:"device"`         // e.g. /dev/video0
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	Format        string `yaml:"format"` // raw pixel layout, e.g. BGRA
	FPS           int    `yaml:"fps"`
	HandoffFrames int    `yaml:"handoff_frames"` // power of two
}

// RecordingConfig contains clip buffer settings
type RecordingConfig struct {
	MaxFrames      int `yaml:"max_frames"`       // ring buffer capacity per clip (default: 60)
	MemoryBudgetMB int `yaml:"memory_budget_mb"` // 0 = unlimited
}

// GridConfig contains compositor layout settings
type GridConfig struct {
	Columns           int    `yaml:"columns"`
	Rows              int    `yaml:"rows"`
	CellWidth         int    `yaml:"cell_width"`
	CellHeight        int    `yaml:"cell_height"`
	CompositorElement string `yaml:"compositor_element"`
	SinkElement       string `yaml:"sink_element"`
	AttachTimeoutMS   int    `yaml:"attach_timeout_ms"`
	AttachRetries     int    `yaml:"attach_retries"`
}

// RecoveryConfig contains capture reconnect settings
type RecoveryConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Broker          string          `yaml:"broker"`
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	HealthIntervalS int             `yaml:"health_interval_s"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Health  string `yaml:"health"`
}

// HealthConfig contains the HTTP health endpoint settings
type HealthConfig struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// DeviceWatchConfig enables udev hot-plug monitoring
type DeviceWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Subsystem string `yaml:"subsystem"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
