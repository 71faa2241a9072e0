package config

import (
	"fmt"
	"regexp"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
	rawFormats        = map[string]bool{
		"BGRA": true, "RGBA": true, "BGRx": true, "RGBx": true,
		"RGB": true, "BGR": true, "NV12": true, "I420": true,
		"YV12": true, "YUY2": true, "UYVY": true,
	}
)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "loopgrid"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.LockFile == "" {
		cfg.LockFile = fmt.Sprintf("/tmp/loopgrid-%s.lock", cfg.InstanceID)
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return err
	}

	// Recording
	if cfg.Recording.MaxFrames == 0 {
		cfg.Recording.MaxFrames = 60
	}
	if cfg.Recording.MaxFrames < 1 {
		return fmt.Errorf("recording.max_frames must be >= 1")
	}
	if cfg.Recording.MemoryBudgetMB < 0 {
		return fmt.Errorf("recording.memory_budget_mb must be >= 0")
	}

	if err := validateGrid(&cfg.Grid); err != nil {
		return err
	}

	// Recovery
	if cfg.Recovery.MaxRetries <= 0 {
		cfg.Recovery.MaxRetries = 5
	}
	if cfg.Recovery.RetryDelayMS <= 0 {
		cfg.Recovery.RetryDelayMS = 1000
	}
	if cfg.Recovery.MaxRetryDelayMS <= 0 {
		cfg.Recovery.MaxRetryDelayMS = 30000
	}
	if cfg.Recovery.MaxRetryDelayMS < cfg.Recovery.RetryDelayMS {
		return fmt.Errorf("recovery.max_retry_delay_ms must be >= recovery.retry_delay_ms")
	}

	// MQTT
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("loopgrid/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("loopgrid/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{"control": 1, "health": 0}
		}
		if cfg.MQTT.HealthIntervalS <= 0 {
			cfg.MQTT.HealthIntervalS = 10
		}
	}

	// Device watch
	if cfg.DeviceWatch.Subsystem == "" {
		cfg.DeviceWatch.Subsystem = "video4linux"
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.SourceElement == "" {
		c.SourceElement = "v4l2src"
	}
	if c.Device == "" && c.SourceElement == "v4l2src" {
		c.Device = "/dev/video0"
	}
	if c.Width == 0 {
		c.Width = 320
	}
	if c.Height == 0 {
		c.Height = 180
	}
	if c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}
	if c.Format == "" {
		c.Format = "BGRA"
	}
	if !rawFormats[c.Format] {
		return fmt.Errorf("capture.format %q is not a supported raw format", c.Format)
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.FPS < 1 || c.FPS > 240 {
		return fmt.Errorf("capture.fps must be in 1..240, got %d", c.FPS)
	}
	if c.HandoffFrames == 0 {
		c.HandoffFrames = 8
	}
	if c.HandoffFrames < 2 || c.HandoffFrames&(c.HandoffFrames-1) != 0 {
		return fmt.Errorf("capture.handoff_frames must be a power of two >= 2, got %d", c.HandoffFrames)
	}
	return nil
}

func validateGrid(g *GridConfig) error {
	if g.Columns == 0 {
		g.Columns = 5
	}
	if g.Rows == 0 {
		g.Rows = 2
	}
	if g.Columns*g.Rows < 10 {
		return fmt.Errorf("grid.columns x grid.rows must hold 10 cells, got %dx%d", g.Columns, g.Rows)
	}
	if g.CellWidth == 0 {
		g.CellWidth = 320
	}
	if g.CellHeight == 0 {
		g.CellHeight = 180
	}
	if g.CellWidth < 1 || g.CellHeight < 1 {
		return fmt.Errorf("grid.cell_width and grid.cell_height must be > 0")
	}
	if g.CompositorElement == "" {
		g.CompositorElement = "compositor"
	}
	if g.SinkElement == "" {
		g.SinkElement = "autovideosink"
	}
	if g.AttachTimeoutMS <= 0 {
		g.AttachTimeoutMS = 2000
	}
	if g.AttachRetries < 0 {
		return fmt.Errorf("grid.attach_retries must be >= 0")
	}
	if g.AttachRetries == 0 {
		g.AttachRetries = 1
	}
	return nil
}
