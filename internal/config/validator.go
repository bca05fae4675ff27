package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/rigcap/internal/capture"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if cfg.OutputRoot == "" {
		return fmt.Errorf("output_root is required")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if _, err := cfg.Offset(0); err != nil {
		return fmt.Errorf("utc_offset: %w", err)
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = ModeTriggered
	case ModeTriggered, ModeScheduled:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeTriggered, ModeScheduled, cfg.Mode)
	}

	if err := validateEncoder(&cfg.Encoder); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}

	if cfg.Ring.CapacityMB <= 0 {
		cfg.Ring.CapacityMB = 64
	}
	if cfg.Ring.MaxFrames <= 0 {
		cfg.Ring.MaxFrames = cfg.Encoder.FPS * 120
	}

	if cfg.Trigger.Chip == "" {
		cfg.Trigger.Chip = "gpiochip0"
	}
	if cfg.Trigger.Poll <= 0 {
		cfg.Trigger.Poll = 50 * time.Millisecond
	}

	setDuration(&cfg.Triggered.PreRoll, 2*time.Second)
	setDuration(&cfg.Triggered.MaxActive, 30*time.Second)
	setDuration(&cfg.Triggered.Inactivity, 5*time.Second)
	setDuration(&cfg.Triggered.Settle, time.Second)
	if cfg.Triggered.MaxActive <= cfg.Triggered.Inactivity {
		return fmt.Errorf("triggered.max_active must exceed triggered.inactivity")
	}

	if err := validateScheduled(&cfg.Scheduled); err != nil {
		return fmt.Errorf("scheduled: %w", err)
	}
	if cfg.Mode == ModeScheduled && len(cfg.Scheduled.Windows) == 0 {
		return fmt.Errorf("scheduled mode needs at least one window")
	}

	if cfg.Serial.Data.Baud <= 0 {
		cfg.Serial.Data.Baud = 115200
	}
	if cfg.Serial.Analog.Baud <= 0 {
		cfg.Serial.Analog.Baud = 115200
	}
	setDuration(&cfg.Serial.IdleTimeout, 10*time.Minute)
	setDuration(&cfg.Serial.SyncEvery, time.Hour)
	setDuration(&cfg.Serial.RetryDelay, 5*time.Second)

	setDuration(&cfg.DataLog.RotateEvery, 24*time.Hour)

	if cfg.Telemetry.WindowSize <= 0 {
		cfg.Telemetry.WindowSize = 50
	}
	if cfg.Telemetry.QueueCapacity <= 0 {
		cfg.Telemetry.QueueCapacity = 10
	}
	setDuration(&cfg.Telemetry.PairTimeout, 30*time.Second)

	if cfg.Water.MinPercent < 0 || cfg.Water.MinPercent > 100 {
		return fmt.Errorf("water.min_percent must be 0-100")
	}

	setDuration(&cfg.Storage.CheckInterval, 10*time.Minute)
	setDuration(&cfg.Storage.Cooldown, 24*time.Hour)
	if cfg.Storage.ThresholdPct <= 0 {
		cfg.Storage.ThresholdPct = 85
	}
	if cfg.Storage.ThresholdPct > 100 {
		return fmt.Errorf("storage.threshold_pct must be <= 100")
	}

	// Set default topics if not provided
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "rigcap-" + cfg.InstanceID
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("rigcap/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("rigcap/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Alerts == "" {
		cfg.MQTT.Topics.Alerts = fmt.Sprintf("rigcap/alerts/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("rigcap/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"alerts":  1,
			"health":  0,
		}
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return nil
}

func validateEncoder(e *EncoderConfig) error {
	if e.Source == "" {
		e.Source = "v4l2"
	}
	if e.Source == "v4l2" && e.Device == "" {
		e.Device = "/dev/video0"
	}
	if e.Width <= 0 || e.Height <= 0 {
		e.Width, e.Height = 1280, 720
	}
	if e.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if e.BitrateKbps <= 0 {
		e.BitrateKbps = 2000
	}
	if e.KeyframeInterval <= 0 {
		e.KeyframeInterval = e.FPS
	}
	if e.Ext == "" {
		e.Ext = "h264"
	}
	switch e.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("rotation must be 0, 90, 180 or 270")
	}
	switch e.Source {
	case "v4l2", "libcamera", "test", "mock":
	default:
		return fmt.Errorf("unknown source %q", e.Source)
	}
	return nil
}

func validateScheduled(s *ScheduledConfig) error {
	setDuration(&s.SplitPeriod, 15*time.Minute)
	setDuration(&s.MinSegment, 2*time.Second)
	if s.EmptyGrace == 0 {
		s.EmptyGrace = 2100 * time.Millisecond
	}
	if s.EmptyGrace < 0 {
		return fmt.Errorf("empty_grace must be >= 0")
	}
	if s.Queue <= 0 {
		s.Queue = 256
	}
	_, err := Windows(s.Windows)
	return err
}

// Windows parses the configured recording windows
func Windows(cfg []WindowConfig) ([]capture.Window, error) {
	var errs []error
	out := make([]capture.Window, 0, len(cfg))
	for i, w := range cfg {
		win, err := capture.ParseWindow(w.Start, w.Stop)
		if err != nil {
			errs = append(errs, fmt.Errorf("window %d: %w", i, err))
			continue
		}
		out = append(out, win)
	}
	return out, errors.Join(errs...)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
