package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Capture modes
const (
	ModeTriggered = "triggered"
	ModeScheduled = "scheduled"
)

// Config represents the complete rigcap configuration
type Config struct {
	InstanceID       string `yaml:"instance_id"`
	Subject          string `yaml:"subject"`
	OutputRoot       string `yaml:"output_root"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	LogFile          string `yaml:"log_file"`
	// UTCOffset is "auto" (local zone) or a duration such as "-5h"
	UTCOffset string `yaml:"utc_offset"`
	Mode      string `yaml:"mode"` // triggered, scheduled

	Encoder   EncoderConfig   `yaml:"encoder"`
	Ring      RingConfig      `yaml:"ring"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Triggered TriggeredConfig `yaml:"triggered"`
	Scheduled ScheduledConfig `yaml:"scheduled"`
	Serial    SerialConfig    `yaml:"serial"`
	DataLog   DataLogConfig   `yaml:"datalog"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Water     WaterConfig     `yaml:"water"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// EncoderConfig contains camera and encoder settings
type EncoderConfig struct {
	Source           string        `yaml:"source"` // v4l2, libcamera, test, mock
	Device           string        `yaml:"device"`
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
	FPS              int           `yaml:"fps"`
	BitrateKbps      int           `yaml:"bitrate_kbps"`
	KeyframeInterval int           `yaml:"keyframe_interval"` // frames between sync points
	Codec            string        `yaml:"codec"`             // x264, v4l2h264
	Pipeline         string        `yaml:"pipeline"`          // optional gst-launch override
	Rotation         int           `yaml:"rotation"`
	Ext              string        `yaml:"ext"`
	Warmup           time.Duration `yaml:"warmup"`
}

// RingConfig sizes the in-memory frame ring
type RingConfig struct {
	CapacityMB int `yaml:"capacity_mb"`
	MaxFrames  int `yaml:"max_frames"`
}

// TriggerConfig selects the trigger input line
type TriggerConfig struct {
	Chip     string        `yaml:"chip"`
	Line     int           `yaml:"line"`
	Debounce time.Duration `yaml:"debounce"`
	Poll     time.Duration `yaml:"poll_interval"`
}

// TriggeredConfig contains triggered mode timings
type TriggeredConfig struct {
	PreRoll    time.Duration `yaml:"pre_roll"`
	MaxActive  time.Duration `yaml:"max_active"` // T1
	Inactivity time.Duration `yaml:"inactivity"` // T2
	Settle     time.Duration `yaml:"settle"`
}

// WindowConfig is one recording window, "HH:MM[:SS]"
type WindowConfig struct {
	Start string `yaml:"start"`
	Stop  string `yaml:"stop"`
}

// ScheduledConfig contains scheduled-continuous mode settings
type ScheduledConfig struct {
	Windows     []WindowConfig `yaml:"windows"`
	SplitPeriod time.Duration  `yaml:"split_period"`
	MinSegment  time.Duration  `yaml:"min_segment"`
	EmptyGrace  time.Duration  `yaml:"empty_grace"`
	Queue       int            `yaml:"queue"`
}

// PortConfig is one serial port
type PortConfig struct {
	Device    string   `yaml:"device"`
	Fallbacks []string `yaml:"fallbacks"`
	Baud      int      `yaml:"baud"`
}

// SerialConfig contains the controller serial links
type SerialConfig struct {
	Data        PortConfig    `yaml:"data"`
	Analog      PortConfig    `yaml:"analog"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	SyncEvery   time.Duration `yaml:"sync_every"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// DataLogConfig contains session file settings
type DataLogConfig struct {
	RotateEvery time.Duration `yaml:"rotate_every"`
	Compress    bool          `yaml:"compress"`
}

// TelemetryConfig contains analog recorder settings
type TelemetryConfig struct {
	WindowSize    int           `yaml:"window_size"`
	PairTimeout   time.Duration `yaml:"pair_timeout"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// WaterConfig contains the daily water check
type WaterConfig struct {
	Quota      int `yaml:"quota"`
	MinPercent int `yaml:"min_percent"`
}

// StorageConfig contains disk monitor settings
type StorageConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	ThresholdPct  float64       `yaml:"threshold_pct"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// control plane.
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Alerts  string `yaml:"alerts"`
	Health  string `yaml:"health"`
}

// HTTPConfig contains the status server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes
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

// Offset resolves the configured UTC offset
func (c *Config) Offset(local time.Duration) (time.Duration, error) {
	if c.UTCOffset == "" || c.UTCOffset == "auto" {
		return local, nil
	}
	return time.ParseDuration(c.UTCOffset)
}
