package encoder

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{Source: "v4l2", Device: "/dev/video0", Width: 1280, Height: 720, FPS: 30, KeyframeInterval: 30}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero width", func(c *Config) { c.Width = 0 }, true},
		{"fps too high", func(c *Config) { c.FPS = 240 }, true},
		{"no keyframe interval", func(c *Config) { c.KeyframeInterval = 0 }, true},
		{"unknown source", func(c *Config) { c.Source = "rtsp" }, true},
		{"unknown codec", func(c *Config) { c.Codec = "vp8" }, true},
		{"hardware codec", func(c *Config) { c.Codec = "v4l2h264" }, false},
		{"custom pipeline", func(c *Config) { c.Pipeline = "videotestsrc ! x264enc ! appsink name=sink" }, false},
		{"custom pipeline without sink", func(c *Config) { c.Pipeline = "videotestsrc ! fakesink" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPipelineString(t *testing.T) {
	cfg := Config{Source: "v4l2", Device: "/dev/video2", Width: 640, Height: 480, FPS: 25, BitrateKbps: 2000, KeyframeInterval: 25}
	p := cfg.PipelineString()

	for _, want := range []string{
		"v4l2src device=/dev/video2",
		"width=640,height=480,framerate=25/1",
		"x264enc",
		"bitrate=2000",
		"key-int-max=25",
		"stream-format=byte-stream,alignment=au",
		"appsink name=sink",
		"max-buffers=50",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("Expected pipeline to contain %q, got %s", want, p)
		}
	}

	cfg.Pipeline = "custom ! appsink name=sink"
	if cfg.PipelineString() != cfg.Pipeline {
		t.Errorf("Expected custom pipeline to be used verbatim")
	}
}

func TestHeader(t *testing.T) {
	cfg := Config{Width: 1280, Height: 720, FPS: 30, BitrateKbps: 2500, Rotation: 180}
	if got := cfg.Header(); got != "180, 30, 2.5, 1280, 720" {
		t.Errorf("Expected header '180, 30, 2.5, 1280, 720', got %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg   string
		debug string
		want  ErrorCategory
	}{
		{"Internal data stream error.", "streaming stopped, reason not-negotiated (not negotiated)", ErrCategoryCodec},
		{"Cannot identify device '/dev/video0'.", "", ErrCategoryDevice},
		{"Device '/dev/video0' is busy", "", ErrCategoryDevice},
		{"Failed to allocate a buffer", "buffer pool activation failed", ErrCategoryResource},
		{"something odd", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.msg, tt.debug); got != tt.want {
			t.Errorf("%q: expected %s, got %s", tt.msg, tt.want, got)
		}
	}
	if ClassifyGStreamerError(nil) != ErrCategoryUnknown {
		t.Error("Expected nil error to be unknown")
	}
}

func TestMockKeyframeCadence(t *testing.T) {
	clock := &timebase.ManualClock{}
	m := NewMockEncoder(Config{Width: 320, Height: 240, FPS: 10, KeyframeInterval: 4}, clock)

	for i := 0; i < 9; i++ {
		clock.Set(int64(i) * 100000)
		f := m.Next()
		if f.Seq != uint64(i) {
			t.Errorf("Expected seq %d, got %d", i, f.Seq)
		}
		if f.Timestamp != int64(i)*100000 {
			t.Errorf("Expected timestamp %d, got %d", i*100000, f.Timestamp)
		}
		wantKey := i%4 == 0
		if f.SyncPoint != wantKey {
			t.Errorf("Frame %d: expected sync point %v, got %v", i, wantKey, f.SyncPoint)
		}
		nal := f.Data[4] & 0x1f
		if wantKey && nal != 5 || !wantKey && nal != 1 {
			t.Errorf("Frame %d: unexpected NAL type %d", i, nal)
		}
	}

	if got := m.Stats().Keyframes; got != 3 {
		t.Errorf("Expected 3 keyframes, got %d", got)
	}
}

func TestMockStartStop(t *testing.T) {
	m := NewMockEncoder(Config{FPS: 100, KeyframeInterval: 10}, timebase.NewMonotonicClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("Expected second Start to fail")
	}

	select {
	case f := <-m.Frames():
		if !f.SyncPoint {
			t.Error("Expected first frame to be a sync point")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a frame within 1s")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for range m.Frames() {
	}
}

func TestCalculateStats(t *testing.T) {
	const step = 33333
	var ts, keys []int64
	for i := 0; i <= 60; i++ {
		ts = append(ts, int64(i)*step)
		if i%30 == 0 {
			keys = append(keys, int64(i)*step)
		}
	}

	stats := calculateStats(ts, keys)
	if stats.FramesReceived != 61 || stats.Keyframes != 3 {
		t.Errorf("Expected 61 frames and 3 keyframes, got %d/%d", stats.FramesReceived, stats.Keyframes)
	}
	if math.Abs(stats.FPSMean-30) > 0.01 {
		t.Errorf("Expected ~30 fps, got %.3f", stats.FPSMean)
	}
	if stats.MaxKeyframeGap != 30*step*time.Microsecond {
		t.Errorf("Expected keyframe gap %v, got %v", 30*step*time.Microsecond, stats.MaxKeyframeGap)
	}
	if !stats.IsStable {
		t.Error("Expected steady timestamps to be stable")
	}
	if stats.CheckPreRoll(500 * time.Millisecond) {
		t.Error("Expected 1s keyframe gap to exceed 500ms pre-roll")
	}
	if !stats.CheckPreRoll(2 * time.Second) {
		t.Error("Expected 1s keyframe gap to fit 2s pre-roll")
	}
}

func TestWarmupForwardsFrames(t *testing.T) {
	frames := make(chan types.Frame, 20)
	for i := 0; i < 20; i++ {
		frames <- types.Frame{Seq: uint64(i), Timestamp: int64(i) * 50000, SyncPoint: i%10 == 0}
	}

	var forwarded int
	stats, err := Warmup(context.Background(), frames, 50*time.Millisecond, func(types.Frame) { forwarded++ })
	if err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if forwarded != 20 {
		t.Errorf("Expected 20 forwarded frames, got %d", forwarded)
	}
	if math.Abs(stats.FPSMean-20) > 0.01 {
		t.Errorf("Expected ~20 fps, got %.3f", stats.FPSMean)
	}

	close(frames)
	if _, err := Warmup(context.Background(), frames, 50*time.Millisecond, nil); err == nil {
		t.Error("Expected error on closed stream")
	}
}

func TestCaptureStamper(t *testing.T) {
	ms := time.Millisecond

	tests := []struct {
		name string
		now  []int64
		pts  []time.Duration
		want []int64
	}{
		{
			name: "jittery delivery keeps capture spacing",
			now:  []int64{10_050_000, 10_100_000, 10_170_000, 10_200_000},
			pts:  []time.Duration{0, 33 * ms, 66 * ms, 100 * ms},
			want: []int64{10_050_000, 10_083_000, 10_116_000, 10_150_000},
		},
		{
			name: "lower latency moves the offset down",
			now:  []int64{1_080_000, 1_090_000, 1_120_000},
			pts:  []time.Duration{0, 40 * ms, 80 * ms},
			want: []int64{1_080_000, 1_090_000, 1_120_000},
		},
		{
			name: "unknown pts stamps delivery time",
			now:  []int64{5_000_000, 5_040_000},
			pts:  []time.Duration{-1, -1},
			want: []int64{5_000_000, 5_040_000},
		},
		{
			name: "pts restart re-anchors without going backwards",
			now:  []int64{2_000_000, 2_033_000, 9_000_000, 9_033_000},
			pts:  []time.Duration{1000 * ms, 1033 * ms, 0, 33 * ms},
			want: []int64{2_000_000, 2_033_000, 9_000_000, 9_033_000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s captureStamper
			for i := range tt.now {
				got := s.Stamp(tt.now[i], tt.pts[i])
				if got != tt.want[i] {
					t.Errorf("Frame %d: expected %d, got %d", i, tt.want[i], got)
				}
				if got > tt.now[i] {
					t.Errorf("Frame %d: stamp %d is after delivery %d", i, got, tt.now[i])
				}
			}
		})
	}
}
