// Package encoder produces the encoded H.264 access units that feed the
// frame ring. Every frame is stamped with the shared device clock and marked
// as a sync point when it can be decoded on its own.
package encoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/e7canasta/rigcap/internal/types"
)

// Source is a running encoder
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan types.Frame
	Stop() error
	Stats() types.EncoderStats
}

// Config contains encoder configuration
type Config struct {
	// Source selects the capture element: v4l2, libcamera or test
	Source string
	Device string
	Width  int
	Height int
	FPS    int
	// BitrateKbps is the target encoder bitrate
	BitrateKbps int
	// KeyframeInterval is the number of frames between sync points
	KeyframeInterval int
	// Codec selects the H.264 element: x264 or v4l2h264
	Codec string
	// Pipeline replaces the generated pipeline; it must end in an appsink
	// named "sink" delivering byte-stream access units
	Pipeline string
	// Rotation is written into event log headers, in degrees
	Rotation int
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Pipeline != "" {
		if !strings.Contains(c.Pipeline, "name=sink") {
			return fmt.Errorf("encoder: custom pipeline must contain an appsink named sink")
		}
		return nil
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("encoder: invalid resolution: %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 || c.FPS > 120 {
		return fmt.Errorf("encoder: invalid fps: %d (must be 1-120)", c.FPS)
	}
	if c.KeyframeInterval <= 0 {
		return fmt.Errorf("encoder: keyframe interval must be > 0")
	}
	switch c.Source {
	case "v4l2", "libcamera", "test":
	default:
		return fmt.Errorf("encoder: unknown source %q (use v4l2, libcamera or test)", c.Source)
	}
	switch c.Codec {
	case "", "x264", "v4l2h264":
	default:
		return fmt.Errorf("encoder: unknown codec %q (use x264 or v4l2h264)", c.Codec)
	}
	return nil
}

// PipelineString returns the GStreamer launch description for c
func (c Config) PipelineString() string {
	if c.Pipeline != "" {
		return c.Pipeline
	}

	var src string
	switch c.Source {
	case "v4l2":
		src = fmt.Sprintf("v4l2src device=%s", c.Device)
	case "libcamera":
		src = "libcamerasrc"
	default:
		src = "videotestsrc is-live=true pattern=ball"
	}

	var enc string
	switch c.Codec {
	case "v4l2h264":
		enc = fmt.Sprintf(
			"v4l2h264enc extra-controls=\"controls,video_bitrate=%d,h264_i_frame_period=%d\"",
			c.BitrateKbps*1000, c.KeyframeInterval)
	default:
		enc = fmt.Sprintf(
			"x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d",
			c.BitrateKbps, c.KeyframeInterval)
	}

	return fmt.Sprintf(
		"%s ! video/x-raw,width=%d,height=%d,framerate=%d/1 ! videoconvert ! %s ! "+
			"h264parse config-interval=-1 ! video/x-h264,stream-format=byte-stream,alignment=au ! "+
			"appsink name=sink sync=false max-buffers=%d drop=false",
		src, c.Width, c.Height, c.FPS, enc, c.FPS*2)
}

// Header returns the event log header line: rotation, fps, bitrate in
// Mbit/s, width, height
func (c Config) Header() string {
	return fmt.Sprintf("%d, %d, %.1f, %d, %d",
		c.Rotation, c.FPS, float64(c.BitrateKbps)/1000, c.Width, c.Height)
}
