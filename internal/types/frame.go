package types

import (
	"fmt"
	"time"
)

// Frame represents a single encoded access unit as it leaves the encoder
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is the capture time on the device clock, in microseconds
	Timestamp int64
	// SyncPoint marks a frame decodable without earlier frames (keyframe)
	SyncPoint bool
	// Data contains the encoded payload (H.264 byte-stream access unit)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// TriggerEvent is one accepted level change of the trigger input
type TriggerEvent struct {
	// Level is 1 (active) or 0 (inactive)
	Level int
	// Device is the device clock reading in microseconds when the edge was seen
	Device int64
	// Wall is the controller epoch in seconds when the edge was seen
	Wall float64
}

// Row formats the event as written to a .events file
func (e TriggerEvent) Row() string {
	return fmt.Sprintf("%d, %d, %.6f", e.Level, e.Device, e.Wall)
}

// EncoderStats contains encoder statistics
type EncoderStats struct {
	FrameCount  uint64
	Keyframes   uint64
	FPSTarget   int
	FPSReal     float64
	LatencyMS   int64
	Resolution  string
	Reconnects  uint32
	BytesRead   uint64
	IsConnected bool
	Errors      uint64
}

// SinkMetrics contains health metrics for a frame sink
type SinkMetrics struct {
	FramesConsumed uint64    `json:"frames_consumed"`
	FramesDropped  uint64    `json:"frames_dropped"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// FrameSink receives frames from the frame bus
type FrameSink interface {
	// ID returns the sink's unique identifier
	ID() string
	// SendFrame hands a frame to the sink; it must not block the encoder
	SendFrame(frame Frame) error
	// Metrics returns current sink metrics
	Metrics() SinkMetrics
}

// DecodeGuard follows frame sequence numbers and refuses frames that cannot
// be decoded because an earlier frame of their group was lost. After a gap
// every frame up to the next sync point is refused. Frames with Seq 0 are
// not sequence checked.
type DecodeGuard struct {
	last    uint64
	broken  bool
	Gaps    uint64
	Skipped uint64
}

// Accept reports whether f may be stored and whether a gap precedes it
func (g *DecodeGuard) Accept(f Frame) (ok, gap bool) {
	if f.Seq != 0 {
		gap = g.last != 0 && f.Seq != g.last+1
		g.last = f.Seq
	}
	if gap {
		g.broken = true
		g.Gaps++
	}
	if g.broken && !f.SyncPoint {
		g.Skipped++
		return false, gap
	}
	g.broken = false
	return true, gap
}
