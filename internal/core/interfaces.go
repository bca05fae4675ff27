package core

import (
	"context"

	"github.com/e7canasta/rigcap/internal/emitter"
	"github.com/e7canasta/rigcap/internal/types"
)

// FrameSource provides encoded access units
type FrameSource interface {
	// Start begins encoding
	Start(ctx context.Context) error
	// Frames returns a channel of frames
	Frames() <-chan types.Frame
	// Stop stops the encoder and closes the frame channel
	Stop() error
	// Stats returns encoder statistics
	Stats() types.EncoderStats
}

// Alerter publishes operator alerts
type Alerter interface {
	PublishAlert(a emitter.Alert) error
}

// AlerterFunc adapts a function to Alerter
type AlerterFunc func(a emitter.Alert) error

// PublishAlert calls f(a)
func (f AlerterFunc) PublishAlert(a emitter.Alert) error { return f(a) }
