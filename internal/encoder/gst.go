package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/rigcap/internal/reconnect"
	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// GstEncoder runs a GStreamer capture and H.264 encode pipeline
type GstEncoder struct {
	cfg     Config
	clock   timebase.DeviceClock
	stamper captureStamper

	pipeline *gst.Pipeline
	frames   chan types.Frame
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCfg   reconnect.Config
	reconnectState reconnect.State

	frameCount  atomic.Uint64
	keyframes   atomic.Uint64
	bytesRead   atomic.Uint64
	dropped     atomic.Uint64
	errors      atomic.Uint64
	connected   atomic.Bool
	started     time.Time
	lastFrameAt atomic.Int64
}

// NewGstEncoder creates an encoder stamping frames with clock
func NewGstEncoder(cfg Config, clock timebase.DeviceClock) (*GstEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &GstEncoder{
		cfg:          cfg,
		clock:        clock,
		frames:       make(chan types.Frame, cfg.FPS*2),
		reconnectCfg: reconnect.DefaultConfig(),
	}, nil
}

// Start initializes GStreamer and runs the pipeline with reconnection
func (e *GstEncoder) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return fmt.Errorf("encoder: already started")
	}

	gst.Init(nil)

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = time.Now()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.frames)
		if err := reconnect.Run(e.ctx, "encoder", e.session, e.reconnectCfg, &e.reconnectState); err != nil {
			slog.Error("encoder: giving up", "error", err)
		}
	}()

	slog.Info("encoder: starting",
		"pipeline", e.cfg.PipelineString(),
		"resolution", fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height),
		"fps", e.cfg.FPS,
		"keyframe_interval", e.cfg.KeyframeInterval,
	)
	return nil
}

// session builds the pipeline and monitors its bus until it fails or ctx
// is done
func (e *GstEncoder) session(ctx context.Context) error {
	pipeline, err := gst.NewPipelineFromString(e.cfg.PipelineString())
	if err != nil {
		return fmt.Errorf("encoder: create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	elem, err := pipeline.GetElementByName("sink")
	if err != nil || elem == nil {
		return fmt.Errorf("encoder: pipeline has no appsink named sink")
	}
	e.stamper.Reset()
	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: e.onNewSample,
	})

	e.mu.Lock()
	e.pipeline = pipeline
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.pipeline = nil
		e.mu.Unlock()
		e.connected.Store(false)
	}()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("encoder: set pipeline to playing: %w", err)
	}
	return e.monitor(ctx, pipeline)
}

func (e *GstEncoder) monitor(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("encoder: context cancelled, stopping pipeline")
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("encoder: end of stream",
				"frames", e.frameCount.Load(),
				"uptime", time.Since(e.started))
			return fmt.Errorf("encoder: end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			e.errors.Add(1)
			slog.Error("encoder: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames", e.frameCount.Load(),
				"reconnects", e.reconnectState.Reconnects.Load(),
			)
			return fmt.Errorf("encoder: pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("encoder: pipeline state changed", "from", old, "to", next)
				if next == gst.StatePlaying {
					e.connected.Store(true)
					reconnect.Reset(&e.reconnectState)
					slog.Info("encoder: pipeline playing")
				}
			}
		}
	}
}

// onNewSample runs on the GStreamer streaming thread. It copies the access
// unit, stamps it with its capture time from the buffer PTS and hands it
// off without blocking.
func (e *GstEncoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	now := e.clock.Now()

	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("encoder: failed to pull sample, skipping")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("encoder: sample without buffer, skipping")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	key := !buffer.HasFlags(gst.BufferFlagDeltaUnit)
	frame := types.Frame{
		Seq:       e.frameCount.Add(1),
		Timestamp: e.stamper.Stamp(now, time.Duration(buffer.PresentationTimestamp())),
		SyncPoint: key,
		Data:      payload,
		TraceID:   uuid.New().String(),
	}
	if key {
		e.keyframes.Add(1)
	}
	e.bytesRead.Add(uint64(len(payload)))
	e.lastFrameAt.Store(time.Now().UnixNano())

	select {
	case e.frames <- frame:
	default:
		e.dropped.Add(1)
		slog.Warn("encoder: frame channel full, dropping frame",
			"seq", frame.Seq,
			"keyframe", key,
			"action", "frame bus is not keeping up")
	}
	return gst.FlowOK
}

// Frames returns the frame channel. It is closed when the encoder stops.
func (e *GstEncoder) Frames() <-chan types.Frame {
	return e.frames
}

// Stop stops the pipeline and waits for it to exit
func (e *GstEncoder) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("encoder: not started")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("encoder: stopped",
			"frames", e.frameCount.Load(),
			"keyframes", e.keyframes.Load(),
			"reconnects", e.reconnectState.Reconnects.Load(),
			"uptime", time.Since(e.started))
	case <-time.After(3 * time.Second):
		slog.Warn("encoder: stop timeout, pipeline may still be running",
			"frames", e.frameCount.Load())
	}
	return nil
}

// Stats returns encoder statistics
func (e *GstEncoder) Stats() types.EncoderStats {
	frames := e.frameCount.Load()
	uptime := time.Since(e.started).Seconds()

	var fps float64
	if uptime > 0 {
		fps = float64(frames) / uptime
	}
	var latency int64
	if last := e.lastFrameAt.Load(); last > 0 {
		latency = time.Since(time.Unix(0, last)).Milliseconds()
	}

	return types.EncoderStats{
		FrameCount:  frames,
		Keyframes:   e.keyframes.Load(),
		FPSTarget:   e.cfg.FPS,
		FPSReal:     fps,
		LatencyMS:   latency,
		Resolution:  fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height),
		Reconnects:  e.reconnectState.Reconnects.Load(),
		BytesRead:   e.bytesRead.Load(),
		IsConnected: e.connected.Load(),
		Errors:      e.errors.Load() + e.dropped.Load(),
	}
}
