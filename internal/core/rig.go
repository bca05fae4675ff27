// Package core wires the capture engine, the controller ingest and the
// operator surfaces into one service.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/e7canasta/rigcap/internal/capture"
	"github.com/e7canasta/rigcap/internal/config"
	"github.com/e7canasta/rigcap/internal/control"
	"github.com/e7canasta/rigcap/internal/datalog"
	"github.com/e7canasta/rigcap/internal/emitter"
	"github.com/e7canasta/rigcap/internal/encoder"
	"github.com/e7canasta/rigcap/internal/framebus"
	"github.com/e7canasta/rigcap/internal/recovery"
	"github.com/e7canasta/rigcap/internal/ringbuf"
	"github.com/e7canasta/rigcap/internal/serialio"
	"github.com/e7canasta/rigcap/internal/storage"
	"github.com/e7canasta/rigcap/internal/telemetry"
	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/trigger"
)

// Output folders under the output root
const (
	VideoPrefix  = "Video-"
	DataPrefix   = "Data-"
	AnalogPrefix = "Analog-"
)

// Rig is the main service orchestrator
type Rig struct {
	cfg     *config.Config
	cfgPath string
	tb      *timebase.TimeBase
	clock   *timebase.MonotonicClock

	// Core components
	encoder   FrameSource
	ring      *ringbuf.Buffer
	frameBus  *framebus.Bus
	segments  *capture.SegmentWriter
	triggers  *trigger.Bus
	gpio      *trigger.GPIOInput
	machine   capture.Machine
	scheduled *capture.Scheduled
	ingest    *ingest
	disk      *storage.Monitor
	emitter   *emitter.MQTTEmitter

	controlHandler *control.Handler
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	encoderUp bool
	streaming bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// NewRig loads the configuration at configPath and creates the service
func NewRig(configPath string) (*Rig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"subject", cfg.Subject,
		"mode", cfg.Mode,
	)

	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.cfgPath = configPath
	return r, nil
}

// New creates the service from a validated configuration. No device is
// opened until Run.
func New(cfg *config.Config) (*Rig, error) {
	offset, err := cfg.Offset(timebase.LocalOffset())
	if err != nil {
		return nil, fmt.Errorf("invalid utc_offset %q: %w", cfg.UTCOffset, err)
	}

	r := &Rig{
		cfg:      cfg,
		tb:       timebase.New(offset),
		clock:    timebase.NewMonotonicClock(),
		frameBus: framebus.New(),
		emitter:  emitter.NewMQTTEmitter(cfg),
	}
	r.triggers = trigger.NewBus(r.clock, r.tb)

	encCfg := r.encoderConfig()
	if cfg.Encoder.Source == "mock" {
		r.encoder = encoder.NewMockEncoder(encCfg, r.clock)
		slog.Info("using mock encoder", "fps", encCfg.FPS)
	} else {
		gst, err := encoder.NewGstEncoder(encCfg, r.clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
		r.encoder = gst
	}

	if err := r.initializeCapture(encCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize capture: %w", err)
	}

	r.disk = storage.NewMonitor(storage.Config{
		Path:         cfg.OutputRoot,
		ThresholdPct: cfg.Storage.ThresholdPct,
		Interval:     cfg.Storage.CheckInterval,
		Cooldown:     cfg.Storage.Cooldown,
	}, r.onStorageAlert)

	return r, nil
}

func (r *Rig) encoderConfig() encoder.Config {
	e := r.cfg.Encoder
	return encoder.Config{
		Source:           e.Source,
		Device:           e.Device,
		Width:            e.Width,
		Height:           e.Height,
		FPS:              e.FPS,
		BitrateKbps:      e.BitrateKbps,
		KeyframeInterval: e.KeyframeInterval,
		Codec:            e.Codec,
		Pipeline:         e.Pipeline,
		Rotation:         e.Rotation,
	}
}

// initializeCapture creates the capture machine and registers its frame
// sinks
func (r *Rig) initializeCapture(encCfg encoder.Config) error {
	layout := capture.Layout{
		Root:     r.folder(VideoPrefix),
		FPS:      encCfg.FPS,
		Ext:      r.cfg.Encoder.Ext,
		Header:   encCfg.Header(),
		TimeBase: r.tb,
	}
	notify := capture.NotifierFunc(r.onCapture)

	switch r.cfg.Mode {
	case config.ModeScheduled:
		windows, err := config.Windows(r.cfg.Scheduled.Windows)
		if err != nil {
			return err
		}
		r.segments = capture.NewSegmentWriter(r.cfg.Scheduled.Queue)
		m, err := capture.NewScheduled(capture.ScheduledConfig{
			Windows:     windows,
			SplitPeriod: r.cfg.Scheduled.SplitPeriod,
			MinSegment:  r.cfg.Scheduled.MinSegment,
			EmptyGrace:  r.cfg.Scheduled.EmptyGrace,
			Layout:      layout,
		}, r.segments, notify)
		if err != nil {
			return err
		}
		r.frameBus.Register(r.segments)
		r.scheduled = m
		r.machine = m

	default:
		ring, err := ringbuf.New(r.cfg.Ring.CapacityMB<<20, r.cfg.Ring.MaxFrames)
		if err != nil {
			return err
		}
		m, err := capture.NewTriggered(capture.TriggeredConfig{
			PreRoll:    r.cfg.Triggered.PreRoll,
			MaxActive:  r.cfg.Triggered.MaxActive,
			Inactivity: r.cfg.Triggered.Inactivity,
			Settle:     r.cfg.Triggered.Settle,
			Layout:     layout,
		}, ring, notify)
		if err != nil {
			return err
		}
		r.ring = ring
		r.frameBus.Register(ringbuf.NewSink(ring))
		r.machine = m
	}

	slog.Info("capture initialized",
		"mode", r.cfg.Mode,
		"video_root", layout.Root,
		"sinks", r.frameBus.Stats().SinksCount,
	)
	return nil
}

// folder returns <output root>/<prefix><subject>
func (r *Rig) folder(prefix string) string {
	return filepath.Join(r.cfg.OutputRoot, prefix+r.cfg.Subject)
}

// openIngest opens the session log and the analog recorder for the
// configured ports
func (r *Rig) openIngest() error {
	var (
		log *datalog.Log
		rec *telemetry.Recorder
		err error
	)
	if r.cfg.Serial.Data.Device != "" {
		log, err = datalog.Open(datalog.Config{
			Dir:         r.folder(DataPrefix),
			Subject:     r.cfg.Subject,
			RotateEvery: r.cfg.DataLog.RotateEvery,
			Compress:    r.cfg.DataLog.Compress,
			TimeBase:    r.tb,
		})
		if err != nil {
			return err
		}
	}
	if r.cfg.Serial.Analog.Device != "" {
		queue := telemetry.NewPublishQueue(r.cfg.Telemetry.QueueCapacity, r.cfg.Telemetry.PairTimeout)
		rec, err = telemetry.NewRecorder(telemetry.RecorderConfig{
			Root:       r.folder(AnalogPrefix),
			WindowSize: r.cfg.Telemetry.WindowSize,
			TimeBase:   r.tb,
		}, queue)
		if err != nil {
			if log != nil {
				_, _ = log.Close()
			}
			return err
		}
	}

	r.ingest = newIngest(r.cfg, r.tb, log, rec, r.emitter)
	return nil
}

// Run starts the service and blocks until ctx is cancelled
func (r *Rig) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	r.isRunning = true
	r.started = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancelCtx = cancel
	r.mu.Unlock()

	slog.Info("rigcap service starting",
		"instance_id", r.cfg.InstanceID,
		"subject", r.cfg.Subject,
	)

	// Leftovers of an earlier crash never carry a final name
	moved, err := recovery.Quarantine(r.cfg.OutputRoot)
	if err != nil {
		slog.Warn("crash recovery incomplete",
			"error", err,
			"action", "inspect output root for *.partial files")
	}
	for _, m := range moved {
		slog.Warn("partial file quarantined", "from", m.From, "to", m.To)
	}

	// Connect MQTT emitter before anything can raise an alert
	if r.emitter.Enabled() {
		if err := r.emitter.Connect(ctx); err != nil {
			slog.Warn("mqtt unavailable, continuing without control plane",
				"error", err,
				"action", "check broker address in mqtt.broker")
		} else {
			r.startControlPlane(ctx)
		}
	}

	if err := r.encoder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}
	r.mu.Lock()
	r.streaming = true
	r.encoderUp = true
	r.mu.Unlock()

	if r.segments != nil {
		r.segments.Start(ctx)
	}

	// Edges queue on the bus until the capture loop starts
	gpio, err := trigger.OpenGPIO(r.cfg.Trigger.Chip, r.cfg.Trigger.Line, r.cfg.Trigger.Debounce, r.triggers)
	if err != nil {
		slog.Error("trigger input unavailable, captures need finalize_now",
			"chip", r.cfg.Trigger.Chip,
			"line", r.cfg.Trigger.Line,
			"error", err,
			"action", "check trigger.chip and trigger.line")
	} else {
		r.gpio = gpio
	}

	// Warm-up feeds the sinks while measuring the real cadence
	if d := r.cfg.Encoder.Warmup; d > 0 {
		stats, err := encoder.Warmup(ctx, r.encoder.Frames(), d, r.frameBus.Distribute)
		if err != nil {
			slog.Warn("encoder warm-up failed, continuing without cadence stats", "error", err)
		} else if r.ring != nil && !stats.CheckPreRoll(r.cfg.Triggered.PreRoll) {
			r.publishAlert(emitter.Alert{
				Kind:    emitter.AlertEncoder,
				Message: fmt.Sprintf("keyframe gap %s exceeds pre-roll %s", stats.MaxKeyframeGap, r.cfg.Triggered.PreRoll),
			})
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.frameBus.Run(ctx, r.encoder.Frames())
		r.setEncoderUp(false)
	}()

	// Capture loop
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := capture.Run(ctx, r.triggers, r.clock, r.machine, r.cfg.Trigger.Poll); err != nil {
			slog.Error("capture loop failed", "error", err)
			cancel()
		}
	}()

	if err := r.openIngest(); err != nil {
		cancel()
		r.wg.Wait()
		return fmt.Errorf("failed to open session: %w", err)
	}
	r.startIngest(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.disk.Run(ctx)
	}()

	if r.cfgPath != "" {
		r.startWatcher(ctx)
	}

	// Periodic stats logging
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.frameBus.StartStatsLogger(ctx, 10*time.Second)
	}()
	go func() {
		defer r.wg.Done()
		r.triggers.LogStats(ctx, time.Minute)
	}()

	slog.Info("rigcap service running",
		"mode", r.cfg.Mode,
		"data_port", r.cfg.Serial.Data.Device,
		"analog_port", r.cfg.Serial.Analog.Device,
		"mqtt", r.emitter.IsConnected(),
	)

	<-ctx.Done()

	slog.Info("rigcap service run loop exiting")
	return nil
}

func (r *Rig) startControlPlane(ctx context.Context) {
	r.controlHandler = control.NewHandler(r.cfg, r.emitter.Client, control.CommandCallbacks{
		OnGetStatus:   r.GetStatus,
		OnFinalizeNow: r.finalizeNow,
		OnRotateLog:   r.rotateLog,
		OnShutdown:    r.shutdownViaControl,
	})
	if err := r.controlHandler.Start(ctx); err != nil {
		slog.Warn("control plane unavailable", "error", err)
		r.controlHandler = nil
	}
}

func (r *Rig) startIngest(ctx context.Context) {
	ports := []struct {
		name     string
		port     config.PortConfig
		sync     bool
		classify serialio.Classifier
		handle   func(serialio.Record)
	}{
		{"data", r.cfg.Serial.Data, true, serialio.Classify, r.ingest.handleData},
		{"analog", r.cfg.Serial.Analog, false, serialio.ClassifyAnalog, r.ingest.handleAnalog},
	}
	for _, p := range ports {
		if p.port.Device == "" {
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.ingest.runPort(ctx, p.name, p.port, p.sync, p.classify, p.handle); err != nil {
				slog.Error("serial port stopped", "port", p.name, "error", err)
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ingest.run(ctx, time.Second)
	}()
}

func (r *Rig) startWatcher(ctx context.Context) {
	w, err := config.NewWatcher(r.cfgPath, r.applyConfig)
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := w.Start(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()
}

// Shutdown performs graceful shutdown of all components. The capture loop
// finalizes its open capture when the run context ends.
func (r *Rig) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancelCtx
	server := r.server
	streaming := r.streaming
	r.mu.Unlock()

	slog.Info("shutting down rigcap service")
	if cancel != nil {
		cancel()
	}

	var errs []error

	// 1. Stop the trigger input
	if r.gpio != nil {
		if err := r.gpio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gpio: %w", err))
		}
	}

	// 2. Wait for the capture loop, ports and loggers
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("goroutines still running: %w", ctx.Err()))
	}

	// 3. Stop the encoder and flush the segment writer
	if streaming {
		if err := r.encoder.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("encoder: %w", err))
		}
	}
	if r.segments != nil {
		r.segments.Wait()
	}

	// 4. Publish the session and analog files
	if r.ingest != nil {
		if err := r.ingest.close(); err != nil {
			errs = append(errs, fmt.Errorf("ingest: %w", err))
		}
	}

	// 5. Stop control plane and status server
	if r.controlHandler != nil {
		if err := r.controlHandler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("status server: %w", err))
		}
	}

	// 6. Disconnect MQTT
	if err := r.emitter.Disconnect(); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	uptime := time.Since(r.started)
	r.isRunning = false
	r.mu.Unlock()

	slog.Info("rigcap service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// onCapture logs a capture report and forwards it to MQTT
func (r *Rig) onCapture(rep capture.Report) {
	switch {
	case rep.Gap:
		slog.Warn("capture gap",
			"session_id", rep.SessionID,
			"reason", rep.Reason,
			"error", rep.Error,
			"action", "raise ring.capacity_mb or lower pre_roll")
	case rep.Deleted:
		slog.Info("capture deleted", "session_id", rep.SessionID, "reason", rep.Reason)
	default:
		slog.Info("capture published",
			"session_id", rep.SessionID,
			"media", rep.Media,
			"frame_count", rep.FrameCount,
			"reason", rep.Reason)
	}
	r.emitter.OnCapture(rep)
}

func (r *Rig) onStorageAlert(a storage.Alert) {
	r.publishAlert(emitter.Alert{
		Kind:    emitter.AlertStorage,
		Message: a.Message(),
		Data: map[string]interface{}{
			"path":          a.Path,
			"usage_pct":     a.UsagePct,
			"threshold_pct": a.ThresholdPct,
		},
	})
}

func (r *Rig) publishAlert(a emitter.Alert) {
	if err := r.emitter.PublishAlert(a); err != nil && !errors.Is(err, emitter.ErrDisabled) {
		slog.Debug("alert not published", "kind", a.Kind, "error", err)
	}
}

func (r *Rig) setEncoderUp(v bool) {
	r.mu.Lock()
	r.encoderUp = v
	r.mu.Unlock()
}

// Config returns the configuration the service was created with
func (r *Rig) Config() *config.Config {
	return r.cfg
}

// ShutdownTimeout returns the configured graceful shutdown timeout
// Returns default of 5 seconds if not configured
func (r *Rig) ShutdownTimeout() time.Duration {
	timeout := time.Duration(r.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
