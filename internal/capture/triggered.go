package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/ringbuf"
	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// State of the triggered machine
type State int

const (
	StateIdle State = iota
	StateRecording
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// TriggeredConfig configures the triggered machine
type TriggeredConfig struct {
	// PreRoll is saved before the activating edge
	PreRoll time.Duration
	// MaxActive (T1) bounds how long the input may stay active before the
	// session is cut and a continuation session begins
	MaxActive time.Duration
	// Inactivity (T2) is how long the input must stay inactive before the
	// session is finalized
	Inactivity time.Duration
	// Settle delays extraction of a closed session so the ring holds frames
	// up to its stop time. It never moves the stop time itself.
	Settle time.Duration
	Layout Layout
}

// session is an open triggered capture
type session struct {
	id          string
	paths       Paths
	startDevice int64
	startWall   float64
	extractFrom int64
	events      []types.TriggerEvent

	// set when the session is closed and waiting for its settle delay
	stop   int64
	reason string
}

// TriggeredStats contains machine statistics
type TriggeredStats struct {
	Sessions      uint64
	Gaps          uint64
	Continuations uint64
	Failures      uint64
	Events        uint64
}

// Status is a snapshot of the machine for status reporting
type Status struct {
	Mode          string  `json:"mode"`
	State         string  `json:"state"`
	SessionID     string  `json:"session_id,omitempty"`
	SessionStart  float64 `json:"session_start,omitempty"`
	SessionEvents int     `json:"session_events"`
	Pending       int     `json:"pending"`
	Sessions      uint64  `json:"sessions"`
	Gaps          uint64  `json:"gaps"`
	Failures      uint64  `json:"failures"`
}

// Triggered saves a ring window around each activation of the trigger input
type Triggered struct {
	cfg    TriggeredConfig
	buf    Extractor
	notify Notifier

	mu       sync.Mutex
	state    State
	level    int
	lastEdge int64
	lastWall float64
	current  *session
	pending  []*session
	stats    TriggeredStats
}

// NewTriggered creates a triggered machine reading frames from buf
func NewTriggered(cfg TriggeredConfig, buf Extractor, notify Notifier) (*Triggered, error) {
	if cfg.MaxActive <= 0 {
		return nil, fmt.Errorf("capture: max active duration must be > 0")
	}
	if cfg.Inactivity <= 0 {
		return nil, fmt.Errorf("capture: inactivity duration must be > 0")
	}
	if cfg.PreRoll < 0 || cfg.Settle < 0 {
		return nil, fmt.Errorf("capture: pre-roll and settle must be >= 0")
	}
	if cfg.Layout.TimeBase == nil {
		return nil, fmt.Errorf("capture: layout needs a time base")
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Triggered{cfg: cfg, buf: buf, notify: notify}, nil
}

// HandleEvent applies one trigger edge. Timers that expired before the edge
// are evaluated first.
func (m *Triggered) HandleEvent(ev types.TriggerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.tick(ev.Device)
	m.level = ev.Level
	m.stats.Events++

	switch m.state {
	case StateIdle:
		if ev.Level != 1 {
			slog.Debug("capture: inactive edge while idle ignored", "device_us", ev.Device)
			return err
		}
		m.open(ev.Device, ev.Wall, m.cfg.PreRoll)
		m.state = StateRecording
	case StateRecording:
		if ev.Level == 0 {
			m.state = StateDraining
		}
	case StateDraining:
		if ev.Level == 1 {
			m.state = StateRecording
		}
	}

	m.current.events = append(m.current.events, ev)
	m.lastEdge = ev.Device
	m.lastWall = ev.Wall

	slog.Debug("capture: edge applied",
		"level", ev.Level,
		"device_us", ev.Device,
		"state", m.state.String(),
		"session_id", m.current.id,
	)
	return err
}

// Tick evaluates the T1 and T2 timers against the device clock
func (m *Triggered) Tick(now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick(now)
}

func (m *Triggered) tick(now int64) error {
	t1 := timebase.Micros(m.cfg.MaxActive)
	t2 := timebase.Micros(m.cfg.Inactivity)

	for m.state == StateRecording && now-m.lastEdge >= t1 {
		boundary := m.lastEdge + t1
		wall := m.lastWall + float64(t1)/1e6
		m.closeSession(boundary, ReasonMaxActive)
		m.continueAt(boundary, wall)
	}

	if m.state == StateDraining && now-m.lastEdge >= t2 {
		m.closeSession(m.lastEdge+t2, ReasonInactivity)
		m.state = StateIdle
	}

	return m.flush(now, false)
}

// closeSession ends the open session at stop. Extraction waits in pending
// until the settle delay after stop has passed.
func (m *Triggered) closeSession(stop int64, reason string) {
	s := m.current
	m.current = nil
	if s == nil {
		return
	}
	s.stop = stop
	s.reason = reason
	m.pending = append(m.pending, s)

	slog.Debug("capture: session closed, waiting to settle",
		"session_id", s.id,
		"reason", reason,
		"stop_us", stop,
	)
}

// flush finalizes pending sessions whose settle delay has passed, or all of
// them when all is set. Sessions are finalized in close order.
func (m *Triggered) flush(now int64, all bool) error {
	settle := timebase.Micros(m.cfg.Settle)

	var errs []error
	n := 0
	for _, s := range m.pending {
		if !all && now-s.stop < settle {
			break
		}
		errs = append(errs, m.finalize(s))
		n++
	}
	m.pending = m.pending[n:]
	return errors.Join(errs...)
}

// continueAt opens a session at boundary while the input is still active
func (m *Triggered) continueAt(boundary int64, wall float64) {
	m.open(boundary, wall, 0)
	ev := types.TriggerEvent{Level: 1, Device: boundary, Wall: wall}
	m.current.events = append(m.current.events, ev)
	m.lastEdge = boundary
	m.lastWall = wall
	m.state = StateRecording
	m.stats.Continuations++

	slog.Info("capture: input still active, continuation session started",
		"session_id", m.current.id,
		"device_us", boundary,
	)
}

func (m *Triggered) open(device int64, wall float64, preRoll time.Duration) {
	m.current = &session{
		id:          uuid.New().String(),
		paths:       m.cfg.Layout.Reserve(wall),
		startDevice: device,
		startWall:   wall,
		extractFrom: device - timebase.Micros(preRoll),
	}
	slog.Info("capture: session opened",
		"session_id", m.current.id,
		"start_device_us", device,
		"extract_from_us", m.current.extractFrom,
		"media", m.current.paths.Media,
	)
}

// finalize extracts a closed session's window and writes its output triad
func (m *Triggered) finalize(s *session) error {
	stop, reason := s.stop, s.reason
	r := Report{
		SessionID:   s.id,
		Mode:        "triggered",
		Reason:      reason,
		Events:      s.paths.Events,
		StartDevice: s.extractFrom,
		StopDevice:  stop,
		StartWall:   s.startWall,
		EventCount:  len(s.events),
	}

	res, err := m.extract(s, stop)
	switch {
	case err == nil:
		r.Media = s.paths.Media
		r.Frames = s.paths.Frames
		r.FrameCount = res.Frames
		r.Bytes = res.Bytes
		m.stats.Sessions++
	case errors.Is(err, ringbuf.ErrNoSyncPoint) || errors.Is(err, ringbuf.ErrEmptyWindow):
		r.Gap = true
		r.Error = err.Error()
		m.stats.Gaps++
		slog.Warn("capture: session window not in ring, recorded as gap",
			"session_id", s.id,
			"extract_from_us", s.extractFrom,
			"stop_us", stop,
			"error", err,
			"action", "increase ring size or check encoder keyframe interval")
	default:
		r.Error = err.Error()
		m.stats.Failures++
		slog.Error("capture: session extraction failed",
			"session_id", s.id,
			"error", err)
	}

	if werr := atomicfile.WriteFile(s.paths.Events, eventLog(m.cfg.Layout.Header, s.events)); werr != nil {
		err = errors.Join(err, werr)
		r.Error = err.Error()
		slog.Error("capture: event log write failed", "session_id", s.id, "error", werr)
	}

	slog.Info("capture: session finalized",
		"session_id", s.id,
		"reason", reason,
		"frames", r.FrameCount,
		"bytes", r.Bytes,
		"events", r.EventCount,
		"gap", r.Gap,
	)
	m.notify.OnCapture(r)

	if r.Gap {
		return nil
	}
	return err
}

func (m *Triggered) extract(s *session, stop int64) (ringbuf.ExtractResult, error) {
	media, err := atomicfile.Create(s.paths.Media)
	if err != nil {
		return ringbuf.ExtractResult{}, err
	}
	index, err := atomicfile.Create(s.paths.Frames)
	if err != nil {
		_ = media.Abort()
		return ringbuf.ExtractResult{}, err
	}

	res, err := m.buf.Extract(s.extractFrom, stop, media, index)
	if err != nil {
		_ = media.Abort()
		_ = index.Abort()
		return res, err
	}

	if err := media.Commit(); err != nil {
		_ = index.Abort()
		return res, err
	}
	if err := index.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// FinalizeNow cuts the open session at now. If the input is still active a
// continuation session starts at now.
func (m *Triggered) FinalizeNow(now int64, wall float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.tick(now)
	if m.state == StateIdle {
		return err
	}
	m.closeSession(now, ReasonForced)
	if m.level == 1 {
		m.continueAt(now, wall)
	} else {
		m.state = StateIdle
	}
	return errors.Join(err, m.flush(now, false))
}

// Close ends any open session and finalizes every pending one without
// waiting for the settle delay. A draining session stops at its T2 boundary
// when that has already passed.
func (m *Triggered) Close(now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.tick(now)
	if m.state != StateIdle {
		m.closeSession(now, ReasonShutdown)
		m.state = StateIdle
	}
	return errors.Join(err, m.flush(now, true))
}

// State returns the current state
func (m *Triggered) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns machine statistics
func (m *Triggered) Stats() TriggeredStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status returns a snapshot for status reporting
func (m *Triggered) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Mode:     "triggered",
		State:    m.state.String(),
		Pending:  len(m.pending),
		Sessions: m.stats.Sessions,
		Gaps:     m.stats.Gaps,
		Failures: m.stats.Failures,
	}
	if m.current != nil {
		st.SessionID = m.current.id
		st.SessionStart = m.current.startWall
		st.SessionEvents = len(m.current.events)
	}
	return st
}
