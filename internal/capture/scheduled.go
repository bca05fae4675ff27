package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// Window is a recording window in seconds of the day. Stop before Start
// means the window crosses midnight; Start equal to Stop covers the full day.
type Window struct {
	Start int
	Stop  int
}

// ParseWindow parses "HH:MM[:SS]" start and stop strings
func ParseWindow(start, stop string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(stop)
	if err != nil {
		return Window{}, fmt.Errorf("window stop: %w", err)
	}
	return Window{Start: s, Stop: e}, nil
}

func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q (expected HH:MM or HH:MM:SS)", v)
	}
	limits := []int{24, 60, 60}
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", v)
		}
		total = total*60 + n
	}
	if len(parts) == 2 {
		total *= 60
	}
	return total, nil
}

// Contains reports whether the second of day falls inside the window
func (w Window) Contains(sod int) bool {
	switch {
	case w.Start == w.Stop:
		return true
	case w.Start < w.Stop:
		return sod >= w.Start && sod < w.Stop
	default:
		return sod >= w.Start || sod < w.Stop
	}
}

// SegmentSink is the writer side of continuous recording
type SegmentSink interface {
	Begin(t SegmentTarget)
	End()
	TakeResults() []SegmentResult
}

// ScheduledConfig configures the scheduled-continuous machine
type ScheduledConfig struct {
	Windows     []Window
	SplitPeriod time.Duration
	MinSegment  time.Duration
	// EmptyGrace is how long a segment without events is held back before
	// it is deleted; an event inside the grace keeps it
	EmptyGrace time.Duration
	Layout     Layout
}

type segment struct {
	target      SegmentTarget
	startWall   float64
	startDevice int64
	splitAt     int64
	events      []types.TriggerEvent

	closedDevice int64
	reason       string
	empty    bool
	result   *SegmentResult
}

// ScheduledStats contains machine statistics
type ScheduledStats struct {
	Segments  uint64
	Published uint64
	Deleted   uint64
	Gaps      uint64
	Failures  uint64
	Events    uint64
}

// Scheduled records continuously inside the schedule windows
type Scheduled struct {
	cfg    ScheduledConfig
	tb     *timebase.TimeBase
	writer SegmentSink
	notify Notifier

	mu        sync.Mutex
	on        bool
	current   *segment
	closed    []*segment
	lastEvent int64
	hasEvent  bool
	stats     ScheduledStats
}

// NewScheduled creates a scheduled machine driving writer
func NewScheduled(cfg ScheduledConfig, writer SegmentSink, notify Notifier) (*Scheduled, error) {
	if cfg.SplitPeriod <= 0 {
		return nil, fmt.Errorf("capture: split period must be > 0")
	}
	if cfg.MinSegment < 0 || cfg.EmptyGrace < 0 {
		return nil, fmt.Errorf("capture: min segment and empty grace must be >= 0")
	}
	if cfg.Layout.TimeBase == nil {
		return nil, fmt.Errorf("capture: layout needs a time base")
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Scheduled{
		cfg:    cfg,
		tb:     cfg.Layout.TimeBase,
		writer: writer,
		notify: notify,
	}, nil
}

// SetSchedule replaces the windows and the empty-segment grace
func (m *Scheduled) SetSchedule(windows []Window, grace time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Windows = append([]Window(nil), windows...)
	if grace >= 0 {
		m.cfg.EmptyGrace = grace
	}
	slog.Info("capture: schedule updated", "windows", len(windows), "empty_grace", m.cfg.EmptyGrace)
}

// HandleEvent logs a trigger edge into the open segment
func (m *Scheduled) HandleEvent(ev types.TriggerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Events++
	m.lastEvent = ev.Device
	m.hasEvent = true
	if m.current != nil {
		m.current.events = append(m.current.events, ev)
	}
	return nil
}

// Tick starts, splits and stops segments and resolves closed ones. Window
// membership follows wall time; split and grace timers follow the device
// clock so a time sync cannot cut them short.
func (m *Scheduled) Tick(now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step(now, m.tb.Epoch())
}

func (m *Scheduled) step(now int64, wall float64) error {
	var errs []error
	inWindow := m.inWindow(wall)

	switch {
	case !m.on && inWindow:
		m.on = true
		slog.Info("capture: schedule window opened, recording continuously")
		m.start(now, wall)
	case m.on && !inWindow:
		m.on = false
		errs = append(errs, m.closeCurrent(now, ReasonSchedule))
		m.writer.End()
		slog.Info("capture: schedule window closed, recording stopped")
	case m.on && now >= m.current.splitAt:
		errs = append(errs, m.closeCurrent(now, ReasonSplit))
		m.start(now, wall)
	}

	m.collect()
	errs = append(errs, m.resolve(now, false))
	return errors.Join(errs...)
}

func (m *Scheduled) inWindow(wall float64) bool {
	sod := m.tb.SecondOfDay(wall)
	for _, w := range m.cfg.Windows {
		if w.Contains(sod) {
			return true
		}
	}
	return false
}

// nextSplit returns the next wall-clock multiple of the split period at
// least MinSegment after start. The split itself is timed on the device clock.
func (m *Scheduled) nextSplit(start float64) float64 {
	period := m.cfg.SplitPeriod.Seconds()
	next := math.Floor(start/period)*period + period
	if next-start < m.cfg.MinSegment.Seconds() {
		next += period
	}
	return next
}

func (m *Scheduled) start(now int64, wall float64) {
	next := m.nextSplit(wall)
	s := &segment{
		target: SegmentTarget{
			ID:    uuid.New().String(),
			Paths: m.cfg.Layout.Reserve(wall),
		},
		startWall:   wall,
		startDevice: now,
		splitAt:     now + int64(math.Round((next-wall)*1e6)),
	}
	m.current = s
	m.stats.Segments++
	m.writer.Begin(s.target)

	slog.Debug("capture: segment started",
		"segment_id", s.target.ID,
		"media", s.target.Paths.Media,
		"next_split", next,
	)
}

// closeCurrent writes the event log of the open segment under its
// temporary name and moves the segment to the closed list
func (m *Scheduled) closeCurrent(now int64, reason string) error {
	s := m.current
	m.current = nil
	if s == nil {
		return nil
	}
	s.closedDevice = now
	s.reason = reason
	grace := timebase.Micros(m.cfg.EmptyGrace)
	s.empty = len(s.events) == 0 && (!m.hasEvent || m.lastEvent < s.startDevice-grace)

	f, err := atomicfile.Create(s.target.Paths.Events)
	if err == nil {
		_, err = f.Write(eventLog(m.cfg.Layout.Header, s.events))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	m.closed = append(m.closed, s)
	if err != nil {
		return fmt.Errorf("capture: segment %s event log: %w", s.target.ID, err)
	}
	return nil
}

// collect attaches writer results to closed segments. The writer only
// reports a segment after the machine has closed it.
func (m *Scheduled) collect() {
	for _, r := range m.writer.TakeResults() {
		r := r
		matched := false
		for _, s := range m.closed {
			if s.target.ID == r.ID {
				s.result = &r
				matched = true
				break
			}
		}
		if !matched {
			slog.Warn("capture: writer result for unknown segment", "segment_id", r.ID)
		}
	}
}

// resolve publishes or deletes closed segments. With final set, segments
// still inside their grace are published instead of waiting.
func (m *Scheduled) resolve(now int64, final bool) error {
	var errs []error
	grace := timebase.Micros(m.cfg.EmptyGrace)
	keep := m.closed[:0]

	for _, s := range m.closed {
		if s.result == nil {
			keep = append(keep, s)
			continue
		}

		r := Report{
			SessionID:   s.target.ID,
			Mode:        "continuous",
			Reason:      s.reason,
			Media:       s.target.Paths.Media,
			Frames:      s.target.Paths.Frames,
			Events:      s.target.Paths.Events,
			StartDevice: s.result.FirstTS,
			StopDevice:  s.result.LastTS,
			StartWall:   s.startWall,
			EventCount:  len(s.events),
			FrameCount:  s.result.Frames,
			Bytes:       s.result.Bytes,
		}

		late := m.hasEvent && m.lastEvent >= s.closedDevice
		switch {
		case s.result.Frames == 0 && len(s.events) > 0:
			slog.Warn("capture: segment captured no frames, keeping its events as a gap",
				"segment_id", s.target.ID,
				"events", len(s.events),
				"action", "check encoder output")
			errs = append(errs, removeTemp(s.target.Paths.Media, s.target.Paths.Frames))
			if err := publishAll(s.target.Paths); err != nil {
				errs = append(errs, err)
				r.Error = err.Error()
			}
			r.Gap = true
			r.Media, r.Frames = "", ""
			m.stats.Gaps++
		case s.result.Frames == 0:
			slog.Warn("capture: segment captured no frames, discarding",
				"segment_id", s.target.ID,
				"action", "check encoder output")
			errs = append(errs, removeAll(s.target.Paths))
			r.Deleted = true
			r.Media, r.Frames = "", ""
			m.stats.Deleted++
		case s.empty && !final && !late && now-s.closedDevice < grace:
			keep = append(keep, s)
			continue
		case s.empty && !final && !late:
			errs = append(errs, removeAll(s.target.Paths))
			r.Deleted = true
			m.stats.Deleted++
			slog.Debug("capture: empty segment deleted after grace", "segment_id", s.target.ID)
		default:
			if err := publishAll(s.target.Paths); err != nil {
				errs = append(errs, err)
				r.Error = err.Error()
				m.stats.Failures++
			} else {
				m.stats.Published++
			}
		}

		if s.result.Err != nil {
			r.Error = s.result.Err.Error()
			m.stats.Failures++
		}
		m.notify.OnCapture(r)
	}
	m.closed = keep
	return errors.Join(errs...)
}

// FinalizeNow splits the current segment immediately
func (m *Scheduled) FinalizeNow(now int64, wall float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.on {
		return nil
	}
	err := m.closeCurrent(now, ReasonForced)
	m.start(now, wall)
	return err
}

// Close ends recording and publishes every closed segment, including empty
// ones whose grace has not elapsed
func (m *Scheduled) Close(now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.on {
		m.on = false
		errs = append(errs, m.closeCurrent(now, ReasonShutdown))
	}
	m.writer.End()
	m.collect()
	errs = append(errs, m.resolve(now, true))
	return errors.Join(errs...)
}

// Pending returns the number of closed segments awaiting publication
func (m *Scheduled) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.closed)
}

// Stats returns machine statistics
func (m *Scheduled) Stats() ScheduledStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status returns a snapshot for status reporting
func (m *Scheduled) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Mode:     "continuous",
		State:    "off",
		Sessions: m.stats.Published,
		Pending:  len(m.closed),
		Gaps:     m.stats.Gaps + m.stats.Deleted,
		Failures: m.stats.Failures,
	}
	if m.on {
		st.State = "on"
	}
	if m.current != nil {
		st.SessionID = m.current.target.ID
		st.SessionStart = m.current.startWall
		st.SessionEvents = len(m.current.events)
	}
	return st
}
