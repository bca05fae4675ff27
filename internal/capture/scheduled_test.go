package capture

import (
	"bytes"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// wallClock drives the time base; tests keep the device clock in step
// with it unless a clock jump is simulated
type wallClock struct {
	epoch float64
}

func (w *wallClock) now() time.Time {
	return time.Unix(0, int64(w.epoch*1e9))
}

// tick moves wall and device time to epoch and ticks m
func (w *wallClock) tick(m *Scheduled, epoch float64) error {
	w.epoch = epoch
	return m.Tick(dev(epoch))
}

func dev(epoch float64) int64 {
	return int64(math.Round(epoch * 1e6))
}

func at(level int, epoch float64) types.TriggerEvent {
	return types.TriggerEvent{Level: level, Device: dev(epoch), Wall: epoch}
}

func newTestScheduled(t *testing.T, windows []Window) (*Scheduled, *SegmentWriter, *wallClock, *[]Report) {
	t.Helper()
	clock := &wallClock{}
	layout := testLayout(t)
	layout.TimeBase = timebase.NewWithClock(0, clock.now)

	writer := NewSegmentWriter(16)
	var reports []Report
	m, err := NewScheduled(ScheduledConfig{
		Windows:     windows,
		SplitPeriod: 10 * time.Second,
		MinSegment:  2 * time.Second,
		EmptyGrace:  2100 * time.Millisecond,
		Layout:      layout,
	}, writer, NotifierFunc(func(r Report) { reports = append(reports, r) }))
	if err != nil {
		t.Fatalf("NewScheduled failed: %v", err)
	}
	return m, writer, clock, &reports
}

func frame(ts int64, key bool) types.Frame {
	return types.Frame{Timestamp: ts, SyncPoint: key, Data: []byte{0xAB}}
}

func seqFrame(seq uint64, key bool) types.Frame {
	return types.Frame{Seq: seq, Timestamp: int64(seq) * 1000, SyncPoint: key, Data: []byte{byte(seq)}}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestScheduledSplitPublishAndDeferredDelete(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	// segment A
	clock.tick(m, 100.5)
	w.Write(frame(0, false)) // skipped until a keyframe
	w.Write(frame(100, true))
	w.Write(frame(200, false))
	m.HandleEvent(at(1, 103))

	// split into B at the 110s boundary
	clock.tick(m, 110)
	w.Write(frame(300, false)) // still A until the next keyframe
	w.Write(frame(400, true))  // B starts here
	clock.tick(m, 110.1)

	if len(*reports) != 1 {
		t.Fatalf("Expected A resolved, got %d reports", len(*reports))
	}
	a := (*reports)[0]
	if a.Deleted || a.FrameCount != 3 || a.EventCount != 1 {
		t.Errorf("Unexpected report for A: %+v", a)
	}
	for _, p := range []string{a.Media, a.Frames, a.Events} {
		if !fileExists(p) {
			t.Errorf("Expected published %s", p)
		}
	}

	// B has no events; split into C at 120s
	clock.tick(m, 120)
	w.Write(frame(500, true))
	clock.tick(m, 120.5)

	if len(*reports) != 1 {
		t.Fatalf("Expected B held during grace, got %d reports", len(*reports))
	}
	if m.Pending() != 1 {
		t.Errorf("Expected 1 pending segment, got %d", m.Pending())
	}

	clock.tick(m, 122.2)
	if len(*reports) != 2 {
		t.Fatalf("Expected B resolved after grace, got %d reports", len(*reports))
	}
	b := (*reports)[1]
	if !b.Deleted {
		t.Errorf("Expected empty segment B deleted, got %+v", b)
	}
	for _, p := range []string{b.Media, b.Frames, b.Events} {
		if fileExists(p) || fileExists(p+atomicfile.PartialSuffix) {
			t.Errorf("Expected %s removed", p)
		}
	}
}

func TestScheduledGraceIgnoresWallClockJump(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	clock.epoch = 100
	m.Tick(0)
	w.Write(frame(0, true))

	clock.epoch = 110
	m.Tick(10 * sec)
	w.Write(frame(100, true))

	// a time sync moves the wall clock an hour ahead
	clock.epoch = 3710
	m.Tick(10_100_000)
	if len(*reports) != 0 {
		t.Fatalf("Expected empty segment held 0.1s after close, got %+v", *reports)
	}
	if m.Pending() != 1 {
		t.Errorf("Expected 1 pending segment, got %d", m.Pending())
	}
	if m.Status().State != "on" {
		t.Errorf("Expected recording to continue, got %s", m.Status().State)
	}

	clock.epoch = 3712.1
	m.Tick(12_200_000)
	if len(*reports) != 1 || !(*reports)[0].Deleted {
		t.Fatalf("Expected segment deleted once the grace elapsed on the device clock, got %+v", *reports)
	}
}

func TestScheduledSplitFollowsDeviceClock(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	clock.epoch = 100
	m.Tick(0)
	w.Write(frame(0, true))
	m.HandleEvent(types.TriggerEvent{Level: 1, Device: sec, Wall: 101})

	// wall time passes the 110s boundary, device time does not
	clock.epoch = 115
	m.Tick(5 * sec)
	if len(*reports) != 0 || m.Status().SessionEvents != 1 {
		t.Fatalf("Expected no split before 10s of device time, got %d reports", len(*reports))
	}

	m.Tick(10 * sec)
	w.Write(frame(100, true))
	m.Tick(10_100_000)
	if len(*reports) != 1 || (*reports)[0].Reason != ReasonSplit {
		t.Fatalf("Expected split at 10s of device time, got %+v", *reports)
	}
}

func TestScheduledFramelessSegmentKeepsEvents(t *testing.T) {
	m, _, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	// no keyframe arrives before the next split, so A never gets a file
	clock.tick(m, 100)
	m.HandleEvent(at(1, 101))
	m.HandleEvent(at(0, 102))
	clock.tick(m, 110)
	clock.tick(m, 110.1)

	if len(*reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(*reports))
	}
	r := (*reports)[0]
	if r.Deleted || !r.Gap {
		t.Errorf("Expected gap report, got %+v", r)
	}
	if r.EventCount != 2 || !fileExists(r.Events) {
		t.Errorf("Expected events file with 2 events kept, got %+v", r)
	}
	if r.Media != "" {
		t.Errorf("Expected no media path, got %s", r.Media)
	}
	if m.Stats().Gaps != 1 || m.Stats().Deleted != 0 {
		t.Errorf("Unexpected stats %+v", m.Stats())
	}
}

func TestScheduledLateEventKeepsEmptySegment(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	clock.tick(m, 200)
	w.Write(frame(0, true))

	clock.tick(m, 210)
	w.Write(frame(100, true))

	// an event inside the grace lands in the next segment but keeps this one
	m.HandleEvent(at(1, 211))
	clock.tick(m, 211.5)

	if len(*reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(*reports))
	}
	if (*reports)[0].Deleted {
		t.Error("Expected segment kept because of a late event")
	}
	if !fileExists((*reports)[0].Media) {
		t.Error("Expected media published")
	}
}

func TestScheduledRecentEventBeforeStartKeepsSegment(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	m.HandleEvent(at(0, 299))
	clock.tick(m, 300)
	w.Write(frame(0, true))

	clock.tick(m, 310)
	w.Write(frame(100, true))
	clock.tick(m, 315)

	if len(*reports) != 1 || (*reports)[0].Deleted {
		t.Fatalf("Expected segment published, got %+v", *reports)
	}
}

func TestScheduledWindowClose(t *testing.T) {
	win, err := ParseWindow("00:01", "00:02")
	if err != nil {
		t.Fatalf("ParseWindow failed: %v", err)
	}
	m, w, clock, reports := newTestScheduled(t, []Window{win})

	clock.tick(m, 30)
	if m.Status().State != "off" {
		t.Fatalf("Expected off before window, got %s", m.Status().State)
	}

	clock.tick(m, 61)
	if m.Status().State != "on" {
		t.Fatalf("Expected on inside window, got %s", m.Status().State)
	}
	w.Write(frame(0, true))
	m.HandleEvent(at(1, 62))

	clock.tick(m, 65)
	if len(*reports) != 0 {
		t.Fatalf("Expected no split yet, got %d", len(*reports))
	}

	clock.tick(m, 120)
	if m.Status().State != "off" {
		t.Errorf("Expected off after window, got %s", m.Status().State)
	}
	// no tick reached the 70s split, so the window close ends the only segment
	if len(*reports) == 0 {
		t.Fatal("Expected closed segments resolved")
	}
	last := (*reports)[len(*reports)-1]
	if last.Reason != ReasonSchedule {
		t.Errorf("Expected schedule_end reason, got %s", last.Reason)
	}
}

func TestScheduledCloseKeepsSegmentsInGrace(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	clock.tick(m, 400)
	w.Write(frame(0, true))
	clock.epoch = 401

	if err := m.Close(dev(401)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(*reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(*reports))
	}
	if (*reports)[0].Deleted || !fileExists((*reports)[0].Media) {
		t.Errorf("Expected segment published on shutdown, got %+v", (*reports)[0])
	}
}

func TestWindowContains(t *testing.T) {
	tests := []struct {
		name string
		win  Window
		sod  int
		want bool
	}{
		{"inside", Window{3600, 7200}, 5000, true},
		{"at start", Window{3600, 7200}, 3600, true},
		{"at stop", Window{3600, 7200}, 7200, false},
		{"before", Window{3600, 7200}, 100, false},
		{"midnight wrap late", Window{79200, 21600}, 80000, true},
		{"midnight wrap early", Window{79200, 21600}, 100, true},
		{"midnight wrap outside", Window{79200, 21600}, 50000, false},
		{"full day", Window{0, 0}, 12345, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.win.Contains(tt.sod); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("22:00", "06:30:15")
	if err != nil {
		t.Fatalf("ParseWindow failed: %v", err)
	}
	if w.Start != 79200 || w.Stop != 23415 {
		t.Errorf("Expected 79200-23415, got %d-%d", w.Start, w.Stop)
	}

	for _, bad := range []string{"24:00", "7", "aa:bb", "10:60"} {
		if _, err := ParseWindow(bad, "10:00"); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestSegmentWriterQueueFull(t *testing.T) {
	w := NewSegmentWriter(1)
	if err := w.SendFrame(frame(0, true)); err != nil {
		t.Fatalf("Expected first send to succeed, got %v", err)
	}
	if err := w.SendFrame(frame(1, true)); !errors.Is(err, ErrSinkFull) {
		t.Errorf("Expected ErrSinkFull, got %v", err)
	}
	if w.Metrics().FramesDropped != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", w.Metrics().FramesDropped)
	}
}

func TestSegmentWriterReplacedPendingReportsEmpty(t *testing.T) {
	w := NewSegmentWriter(1)
	w.Begin(SegmentTarget{ID: "a"})
	w.Begin(SegmentTarget{ID: "b"})
	w.End()

	results := w.TakeResults()
	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "b" {
		t.Fatalf("Expected empty results for a and b, got %+v", results)
	}
	for _, r := range results {
		if r.Frames != 0 {
			t.Errorf("Expected no frames for %s, got %d", r.ID, r.Frames)
		}
	}
}

func TestSegmentWriterSkipsToKeyframeAfterDrop(t *testing.T) {
	w := NewSegmentWriter(2)
	target := SegmentTarget{ID: "a", Paths: testLayout(t).Reserve(1000)}
	w.Begin(target)

	if err := w.SendFrame(seqFrame(1, true)); err != nil {
		t.Fatalf("send 1 failed: %v", err)
	}
	if err := w.SendFrame(seqFrame(2, false)); err != nil {
		t.Fatalf("send 2 failed: %v", err)
	}
	if err := w.SendFrame(seqFrame(3, false)); !errors.Is(err, ErrSinkFull) {
		t.Fatalf("Expected frame 3 dropped, got %v", err)
	}
	w.drain()

	w.SendFrame(seqFrame(4, false))
	w.SendFrame(seqFrame(5, true))
	w.drain()
	w.End()

	results := w.TakeResults()
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %+v", results)
	}
	r := results[0]
	if !errors.Is(r.Err, ErrFramesDropped) {
		t.Errorf("Expected ErrFramesDropped, got %v", r.Err)
	}
	if r.Frames != 3 {
		t.Errorf("Expected frames 1, 2 and 5, got %d", r.Frames)
	}

	media, err := os.ReadFile(target.Paths.Media + atomicfile.PartialSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(media, []byte{1, 2, 5}) {
		t.Errorf("Expected frame 4 left out of the file, got %v", media)
	}
}

func TestScheduledReportsSegmentWithLostFrames(t *testing.T) {
	m, w, clock, reports := newTestScheduled(t, []Window{{Start: 0, Stop: 0}})

	clock.tick(m, 100)
	m.HandleEvent(at(1, 101))
	w.Write(seqFrame(1, true))
	w.Write(seqFrame(3, false))
	w.Write(seqFrame(4, true))

	if err := m.Close(dev(102)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(*reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(*reports))
	}
	r := (*reports)[0]
	if r.Error == "" || !strings.Contains(r.Error, "lost frames") {
		t.Errorf("Expected lost frames flagged in the report, got %+v", r)
	}
	if r.FrameCount != 2 {
		t.Errorf("Expected 2 frames written, got %d", r.FrameCount)
	}
}
