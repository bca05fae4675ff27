package framebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/rigcap/internal/types"
)

type recordingSink struct {
	id     string
	reject bool
	got    []uint64
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) SendFrame(f types.Frame) error {
	if s.reject {
		return errors.New("full")
	}
	s.got = append(s.got, f.Seq)
	return nil
}

func (s *recordingSink) Metrics() types.SinkMetrics {
	return types.SinkMetrics{FramesConsumed: uint64(len(s.got))}
}

func TestDistributeFansOut(t *testing.T) {
	b := New()
	ring := &recordingSink{id: "ring"}
	seg := &recordingSink{id: "segments", reject: true}
	b.Register(ring)
	b.Register(seg)

	for i := uint64(1); i <= 3; i++ {
		b.Distribute(types.Frame{Seq: i})
	}

	if len(ring.got) != 3 {
		t.Errorf("Expected 3 frames in ring sink, got %d", len(ring.got))
	}
	stats := b.Stats()
	if stats.FramesDistributed != 3 || stats.LastSeq != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.DroppedBySink["segments"] != 3 || stats.DroppedBySink["ring"] != 0 {
		t.Errorf("Unexpected drops %v", stats.DroppedBySink)
	}
	if m := b.Metrics()["ring"]; m.FramesConsumed != 3 {
		t.Errorf("Expected ring metrics 3 consumed, got %d", m.FramesConsumed)
	}

	b.Unregister("segments")
	if b.Stats().SinksCount != 1 {
		t.Errorf("Expected 1 sink after unregister, got %d", b.Stats().SinksCount)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	b := New()
	ring := &recordingSink{id: "ring"}
	b.Register(ring)

	frames := make(chan types.Frame, 4)
	frames <- types.Frame{Seq: 1}
	frames <- types.Frame{Seq: 2}
	close(frames)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), frames)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return when the channel closes")
	}
	if len(ring.got) != 2 || ring.got[1] != 2 {
		t.Errorf("Expected frames [1 2], got %v", ring.got)
	}
}

func TestHighDropSinks(t *testing.T) {
	prev := Stats{FramesDistributed: 100, DroppedBySink: map[string]uint64{"a": 0, "b": 10}}
	cur := Stats{FramesDistributed: 200, DroppedBySink: map[string]uint64{"a": 5, "b": 60}}

	got := HighDropSinks(prev, cur, 0.10)
	if len(got) != 1 {
		t.Fatalf("Expected 1 high-drop sink, got %v", got)
	}
	if got["b"] != 0.5 {
		t.Errorf("Expected sink b at 50%%, got %v", got["b"])
	}
	if HighDropSinks(cur, cur, 0.10) != nil {
		t.Error("Expected nil without new frames")
	}
}
