package ringbuf

import (
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/rigcap/internal/types"
)

// Sink feeds frames from the frame bus into a Buffer.
// Writes happen synchronously on the encoder callback. After a sequence gap
// frames are held back until the next keyframe so the ring never holds a
// group with missing frames.
type Sink struct {
	buf *Buffer

	mu       sync.Mutex
	guard    types.DecodeGuard
	consumed uint64
	dropped  uint64
	lastSeen time.Time
}

// NewSink wraps buf as a frame sink
func NewSink(buf *Buffer) *Sink {
	return &Sink{buf: buf}
}

// ID returns the sink identifier
func (s *Sink) ID() string { return "ringbuf" }

// SendFrame writes the frame into the ring
func (s *Sink) SendFrame(frame types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()

	ok, gap := s.guard.Accept(frame)
	if gap {
		slog.Warn("ringbuf: frame sequence gap, waiting for keyframe",
			"seq", frame.Seq,
			"gaps", s.guard.Gaps,
			"action", "encoder frames are being dropped upstream")
	}
	if !ok {
		s.dropped++
		return ErrAfterGap
	}

	err := s.buf.Write(frame.Timestamp, frame.SyncPoint, frame.Data)
	if err != nil {
		s.dropped++
		slog.Debug("ringbuf: frame rejected",
			"seq", frame.Seq,
			"ts", frame.Timestamp,
			"error", err,
		)
		return err
	}
	s.consumed++
	return nil
}

// Metrics returns sink metrics
func (s *Sink) Metrics() types.SinkMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SinkMetrics{
		FramesConsumed: s.consumed,
		FramesDropped:  s.dropped,
		LastSeenAt:     s.lastSeen,
	}
}
