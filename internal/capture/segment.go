package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/types"
)

var (
	// ErrSinkFull is returned when the segment writer queue is full
	ErrSinkFull = errors.New("capture: segment writer queue full")
	// ErrFramesDropped marks a segment that lost frames. The frames after
	// each loss up to the next keyframe are left out of the file.
	ErrFramesDropped = errors.New("capture: segment lost frames")
)

// SegmentTarget names the files of one continuous segment
type SegmentTarget struct {
	ID    string
	Paths Paths
}

// SegmentResult is reported when the writer is done with a segment. The
// media and frames files are left under their temporary names.
type SegmentResult struct {
	ID      string
	Frames  int
	Bytes   int64
	FirstTS int64
	LastTS  int64
	Err     error
}

type openSegment struct {
	target  SegmentTarget
	media   *atomicfile.File
	index   *atomicfile.File
	firstTS int64
	lastTS  int64
	frames  int
	bytes   int64
	gaps    int
	skipped int
	err     error
}

// SegmentWriter writes every frame it receives into the current segment.
// A new segment starts at the first keyframe after Begin, so each file is
// decodable on its own and no frame is lost at the boundary.
type SegmentWriter struct {
	frames chan types.Frame

	mu       sync.Mutex
	guard    types.DecodeGuard
	cur      *openSegment
	next     *SegmentTarget
	results  []SegmentResult
	consumed uint64
	dropped  uint64
	lastSeen time.Time

	wg sync.WaitGroup
}

// NewSegmentWriter creates a writer with a frame queue of the given size
func NewSegmentWriter(queue int) *SegmentWriter {
	if queue <= 0 {
		queue = 256
	}
	return &SegmentWriter{frames: make(chan types.Frame, queue)}
}

// ID returns the sink identifier
func (w *SegmentWriter) ID() string { return "segment-writer" }

// SendFrame queues a frame without blocking
func (w *SegmentWriter) SendFrame(frame types.Frame) error {
	select {
	case w.frames <- frame:
		return nil
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return ErrSinkFull
	}
}

// Metrics returns sink metrics
func (w *SegmentWriter) Metrics() types.SinkMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.SinkMetrics{
		FramesConsumed: w.consumed,
		FramesDropped:  w.dropped,
		LastSeenAt:     w.lastSeen,
	}
}

// Start runs the writer loop until ctx is done
func (w *SegmentWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				w.drain()
				return
			case f := <-w.frames:
				w.Write(f)
			}
		}
	}()
}

// Wait blocks until the writer loop has exited
func (w *SegmentWriter) Wait() {
	w.wg.Wait()
}

func (w *SegmentWriter) drain() {
	for {
		select {
		case f := <-w.frames:
			w.Write(f)
		default:
			return
		}
	}
}

// Write appends one frame to the current segment, switching to a pending
// segment at a keyframe. After a sequence gap frames are skipped up to the
// next keyframe and the segment is marked as having lost frames.
func (w *SegmentWriter) Write(f types.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.consumed++
	w.lastSeen = time.Now()

	ok, gap := w.guard.Accept(f)
	if gap && w.cur != nil {
		w.cur.gaps++
		slog.Warn("capture: segment lost frames, skipping to next keyframe",
			"segment_id", w.cur.target.ID,
			"seq", f.Seq,
			"action", "check disk latency or raise scheduled.queue")
	}
	if !ok {
		if w.cur != nil {
			w.cur.skipped++
		}
		return
	}

	if w.next != nil && f.SyncPoint {
		w.finishLocked()
		w.cur = w.openLocked(*w.next)
		w.next = nil
	}
	if w.cur == nil || w.cur.err != nil {
		return
	}

	s := w.cur
	if s.frames == 0 {
		s.firstTS = f.Timestamp
		if _, err := fmt.Fprintf(s.index, "%d\n", f.Timestamp); err != nil {
			s.err = err
			return
		}
	}
	if _, err := s.media.Write(f.Data); err != nil {
		s.err = err
		slog.Error("capture: segment write failed", "segment_id", s.target.ID, "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.index, "%d\n", f.Timestamp-s.firstTS); err != nil {
		s.err = err
		return
	}
	s.frames++
	s.bytes += int64(len(f.Data))
	s.lastTS = f.Timestamp
}

func (w *SegmentWriter) openLocked(t SegmentTarget) *openSegment {
	s := &openSegment{target: t}
	media, err := atomicfile.Create(t.Paths.Media)
	if err != nil {
		s.err = err
		slog.Error("capture: open segment failed", "segment_id", t.ID, "error", err)
		return s
	}
	index, err := atomicfile.Create(t.Paths.Frames)
	if err != nil {
		_ = media.Abort()
		s.err = err
		slog.Error("capture: open segment index failed", "segment_id", t.ID, "error", err)
		return s
	}
	s.media = media
	s.index = index
	slog.Debug("capture: segment opened", "segment_id", t.ID, "media", t.Paths.Media)
	return s
}

func (w *SegmentWriter) finishLocked() {
	s := w.cur
	w.cur = nil
	if s == nil {
		return
	}
	res := SegmentResult{
		ID:      s.target.ID,
		Frames:  s.frames,
		Bytes:   s.bytes,
		FirstTS: s.firstTS,
		LastTS:  s.lastTS,
		Err:     s.err,
	}
	if s.gaps > 0 {
		res.Err = errors.Join(res.Err, fmt.Errorf("%w: %d gaps, %d frames skipped", ErrFramesDropped, s.gaps, s.skipped))
	}
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			res.Err = errors.Join(res.Err, err)
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			res.Err = errors.Join(res.Err, err)
		}
	}
	w.results = append(w.results, res)
}

// Begin schedules target to start at the next keyframe. The current segment,
// if any, keeps receiving frames until then.
func (w *SegmentWriter) Begin(t SegmentTarget) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.next != nil {
		w.results = append(w.results, SegmentResult{ID: w.next.ID})
	}
	w.next = &t
}

// End closes the current segment immediately and cancels any pending one
func (w *SegmentWriter) End() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.finishLocked()
	if w.next != nil {
		w.results = append(w.results, SegmentResult{ID: w.next.ID})
		w.next = nil
	}
}

// TakeResults returns and clears the finished segment results
func (w *SegmentWriter) TakeResults() []SegmentResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.results
	w.results = nil
	return out
}
