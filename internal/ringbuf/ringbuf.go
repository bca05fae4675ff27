// Package ringbuf keeps the most recent encoded video in memory.
//
// Storage is an explicit arena: a fixed byte slice written circularly, plus an
// index ring holding one Frame record per access unit. Frames are evicted by
// advancing the index head once their bytes fall behind the write horizon.
package ringbuf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrNoSyncPoint means no resident keyframe is at or before the window start
	ErrNoSyncPoint = errors.New("ringbuf: no decodable start found")
	// ErrFrameTooLarge means a single frame does not fit in the arena
	ErrFrameTooLarge = errors.New("ringbuf: frame larger than buffer")
	// ErrOutOfOrder means a frame timestamp went backwards
	ErrOutOfOrder = errors.New("ringbuf: frame timestamp goes backwards")
	// ErrEmptyWindow means the window ends before its resolved keyframe
	ErrEmptyWindow = errors.New("ringbuf: window holds no frames")
	// ErrAfterGap means a frame was held back after a sequence gap
	ErrAfterGap = errors.New("ringbuf: frame follows a sequence gap")
)

// Frame is the index record of one access unit
type Frame struct {
	// Timestamp on the device clock, microseconds
	Timestamp int64
	// Offset is the absolute stream position of the first byte; the arena
	// position is Offset modulo capacity
	Offset int64
	// Size in bytes
	Size int
	// SyncPoint marks a keyframe
	SyncPoint bool
}

// ExtractResult describes what Extract copied
type ExtractResult struct {
	FirstTimestamp int64
	LastTimestamp  int64
	Frames         int
	Bytes          int64
}

// Stats contains buffer statistics
type Stats struct {
	CapacityBytes  int
	MaxFrames      int
	Frames         int
	BytesResident  int64
	BytesWritten   int64
	FramesWritten  uint64
	FramesEvicted  uint64
	OldestTS       int64
	NewestTS       int64
	ExtractCount   uint64
	ExtractFailure uint64
}

// Buffer is a frame ring buffer safe for one writer and concurrent readers
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	index []Frame
	head  int
	count int

	written        int64
	lastTS         int64
	framesWritten  uint64
	framesEvicted  uint64
	extractCount   uint64
	extractFailure uint64
}

// New creates a buffer with capacityBytes of arena and room for maxFrames
func New(capacityBytes, maxFrames int) (*Buffer, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("ringbuf: capacity must be > 0, got %d", capacityBytes)
	}
	if maxFrames <= 0 {
		return nil, fmt.Errorf("ringbuf: max frames must be > 0, got %d", maxFrames)
	}
	return &Buffer{
		data:  make([]byte, capacityBytes),
		index: make([]Frame, maxFrames),
	}, nil
}

// Write appends one frame, evicting the oldest frames as needed
func (b *Buffer) Write(ts int64, keyframe bool, payload []byte) error {
	n := len(payload)
	if n > len(b.data) {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, len(b.data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 && ts < b.lastTS {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, ts, b.lastTS)
	}

	end := b.written + int64(n)
	horizon := end - int64(len(b.data))
	for b.count > 0 && (b.index[b.head].Offset < horizon || b.count == len(b.index)) {
		b.head = (b.head + 1) % len(b.index)
		b.count--
		b.framesEvicted++
	}

	pos := int(b.written % int64(len(b.data)))
	k := copy(b.data[pos:], payload)
	if k < n {
		copy(b.data, payload[k:])
	}

	tail := (b.head + b.count) % len(b.index)
	b.index[tail] = Frame{Timestamp: ts, Offset: b.written, Size: n, SyncPoint: keyframe}
	b.count++
	b.written = end
	b.lastTS = ts
	b.framesWritten++

	return nil
}

// at returns the i-th resident frame, oldest first; caller holds mu
func (b *Buffer) at(i int) Frame {
	return b.index[(b.head+i)%len(b.index)]
}

// keyframeBefore returns the index of the newest sync frame at or before t;
// caller holds mu
func (b *Buffer) keyframeBefore(t int64) int {
	for i := b.count - 1; i >= 0; i-- {
		f := b.at(i)
		if f.SyncPoint && f.Timestamp <= t {
			return i
		}
	}
	return -1
}

// FindKeyframeBefore returns the stream offset of the newest resident
// keyframe with a timestamp at or before t
func (b *Buffer) FindKeyframeBefore(t int64) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.keyframeBefore(t)
	if i < 0 {
		return 0, false
	}
	return b.at(i).Offset, true
}

// Extract writes the frames covering [start, stop] to media and the timing
// index to index. The copy begins at the newest keyframe at or before start
// and ends at the newest frame at or before stop. The lock is held only while
// the byte range is copied out of the arena.
func (b *Buffer) Extract(start, stop int64, media, index io.Writer) (ExtractResult, error) {
	frames, payload, err := b.snapshot(start, stop)
	if err != nil {
		return ExtractResult{}, err
	}

	if _, err := media.Write(payload); err != nil {
		return ExtractResult{}, fmt.Errorf("ringbuf: write media: %w", err)
	}

	w := bufio.NewWriter(index)
	first := frames[0].Timestamp
	fmt.Fprintf(w, "%d\n", first)
	for _, f := range frames {
		fmt.Fprintf(w, "%d\n", f.Timestamp-first)
	}
	if err := w.Flush(); err != nil {
		return ExtractResult{}, fmt.Errorf("ringbuf: write index: %w", err)
	}

	return ExtractResult{
		FirstTimestamp: first,
		LastTimestamp:  frames[len(frames)-1].Timestamp,
		Frames:         len(frames),
		Bytes:          int64(len(payload)),
	}, nil
}

func (b *Buffer) snapshot(start, stop int64) ([]Frame, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := b.keyframeBefore(start)
	if first < 0 {
		b.extractFailure++
		return nil, nil, ErrNoSyncPoint
	}

	last := -1
	for i := b.count - 1; i >= first; i-- {
		if b.at(i).Timestamp <= stop {
			last = i
			break
		}
	}
	if last < 0 {
		b.extractFailure++
		return nil, nil, ErrEmptyWindow
	}

	frames := make([]Frame, 0, last-first+1)
	for i := first; i <= last; i++ {
		frames = append(frames, b.at(i))
	}

	from := frames[0].Offset
	to := frames[len(frames)-1].Offset + int64(frames[len(frames)-1].Size)
	payload := make([]byte, to-from)

	pos := int(from % int64(len(b.data)))
	k := copy(payload, b.data[pos:])
	if k < len(payload) {
		copy(payload[k:], b.data)
	}

	b.extractCount++
	return frames, payload, nil
}

// Len returns the number of resident frames
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		CapacityBytes:  len(b.data),
		MaxFrames:      len(b.index),
		Frames:         b.count,
		BytesWritten:   b.written,
		FramesWritten:  b.framesWritten,
		FramesEvicted:  b.framesEvicted,
		ExtractCount:   b.extractCount,
		ExtractFailure: b.extractFailure,
	}
	if b.count > 0 {
		oldest := b.at(0)
		newest := b.at(b.count - 1)
		s.OldestTS = oldest.Timestamp
		s.NewestTS = newest.Timestamp
		s.BytesResident = b.written - oldest.Offset
	}
	return s
}
