package encoder

import (
	"sync"
	"time"
)

// maxStampLag bounds how far delivery may trail capture before the PTS
// mapping is considered stale (pipeline restart or PTS discontinuity)
const maxStampLag = time.Second

// captureStamper maps buffer presentation timestamps onto the device clock.
// The offset between device time and PTS is the smallest delivery latency
// seen so far, so frames are stamped at capture spacing and not at the
// jittery appsink delivery time. Stamps never go backwards and never lie in
// the future.
type captureStamper struct {
	mu     sync.Mutex
	offset int64
	valid  bool
	last   int64
}

// Stamp returns the device time of a frame delivered at now with the given
// PTS. A negative PTS means unknown and stamps the delivery time.
func (s *captureStamper) Stamp(now int64, pts time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now
	if pts >= 0 {
		p := pts.Microseconds()
		cand := now - p
		switch {
		case !s.valid, cand < s.offset:
			s.offset = cand
			s.valid = true
		case cand-s.offset > maxStampLag.Microseconds():
			// PTS restarted or jumped; re-anchor
			s.offset = cand
		}
		ts = p + s.offset
	}

	if ts > now {
		ts = now
	}
	if ts < s.last {
		ts = s.last
	}
	s.last = ts
	return ts
}

// Reset forgets the PTS mapping, keeping stamps monotonic
func (s *captureStamper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}
