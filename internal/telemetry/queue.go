package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/e7canasta/rigcap/internal/atomicfile"
)

var (
	// ErrUnpaired is wrapped by every UnpairedError
	ErrUnpaired = errors.New("telemetry: unpaired analog file")
	// ErrQueueFull is returned when one side of the queue is at capacity
	ErrQueueFull = errors.New("telemetry: publish queue full")
	// ErrSourceMissing is returned when a queued temporary file is gone
	ErrSourceMissing = errors.New("telemetry: temporary analog file missing")
)

// Queue sides
const (
	SideSource      = "source"
	SideDestination = "destination"
)

// DefaultQueueCapacity is the number of entries held per side
const DefaultQueueCapacity = 10

// UnpairedError reports a temporary file or final name that never found its
// counterpart. A source is moved aside to MovedTo instead of being published.
type UnpairedError struct {
	Side    string
	Path    string
	Age     time.Duration
	MovedTo string
}

func (e *UnpairedError) Error() string {
	if e.MovedTo != "" {
		return fmt.Sprintf("telemetry: %s %s unpaired after %v, moved to %s", e.Side, e.Path, e.Age, e.MovedTo)
	}
	return fmt.Sprintf("telemetry: %s %s unpaired after %v", e.Side, e.Path, e.Age)
}

func (e *UnpairedError) Unwrap() error { return ErrUnpaired }

// Published is one completed rename
type Published struct {
	Source      string
	Destination string
}

type entry struct {
	path string
	at   time.Time
}

// QueueStats contains queue statistics
type QueueStats struct {
	Published uint64
	Unpaired  uint64
	Sources   int
	Dests     int
}

// PublishQueue pairs finished temporary files with their final names in
// arrival order. The rename in Flush is the only place a file gets its
// final name.
type PublishQueue struct {
	capacity int
	timeout  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	sources   []entry
	dests     []entry
	orphans   int
	published uint64
	unpaired  uint64
}

// NewPublishQueue creates a queue. An entry waiting longer than timeout for
// its counterpart is a protocol violation.
func NewPublishQueue(capacity int, timeout time.Duration) *PublishQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PublishQueue{capacity: capacity, timeout: timeout, now: time.Now}
}

// AddSource queues a finished temporary file
func (q *PublishQueue) AddSource(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.sources) >= q.capacity {
		return fmt.Errorf("%w: %d sources pending, dropping %s", ErrQueueFull, len(q.sources), path)
	}
	q.sources = append(q.sources, entry{path: path, at: q.now()})
	return nil
}

// AddDestination queues a final name
func (q *PublishQueue) AddDestination(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.dests) >= q.capacity {
		return fmt.Errorf("%w: %d destinations pending, dropping %s", ErrQueueFull, len(q.dests), path)
	}
	q.dests = append(q.dests, entry{path: path, at: q.now()})
	return nil
}

// Flush renames every complete pair, then reports entries that waited past
// the timeout as *UnpairedError
func (q *PublishQueue) Flush() ([]Published, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done, errs := q.pairLocked()
	now := q.now()

	for len(q.sources) > 0 && len(q.dests) == 0 && now.Sub(q.sources[0].at) > q.timeout {
		errs = append(errs, q.orphanSourceLocked(now))
	}
	for len(q.dests) > 0 && len(q.sources) == 0 && now.Sub(q.dests[0].at) > q.timeout {
		errs = append(errs, q.orphanDestLocked(now))
	}
	return done, errors.Join(errs...)
}

// Drain pairs what it can and reports everything left as unpaired. Used on
// shutdown.
func (q *PublishQueue) Drain() ([]Published, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done, errs := q.pairLocked()
	now := q.now()
	for len(q.sources) > 0 {
		errs = append(errs, q.orphanSourceLocked(now))
	}
	for len(q.dests) > 0 {
		errs = append(errs, q.orphanDestLocked(now))
	}
	return done, errors.Join(errs...)
}

func (q *PublishQueue) pairLocked() ([]Published, []error) {
	var done []Published
	var errs []error
	for len(q.sources) > 0 && len(q.dests) > 0 {
		src, dst := q.sources[0], q.dests[0]
		q.sources = q.sources[1:]
		q.dests = q.dests[1:]

		if _, err := os.Stat(src.path); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s (final name %s)", ErrSourceMissing, src.path, dst.path))
			continue
		}
		if err := atomicfile.Publish(src.path, dst.path); err != nil {
			errs = append(errs, err)
			continue
		}
		q.published++
		done = append(done, Published{Source: src.path, Destination: dst.path})
		slog.Debug("telemetry: analog file published", "source", src.path, "destination", dst.path)
	}
	return done, errs
}

func (q *PublishQueue) orphanSourceLocked(now time.Time) error {
	src := q.sources[0]
	q.sources = q.sources[1:]
	q.unpaired++

	ue := &UnpairedError{Side: SideSource, Path: src.path, Age: now.Sub(src.at)}
	target, err := q.asideName(filepath.Dir(src.path))
	if err == nil {
		err = os.Rename(src.path, target)
	}
	if err != nil {
		return errors.Join(ue, fmt.Errorf("telemetry: move aside %s: %w", src.path, err))
	}
	ue.MovedTo = target
	return ue
}

func (q *PublishQueue) orphanDestLocked(now time.Time) error {
	dst := q.dests[0]
	q.dests = q.dests[1:]
	q.unpaired++
	return &UnpairedError{Side: SideDestination, Path: dst.path, Age: now.Sub(dst.at)}
}

func (q *PublishQueue) asideName(dir string) (string, error) {
	for i := 0; i < 10000; i++ {
		q.orphans++
		name := filepath.Join(dir, fmt.Sprintf("an.unpaired.%d", q.orphans))
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
	}
	return "", fmt.Errorf("telemetry: no free unpaired name in %s", dir)
}

// Stats returns queue statistics
func (q *PublishQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Published: q.published,
		Unpaired:  q.unpaired,
		Sources:   len(q.sources),
		Dests:     len(q.dests),
	}
}
