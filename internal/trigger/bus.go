// Package trigger turns trigger-input level changes into a queue of
// timestamped events for the capture state machine.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// Stats contains bus statistics
type Stats struct {
	Accepted  uint64
	Denoised  uint64
	Delivered uint64
	Pending   int
	LastLevel int
}

// Bus is an unbounded FIFO of trigger events with last-level denoising.
// Report is safe to call from an interrupt handler goroutine; it never waits
// on the consumer.
type Bus struct {
	clock timebase.DeviceClock
	tb    *timebase.TimeBase

	mu        sync.Mutex
	queue     []types.TriggerEvent
	lastLevel int
	accepted  uint64
	denoised  uint64
	delivered uint64

	notify chan struct{}
}

// NewBus creates a trigger bus stamping events with clock and tb
func NewBus(clock timebase.DeviceClock, tb *timebase.TimeBase) *Bus {
	return &Bus{
		clock:     clock,
		tb:        tb,
		lastLevel: -1,
		notify:    make(chan struct{}, 1),
	}
}

// Report records a level reading. Repeats of the last accepted level are
// discarded. Returns true if the reading became an event.
func (b *Bus) Report(level int) bool {
	if level != 0 {
		level = 1
	}

	b.mu.Lock()
	if level == b.lastLevel {
		b.denoised++
		b.mu.Unlock()
		return false
	}
	ev := types.TriggerEvent{
		Level:  level,
		Device: b.clock.Now(),
		Wall:   b.tb.Epoch(),
	}
	b.queue = append(b.queue, ev)
	b.lastLevel = level
	b.accepted++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Wait returns the oldest pending event. It returns ok=false when timeout
// elapses with no event, and ctx.Err() when ctx is cancelled.
func (b *Bus) Wait(ctx context.Context, timeout time.Duration) (types.TriggerEvent, bool, error) {
	if ev, ok := b.pop(); ok {
		return ev, true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.TriggerEvent{}, false, ctx.Err()
		case <-timer.C:
			ev, ok := b.pop()
			return ev, ok, nil
		case <-b.notify:
			if ev, ok := b.pop(); ok {
				return ev, true, nil
			}
		}
	}
}

func (b *Bus) pop() (types.TriggerEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return types.TriggerEvent{}, false
	}
	ev := b.queue[0]
	b.queue[0] = types.TriggerEvent{}
	b.queue = b.queue[1:]
	b.delivered++
	return ev, true
}

// Level returns the last accepted level, or -1 before the first event
func (b *Bus) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLevel
}

// Len returns the number of pending events
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns bus statistics
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Accepted:  b.accepted,
		Denoised:  b.denoised,
		Delivered: b.delivered,
		Pending:   len(b.queue),
		LastLevel: b.lastLevel,
	}
}

// LogStats logs bus statistics every interval until ctx is done
func (b *Bus) LogStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := b.Stats()
			if s.Pending > 100 {
				slog.Warn("trigger: event backlog growing",
					"pending", s.Pending,
					"action", "check capture loop latency")
			}
			slog.Debug("trigger bus stats",
				"accepted", s.Accepted,
				"denoised", s.Denoised,
				"delivered", s.Delivered,
				"pending", s.Pending,
			)
		}
	}
}
