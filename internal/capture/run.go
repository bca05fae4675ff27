package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// Machine is a capture state machine driven by trigger events and timers
type Machine interface {
	HandleEvent(ev types.TriggerEvent) error
	Tick(now int64) error
	FinalizeNow(now int64, wall float64) error
	Close(now int64) error
	Status() Status
}

// EventSource delivers trigger events; Wait returns ok=false on timeout
type EventSource interface {
	Wait(ctx context.Context, timeout time.Duration) (types.TriggerEvent, bool, error)
}

// Run feeds events from src into m and evaluates timers every poll until ctx
// is cancelled, then finalizes any open capture. Per-event errors are logged
// and the loop continues.
func Run(ctx context.Context, src EventSource, clock timebase.DeviceClock, m Machine, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	for {
		ev, ok, err := src.Wait(ctx, poll)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("capture: loop stopping, finalizing open capture")
				return m.Close(clock.Now())
			}
			return err
		}

		if ok {
			if err := m.HandleEvent(ev); err != nil {
				slog.Error("capture: event handling failed",
					"level", ev.Level,
					"device_us", ev.Device,
					"error", err)
			}
		}

		if err := m.Tick(clock.Now()); err != nil {
			slog.Error("capture: timer evaluation failed", "error", err)
		}
	}
}
