// Package framebus fans encoded frames out to the capture sinks. Sinks must
// not block; a sink that rejects a frame is counted, not retried.
package framebus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/rigcap/internal/types"
)

// Bus distributes frames to registered sinks
type Bus struct {
	sinks []types.FrameSink

	mu                sync.RWMutex
	framesDistributed uint64
	lastSeq           uint64
	droppedBySink     map[string]uint64
}

// New creates a new frame bus
func New() *Bus {
	return &Bus{
		sinks:         make([]types.FrameSink, 0),
		droppedBySink: make(map[string]uint64),
	}
}

// Register adds a sink. Sinks receive frames in registration order.
func (b *Bus) Register(sink types.FrameSink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks = append(b.sinks, sink)
	b.droppedBySink[sink.ID()] = 0

	slog.Info("framebus: sink registered",
		"sink_id", sink.ID(),
		"total_sinks", len(b.sinks),
	)
}

// Unregister removes a sink
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sinks := b.sinks[:0:0]
	for _, s := range b.sinks {
		if s.ID() != id {
			sinks = append(sinks, s)
		}
	}
	b.sinks = sinks
	delete(b.droppedBySink, id)

	slog.Info("framebus: sink unregistered",
		"sink_id", id,
		"total_sinks", len(b.sinks),
	)
}

// Distribute sends a frame to every registered sink
func (b *Bus) Distribute(frame types.Frame) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.SendFrame(frame); err != nil {
			b.mu.Lock()
			b.droppedBySink[sink.ID()]++
			b.mu.Unlock()

			slog.Debug("framebus: frame dropped",
				"sink_id", sink.ID(),
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
		}
	}

	b.mu.Lock()
	b.framesDistributed++
	b.lastSeq = frame.Seq
	b.mu.Unlock()
}

// Run distributes frames until the channel closes or ctx is done
func (b *Bus) Run(ctx context.Context, frames <-chan types.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				slog.Info("framebus: frame source closed",
					"distributed", b.Stats().FramesDistributed)
				return
			}
			b.Distribute(frame)
		}
	}
}

// Stats contains bus statistics
type Stats struct {
	SinksCount        int
	FramesDistributed uint64
	LastSeq           uint64
	DroppedBySink     map[string]uint64
}

// Stats returns bus statistics
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := make(map[string]uint64, len(b.droppedBySink))
	for k, v := range b.droppedBySink {
		dropped[k] = v
	}

	return Stats{
		SinksCount:        len(b.sinks),
		FramesDistributed: b.framesDistributed,
		LastSeq:           b.lastSeq,
		DroppedBySink:     dropped,
	}
}

// Metrics returns per-sink metrics keyed by sink ID
func (b *Bus) Metrics() map[string]types.SinkMetrics {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	out := make(map[string]types.SinkMetrics, len(sinks))
	for _, s := range sinks {
		out[s.ID()] = s.Metrics()
	}
	return out
}

// HighDropSinks returns sinks whose drop rate between prev and cur exceeds
// threshold (0..1)
func HighDropSinks(prev, cur Stats, threshold float64) map[string]float64 {
	delta := cur.FramesDistributed - prev.FramesDistributed
	if delta == 0 {
		return nil
	}
	var out map[string]float64
	for id, dropped := range cur.DroppedBySink {
		rate := float64(dropped-prev.DroppedBySink[id]) / float64(delta)
		if rate > threshold {
			if out == nil {
				out = make(map[string]float64)
			}
			out[id] = rate
		}
	}
	return out
}

// StartStatsLogger logs stats periodically and warns on high drop rates
func (b *Bus) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevStats := b.Stats()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()

			for id, rate := range HighDropSinks(prevStats, stats, 0.10) {
				slog.Warn("framebus: sink high drop rate detected",
					"sink_id", id,
					"drop_rate_pct", int(rate*100),
					"frames_last_interval", stats.FramesDistributed-prevStats.FramesDistributed,
					"action", "check disk throughput and ring capacity")
			}

			fields := []interface{}{
				"sinks", stats.SinksCount,
				"distributed", stats.FramesDistributed,
				"last_seq", stats.LastSeq,
			}
			for id, dropped := range stats.DroppedBySink {
				if dropped > 0 {
					fields = append(fields, id+"_dropped", dropped)
				}
			}
			slog.Debug("framebus: stats", fields...)

			prevStats = stats
		}
	}
}
