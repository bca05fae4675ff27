package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/e7canasta/rigcap/internal/types"
)

// WarmupStats contains statistics from the encoder warm-up phase
type WarmupStats struct {
	FramesReceived int
	Keyframes      int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	// MaxKeyframeGap is the longest observed distance between sync points
	MaxKeyframeGap time.Duration
	IsStable       bool
}

// Warmup consumes frames for duration, measuring frame rate and sync point
// spacing from the device timestamps. Every frame is passed to forward so the
// ring keeps filling while the encoder settles.
func Warmup(ctx context.Context, frames <-chan types.Frame, duration time.Duration, forward func(types.Frame)) (*WarmupStats, error) {
	slog.Info("encoder: warming up", "duration", duration)

	warmupCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var timestamps []int64
	var keyTimes []int64

loop:
	for {
		select {
		case <-warmupCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break loop
		case frame, ok := <-frames:
			if !ok {
				return nil, fmt.Errorf("encoder: stream closed during warm-up")
			}
			timestamps = append(timestamps, frame.Timestamp)
			if frame.SyncPoint {
				keyTimes = append(keyTimes, frame.Timestamp)
			}
			if forward != nil {
				forward(frame)
			}
		}
	}

	if len(timestamps) < 2 {
		return nil, fmt.Errorf("encoder: not enough frames during warm-up (got %d)", len(timestamps))
	}

	stats := calculateStats(timestamps, keyTimes)

	slog.Info("encoder: warm-up complete",
		"frames", stats.FramesReceived,
		"keyframes", stats.Keyframes,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"max_keyframe_gap", stats.MaxKeyframeGap,
		"stable", stats.IsStable,
	)
	if !stats.IsStable {
		slog.Warn("encoder: frame rate is unstable",
			"fps_stddev", stats.FPSStdDev,
			"action", "check camera exposure and USB bandwidth")
	}
	return stats, nil
}

// CheckPreRoll warns when sync points are spaced wider than the pre-roll, in
// which case clips may start earlier than requested
func (s *WarmupStats) CheckPreRoll(preRoll time.Duration) bool {
	if s == nil || s.MaxKeyframeGap <= preRoll {
		return true
	}
	slog.Warn("encoder: keyframe interval exceeds pre-roll",
		"max_keyframe_gap", s.MaxKeyframeGap,
		"pre_roll", preRoll,
		"action", "lower the keyframe interval")
	return false
}

// calculateStats derives frame rate statistics from device timestamps in
// microseconds
func calculateStats(ts, keys []int64) *WarmupStats {
	n := len(ts)
	span := time.Duration(ts[n-1]-ts[0]) * time.Microsecond

	stats := &WarmupStats{
		FramesReceived: n,
		Keyframes:      len(keys),
		Duration:       span,
	}
	if span > 0 {
		stats.FPSMean = float64(n-1) / span.Seconds()
	}

	for i := 1; i < len(keys); i++ {
		if gap := time.Duration(keys[i]-keys[i-1]) * time.Microsecond; gap > stats.MaxKeyframeGap {
			stats.MaxKeyframeGap = gap
		}
	}

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := ts[i] - ts[i-1]; d > 0 {
			instantaneous = append(instantaneous, 1e6/float64(d))
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	// Stable if stddev < 15% of mean FPS
	stats.IsStable = stats.FPSStdDev < stats.FPSMean*0.15
	return stats
}
