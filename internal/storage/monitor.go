// Package storage watches free space on the capture volume.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Usage is a filesystem usage reading
type Usage struct {
	Total uint64
	Free  uint64
}

// Percent returns used space as a percentage
func (u Usage) Percent() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Total-u.Free) * 100 / float64(u.Total)
}

// Alert is raised when usage crosses the threshold
type Alert struct {
	Path         string  `json:"path"`
	UsagePct     float64 `json:"usage_pct"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// Message renders the alert for humans
func (a Alert) Message() string {
	return fmt.Sprintf("Storage usage is %.1f%% on filesystem for '%s'. Threshold: %.1f%%",
		a.UsagePct, a.Path, a.ThresholdPct)
}

// Config configures the monitor
type Config struct {
	Path         string
	ThresholdPct float64
	Interval     time.Duration
	Cooldown     time.Duration
}

// Monitor checks usage periodically. The first reading above the threshold
// alerts at once; while usage stays high, alerts repeat after Cooldown.
type Monitor struct {
	cfg   Config
	stat  func(path string) (Usage, error)
	now   func() time.Time
	alert func(Alert)

	mu           sync.Mutex
	wasAbove     bool
	lastNotified time.Time
	last         Usage
	checks       uint64
}

// NewMonitor creates a monitor
func NewMonitor(cfg Config, alert func(Alert)) *Monitor {
	if cfg.Interval < 10*time.Second {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Cooldown < time.Minute {
		cfg.Cooldown = time.Minute
	}
	return &Monitor{cfg: cfg, stat: Stat, now: time.Now, alert: alert}
}

// Run checks usage every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes one reading and alerts if needed. It reports whether usage
// is above the threshold.
func (m *Monitor) Check() bool {
	u, err := m.stat(m.cfg.Path)
	if err != nil {
		slog.Warn("storage: statfs failed", "path", m.cfg.Path, "error", err)
		return false
	}

	pct := u.Percent()
	above := pct >= m.cfg.ThresholdPct
	now := m.now()

	m.mu.Lock()
	m.last = u
	m.checks++
	notify := above && (!m.wasAbove || now.Sub(m.lastNotified) >= m.cfg.Cooldown)
	if notify {
		m.lastNotified = now
	}
	m.wasAbove = above
	m.mu.Unlock()

	if notify {
		a := Alert{Path: m.cfg.Path, UsagePct: pct, ThresholdPct: m.cfg.ThresholdPct}
		slog.Warn("storage: usage above threshold",
			"path", a.Path,
			"usage_pct", fmt.Sprintf("%.1f", pct),
			"threshold_pct", a.ThresholdPct,
			"action", "free space or move finished sessions off the rig")
		if m.alert != nil {
			m.alert(a)
		}
	}
	return above
}

// Last returns the most recent reading
func (m *Monitor) Last() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
