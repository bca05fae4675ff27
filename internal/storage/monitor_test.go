package storage

import (
	"runtime"
	"testing"
	"time"
)

func TestMonitorCooldown(t *testing.T) {
	var alerts []Alert
	m := NewMonitor(Config{Path: "/data", ThresholdPct: 85, Interval: time.Minute, Cooldown: time.Hour},
		func(a Alert) { alerts = append(alerts, a) })

	usage := Usage{Total: 100, Free: 50}
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	m.stat = func(string) (Usage, error) { return usage, nil }
	m.now = func() time.Time { return now }

	steps := []struct {
		free       uint64
		advance    time.Duration
		wantAbove  bool
		wantAlerts int
	}{
		{50, 0, false, 0},
		{10, time.Minute, true, 1},
		{10, 30 * time.Minute, true, 1},
		{10, 31 * time.Minute, true, 2},
		{60, time.Minute, false, 2},
		{5, time.Minute, true, 3},
	}

	for i, s := range steps {
		usage.Free = s.free
		now = now.Add(s.advance)
		if got := m.Check(); got != s.wantAbove {
			t.Errorf("step %d: expected above=%v, got %v", i, s.wantAbove, got)
		}
		if len(alerts) != s.wantAlerts {
			t.Errorf("step %d: expected %d alerts, got %d", i, s.wantAlerts, len(alerts))
		}
	}

	if alerts[0].UsagePct != 90 {
		t.Errorf("Expected 90%% usage in first alert, got %.1f", alerts[0].UsagePct)
	}
}

func TestUsagePercent(t *testing.T) {
	if (Usage{}).Percent() != 0 {
		t.Error("Expected 0% for empty usage")
	}
	if got := (Usage{Total: 200, Free: 50}).Percent(); got != 75 {
		t.Errorf("Expected 75%%, got %.1f", got)
	}
}

func TestStat(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("statfs not supported")
	}
	u, err := Stat(t.TempDir())
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if u.Total == 0 || u.Free > u.Total {
		t.Errorf("Unexpected usage %+v", u)
	}
}
