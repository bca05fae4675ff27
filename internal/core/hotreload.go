package core

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/rigcap/internal/config"
)

// applyConfig applies a reloaded configuration. Only the recording schedule
// and the empty-segment grace change live; everything else needs a restart.
func (r *Rig) applyConfig(next *config.Config) {
	changes, err := r.updateSchedule(next)
	if err != nil {
		slog.Warn("config reload rejected",
			"error", err,
			"action", "fix scheduled.windows in the config file")
		return
	}

	for _, field := range restartFields(r.cfg, next) {
		slog.Warn("config change requires restart", "field", field)
	}

	if len(changes) > 0 {
		slog.Info("config hot-reload applied", "changes", changes)
	}
}

// updateSchedule pushes new windows into the scheduled machine
func (r *Rig) updateSchedule(next *config.Config) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduled == nil || next.Mode != config.ModeScheduled {
		return nil, nil
	}

	windows, err := config.Windows(next.Scheduled.Windows)
	if err != nil {
		return nil, err
	}

	var changes []string
	if fmt.Sprint(r.cfg.Scheduled.Windows) != fmt.Sprint(next.Scheduled.Windows) {
		changes = append(changes, fmt.Sprintf("scheduled.windows: %v → %v", r.cfg.Scheduled.Windows, next.Scheduled.Windows))
	}
	if r.cfg.Scheduled.EmptyGrace != next.Scheduled.EmptyGrace {
		changes = append(changes, fmt.Sprintf("scheduled.empty_grace: %s → %s", r.cfg.Scheduled.EmptyGrace, next.Scheduled.EmptyGrace))
	}
	if len(changes) == 0 {
		return nil, nil
	}

	r.scheduled.SetSchedule(windows, next.Scheduled.EmptyGrace)
	r.cfg.Scheduled.Windows = next.Scheduled.Windows
	r.cfg.Scheduled.EmptyGrace = next.Scheduled.EmptyGrace
	return changes, nil
}

// restartFields lists settings that differ but are only read at start
func restartFields(cur, next *config.Config) []string {
	var out []string
	if cur.Mode != next.Mode {
		out = append(out, "mode")
	}
	if cur.Subject != next.Subject {
		out = append(out, "subject")
	}
	if cur.OutputRoot != next.OutputRoot {
		out = append(out, "output_root")
	}
	if cur.Encoder != next.Encoder {
		out = append(out, "encoder")
	}
	if cur.Ring != next.Ring {
		out = append(out, "ring")
	}
	if cur.Trigger != next.Trigger {
		out = append(out, "trigger")
	}
	if cur.Triggered != next.Triggered {
		out = append(out, "triggered")
	}
	if fmt.Sprint(cur.Serial) != fmt.Sprint(next.Serial) {
		out = append(out, "serial")
	}
	if cur.MQTT.Broker != next.MQTT.Broker {
		out = append(out, "mqtt.broker")
	}
	return out
}
