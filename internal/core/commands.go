package core

import (
	"fmt"
	"log/slog"
	"time"
)

// GetStatus returns the current service status
func (r *Rig) GetStatus() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	encStats := r.encoder.Stats()
	busStats := r.frameBus.Stats()
	trigStats := r.triggers.Stats()
	emitterStats := r.emitter.Stats()
	disk := r.disk.Last()

	status := map[string]interface{}{
		"instance_id": r.cfg.InstanceID,
		"subject":     r.cfg.Subject,
		"mode":        r.cfg.Mode,
		"uptime_s":    time.Since(r.started).Seconds(),
		"running":     r.isRunning,
		"capture":     r.machine.Status(),
		"encoder": map[string]interface{}{
			"connected":   encStats.IsConnected,
			"fps_real":    encStats.FPSReal,
			"fps_target":  encStats.FPSTarget,
			"frame_count": encStats.FrameCount,
			"keyframes":   encStats.Keyframes,
			"reconnects":  encStats.Reconnects,
		},
		"framebus": map[string]interface{}{
			"sinks_count":        busStats.SinksCount,
			"frames_distributed": busStats.FramesDistributed,
			"dropped_by_sink":    busStats.DroppedBySink,
		},
		"trigger": map[string]interface{}{
			"level":     trigStats.LastLevel,
			"accepted":  trigStats.Accepted,
			"denoised":  trigStats.Denoised,
			"delivered": trigStats.Delivered,
			"pending":   trigStats.Pending,
		},
		"storage": map[string]interface{}{
			"path":      r.cfg.OutputRoot,
			"usage_pct": disk.Percent(),
		},
		"emitter": map[string]interface{}{
			"connected": emitterStats.Connected,
			"published": emitterStats.Published,
			"errors":    emitterStats.Errors,
		},
	}

	if r.ring != nil {
		status["ring"] = r.ring.Stats()
	}
	if r.ingest != nil {
		status["ingest"] = r.ingest.Stats()
	}

	return status
}

// finalizeNow closes the open capture at the current instant
func (r *Rig) finalizeNow() error {
	slog.Info("finalize requested via control plane")
	return r.machine.FinalizeNow(r.clock.Now(), r.tb.Epoch())
}

// rotateLog starts new data and summary files
func (r *Rig) rotateLog() error {
	r.mu.RLock()
	in := r.ingest
	r.mu.RUnlock()

	if in == nil {
		return ErrNoDataLog
	}
	files, err := in.rotate()
	if err != nil {
		return err
	}
	slog.Info("session rotated via control plane", "data", files.Data)
	return nil
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (r *Rig) shutdownViaControl() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isRunning {
		return fmt.Errorf("service not running")
	}

	if r.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	// Run returns and main drives the shutdown sequence
	r.cancelCtx()
	return nil
}
