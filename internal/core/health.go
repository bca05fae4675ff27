package core

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the health state of the rig service
type HealthStatus struct {
	Status           string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds    int64   `json:"uptime_seconds"`
	Mode             string  `json:"mode"`
	CaptureState     string  `json:"capture_state"`
	EncoderConnected bool    `json:"encoder_connected"`
	TriggerLevel     int     `json:"trigger_level"`
	MQTTConnected    bool    `json:"mqtt_connected"`
	DiskUsagePct     float64 `json:"disk_usage_pct"`
}

// HealthCheck returns the current health status of the service
func (r *Rig) HealthCheck() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Mode:          r.cfg.Mode,
		CaptureState:  r.machine.Status().State,
		TriggerLevel:  r.triggers.Level(),
		MQTTConnected: r.emitter.IsConnected(),
		DiskUsagePct:  r.disk.Last().Percent(),
	}

	if r.isRunning && r.encoderUp {
		status.EncoderConnected = r.encoder.Stats().IsConnected
	}

	// A missing broker is not a fault when MQTT is disabled
	mqttOK := status.MQTTConnected || !r.emitter.Enabled()
	diskOK := status.DiskUsagePct < r.cfg.Storage.ThresholdPct

	switch {
	case !r.isRunning:
		status.Status = "unhealthy"
	case !status.EncoderConnected || !mqttOK || !diskOK:
		status.Status = "degraded"
	}

	return status
}

// Router returns the status HTTP handler
func (r *Rig) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", r.livenessHandler)
	router.GET("/readiness", r.readinessHandler)
	router.GET("/status", r.statusHandler)
	return router
}

// livenessHandler handles /health (simple liveness check)
func (r *Rig) livenessHandler(c *gin.Context) {
	r.mu.RLock()
	uptime := int64(time.Since(r.started).Seconds())
	r.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": uptime,
	})
}

// readinessHandler handles /readiness. Degraded is still ready.
func (r *Rig) readinessHandler(c *gin.Context) {
	health := r.HealthCheck()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

// statusHandler handles /status with the full component status
func (r *Rig) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, r.GetStatus())
}

// StartHealthServer starts the status HTTP server on addr. It does not
// block; Shutdown stops it.
func (r *Rig) StartHealthServer(addr string) error {
	if addr == "" {
		addr = r.cfg.HTTP.Addr
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      r.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	r.mu.Lock()
	r.server = server
	r.mu.Unlock()

	slog.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/status"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
