// Package emitter publishes capture reports, alerts and health to MQTT.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/rigcap/internal/capture"
	"github.com/e7canasta/rigcap/internal/config"
)

// ErrDisabled is returned when no broker is configured
var ErrDisabled = errors.New("emitter: mqtt disabled")

// Alert kinds
const (
	AlertStorage    = "storage"
	AlertWater      = "water"
	AlertSerialIdle = "serial_idle"
	AlertUnpaired   = "unpaired"
	AlertEncoder    = "encoder"
)

// Alert is an operator notification
type Alert struct {
	Kind       string                 `json:"kind"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	InstanceID string                 `json:"instance_id"`
	Timestamp  string                 `json:"timestamp"`
}

// MQTTEmitter publishes to the MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Enabled reports whether a broker is configured
func (e *MQTTEmitter) Enabled() bool {
	return e.cfg.MQTT.Broker != ""
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if !e.Enabled() {
		return ErrDisabled
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt: connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.MQTT.ClientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt: connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s",
			"action", "waiting for automatic reconnection")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("mqtt: connecting to broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// OnCapture publishes a capture report. Gaps and deleted segments go to
// their own subtopics.
func (e *MQTTEmitter) OnCapture(r capture.Report) {
	if !e.Enabled() {
		return
	}
	kind := "capture"
	switch {
	case r.Gap:
		kind = "gap"
	case r.Deleted:
		kind = "deleted"
	}
	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, kind)
	if err := e.publishJSON(topic, e.cfg.MQTT.QoS["events"], r); err != nil {
		slog.Debug("mqtt: capture report not published",
			"session_id", r.SessionID,
			"error", err)
	}
}

// PublishAlert publishes an alert to the alerts topic
func (e *MQTTEmitter) PublishAlert(a Alert) error {
	if !e.Enabled() {
		return ErrDisabled
	}
	a.InstanceID = e.cfg.InstanceID
	if a.Timestamp == "" {
		a.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Alerts, a.Kind)
	return e.publishJSON(topic, e.cfg.MQTT.QoS["alerts"], a)
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.Enabled() {
		return ErrDisabled
	}
	return e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], payload)
}

func (e *MQTTEmitter) publishJSON(topic string, qos byte, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.publish(topic, qos, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt: message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt: disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// IsConnected returns connection status
func (e *MQTTEmitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.Client != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
