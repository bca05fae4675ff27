package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/rigcap/internal/capture"
	"github.com/e7canasta/rigcap/internal/config"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (c *fakeClient) Disconnect(uint)        {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return doneToken{err: c.err}
	}
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return doneToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func testConfig(t *testing.T, broker string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("instance_id: rig-01\nsubject: m\noutput_root: /tmp\nencoder: {fps: 30}\nmqtt: {broker: '" + broker + "'}\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func connected(t *testing.T) (*MQTTEmitter, *fakeClient) {
	e := NewMQTTEmitter(testConfig(t, "localhost:1883"))
	c := &fakeClient{}
	e.Client = c
	e.setConnected(true)
	return e, c
}

func TestOnCaptureTopics(t *testing.T) {
	e, c := connected(t)

	e.OnCapture(capture.Report{SessionID: "a", Mode: "triggered"})
	e.OnCapture(capture.Report{SessionID: "b", Gap: true})
	e.OnCapture(capture.Report{SessionID: "c", Deleted: true})

	want := []string{
		"rigcap/events/rig-01/capture",
		"rigcap/events/rig-01/gap",
		"rigcap/events/rig-01/deleted",
	}
	if len(c.msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(c.msgs))
	}
	for i, topic := range want {
		if c.msgs[i].topic != topic {
			t.Errorf("Expected topic %s, got %s", topic, c.msgs[i].topic)
		}
		if c.msgs[i].qos != 1 {
			t.Errorf("Expected qos 1, got %d", c.msgs[i].qos)
		}
	}

	var r capture.Report
	if err := json.Unmarshal(c.msgs[0].payload, &r); err != nil || r.SessionID != "a" {
		t.Errorf("Unexpected payload %s (%v)", c.msgs[0].payload, err)
	}
	if e.Stats().Published["rigcap/events/rig-01/gap"] != 1 {
		t.Errorf("Unexpected stats %+v", e.Stats())
	}
}

func TestPublishAlert(t *testing.T) {
	e, c := connected(t)

	if err := e.PublishAlert(Alert{Kind: AlertStorage, Message: "disk full"}); err != nil {
		t.Fatalf("PublishAlert failed: %v", err)
	}
	var a Alert
	if err := json.Unmarshal(c.msgs[0].payload, &a); err != nil {
		t.Fatal(err)
	}
	if c.msgs[0].topic != "rigcap/alerts/rig-01/storage" || a.InstanceID != "rig-01" || a.Timestamp == "" {
		t.Errorf("Unexpected alert %s on %s", c.msgs[0].payload, c.msgs[0].topic)
	}

	c.err = errors.New("broker gone")
	if err := e.PublishAlert(Alert{Kind: AlertWater}); err == nil {
		t.Error("Expected publish error")
	}
	if e.Stats().Errors != 1 {
		t.Errorf("Expected 1 error, got %d", e.Stats().Errors)
	}
}

func TestDisabled(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t, ""))
	if e.Enabled() {
		t.Error("Expected emitter disabled without broker")
	}
	if err := e.PublishAlert(Alert{Kind: AlertStorage}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
	e.OnCapture(capture.Report{SessionID: "x"})
	if e.Stats().Errors != 0 {
		t.Error("Expected disabled emitter to stay silent")
	}
}

func TestNotConnected(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t, "localhost:1883"))
	if err := e.PublishHealth([]byte("{}")); err == nil {
		t.Error("Expected error before connect")
	}
}
