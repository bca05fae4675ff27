package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/rigcap/internal/config"
	"github.com/e7canasta/rigcap/internal/datalog"
	"github.com/e7canasta/rigcap/internal/emitter"
	"github.com/e7canasta/rigcap/internal/serialio"
	"github.com/e7canasta/rigcap/internal/telemetry"
	"github.com/e7canasta/rigcap/internal/timebase"
)

func testConfig(t *testing.T, root, extra string) *config.Config {
	t.Helper()
	data := "instance_id: rig-01\nsubject: m\noutput_root: " + root + "\n" +
		"encoder: {source: mock, fps: 30}\nring: {capacity_mb: 1}\n" + extra
	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

const scheduledYAML = "mode: scheduled\nscheduled:\n  windows:\n    - {start: '08:00', stop: '18:00'}\n"

func newTestRig(t *testing.T, extra string) *Rig {
	t.Helper()
	r, err := New(testConfig(t, t.TempDir(), extra))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestNewWiresCaptureMode(t *testing.T) {
	tests := []struct {
		name      string
		extra     string
		wantRing  bool
		wantSched bool
	}{
		{"triggered", "", true, false},
		{"scheduled", scheduledYAML, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, tt.extra)
			if (r.ring != nil) != tt.wantRing {
				t.Errorf("Expected ring %v, got %v", tt.wantRing, r.ring != nil)
			}
			if (r.scheduled != nil) != tt.wantSched {
				t.Errorf("Expected scheduled machine %v, got %v", tt.wantSched, r.scheduled != nil)
			}
			if n := r.frameBus.Stats().SinksCount; n != 1 {
				t.Errorf("Expected 1 frame sink, got %d", n)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newTestRig(t, "")
	router := r.Router()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	if w := get("/health"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "alive") {
		t.Errorf("Unexpected /health response %d %s", w.Code, w.Body.String())
	}
	if w := get("/readiness"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}

	r.mu.Lock()
	r.isRunning = true
	r.started = time.Now()
	r.mu.Unlock()

	w := get("/readiness")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 while running, got %d", w.Code)
	}
	var health HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("Expected degraded without encoder, got %s", health.Status)
	}
	if health.CaptureState != "idle" {
		t.Errorf("Expected idle capture, got %s", health.CaptureState)
	}

	w = get("/status")
	var status map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["mode"] != config.ModeTriggered || status["ring"] == nil {
		t.Errorf("Unexpected status %s", w.Body.String())
	}
}

func TestApplyConfigUpdatesSchedule(t *testing.T) {
	r := newTestRig(t, scheduledYAML)

	next := testConfig(t, r.cfg.OutputRoot,
		"mode: scheduled\nscheduled:\n  empty_grace: 5s\n  windows:\n    - {start: '20:00', stop: '06:00'}\n")
	r.applyConfig(next)

	if got := r.cfg.Scheduled.Windows; len(got) != 1 || got[0].Start != "20:00" {
		t.Errorf("Expected new window, got %+v", got)
	}
	if r.cfg.Scheduled.EmptyGrace != 5*time.Second {
		t.Errorf("Expected 5s grace, got %v", r.cfg.Scheduled.EmptyGrace)
	}

	changes, err := r.updateSchedule(next)
	if err != nil || len(changes) != 0 {
		t.Errorf("Expected no changes on identical reload, got %v (%v)", changes, err)
	}
}

func TestRestartFields(t *testing.T) {
	cur := testConfig(t, "/tmp/a", "")
	next := testConfig(t, "/tmp/b", "encoder: {source: mock, fps: 25}\n")

	got := strings.Join(restartFields(cur, next), ",")
	// ring.max_frames follows fps
	if got != "output_root,encoder,ring" {
		t.Errorf("Expected output_root,encoder,ring, got %s", got)
	}
}

func TestControlCallbacksWithoutRun(t *testing.T) {
	r := newTestRig(t, "")

	if err := r.rotateLog(); !errors.Is(err, ErrNoDataLog) {
		t.Errorf("Expected ErrNoDataLog, got %v", err)
	}
	if err := r.shutdownViaControl(); err == nil {
		t.Error("Expected error when not running")
	}
	if err := r.finalizeNow(); err != nil {
		t.Errorf("Expected finalize on idle machine to succeed, got %v", err)
	}
}

func newTestIngest(t *testing.T) (*ingest, *[]emitter.Alert, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(t, dir, "water: {quota: 200, min_percent: 50}\n")
	tb := timebase.New(0)

	log, err := datalog.Open(datalog.Config{Dir: filepath.Join(dir, DataPrefix+"m"), Subject: "m", TimeBase: tb})
	if err != nil {
		t.Fatalf("datalog: %v", err)
	}
	rec, err := telemetry.NewRecorder(telemetry.RecorderConfig{
		Root:       filepath.Join(dir, AnalogPrefix+"m"),
		WindowSize: 3,
		TimeBase:   tb,
	}, telemetry.NewPublishQueue(10, time.Minute))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}

	var alerts []emitter.Alert
	in := newIngest(cfg, tb, log, rec, AlerterFunc(func(a emitter.Alert) error {
		alerts = append(alerts, a)
		return nil
	}))
	return in, &alerts, dir
}

func feed(in *ingest, data bool, lines ...string) {
	for _, line := range lines {
		if data {
			r, _ := serialio.Classify(line)
			in.handleData(r)
		} else {
			r, _ := serialio.ClassifyAnalog(line)
			in.handleAnalog(r)
		}
	}
}

func findFile(t *testing.T, root, name string) string {
	t.Helper()
	var found string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Name() == name {
			found = path
		}
		return nil
	})
	return found
}

func TestIngestPublishesAnalogSegment(t *testing.T) {
	in, _, dir := newTestIngest(t)

	feed(in, true, "P,A0,A1")
	feed(in, false, "A,1,2", "A,3,4", "V", "A,5,6")
	feed(in, true, "99,1,2,3,4500,1700000000,0,0")
	feed(in, false, "W")
	feed(in, true, "98,1,2,3,4,5,6,7")

	in.maintain()

	if st := in.Stats(); st.Published != 1 || st.WriteErrors != 0 {
		t.Fatalf("Unexpected stats %+v", st)
	}
	path := findFile(t, filepath.Join(dir, AnalogPrefix+"m"), "an.1700000000.4500.A0.A1")
	if path == "" {
		t.Fatal("Expected published analog segment")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1,2\n3,4\n5,6\n" {
		t.Errorf("Expected pre-trigger samples then live sample, got %q", data)
	}

	if err := in.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	dats, _ := filepath.Glob(filepath.Join(dir, DataPrefix+"m", "*"+datalog.ExtData))
	if len(dats) != 1 {
		t.Errorf("Expected 1 published data file, got %v", dats)
	}
}

func TestIngestWaterAlertOncePerCount(t *testing.T) {
	in, alerts, _ := newTestIngest(t)
	defer in.close()

	feed(in, true, "D,50", "D,50", "D,150", "D,0")

	if len(*alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(*alerts))
	}
	if a := (*alerts)[0]; a.Kind != emitter.AlertWater || !strings.Contains(a.Message, "below minimum 100") {
		t.Errorf("Unexpected alert %+v", a)
	}
	if in.Stats().WaterAlerts != 1 {
		t.Errorf("Expected 1 water alert, got %d", in.Stats().WaterAlerts)
	}
}

func TestIngestStartRowWithoutPins(t *testing.T) {
	in, _, _ := newTestIngest(t)
	defer in.close()

	feed(in, true, "99,1,2,3,4500,1700000000,0,0", "98,1,2,3,4,5,6,7")

	if st := in.Stats(); st.DataRecords != 2 || st.WriteErrors != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if n := in.log.Stats().DataRows; n != 2 {
		t.Errorf("Expected both rows in the data file, got %d", n)
	}
}
