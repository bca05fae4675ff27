package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/e7canasta/rigcap/internal/timebase"
)

// TempPrefix starts the name of every unpublished analog file
const TempPrefix = "anTemp."

var (
	// ErrNestedBegin is returned when a segment starts while one is open;
	// the open segment is ended and queued first
	ErrNestedBegin = errors.New("telemetry: analog segment started while another was open")
	// ErrNoSegment is returned for an end marker without an open segment
	ErrNoSegment = errors.New("telemetry: analog segment end without start")
	// ErrNoPinMap is returned for a start row received before any pin map
	ErrNoPinMap = errors.New("telemetry: analog pin map missing")
	// ErrNoFinalName is returned for an end row without a preceding start row
	ErrNoFinalName = errors.New("telemetry: analog final name missing")
	// ErrShortStartRow is returned when a start row lacks the naming fields
	ErrShortStartRow = errors.New("telemetry: start row too short for analog name")
)

// RecorderConfig configures a Recorder
type RecorderConfig struct {
	// Root is the analog folder, e.g. Analog-<subject>
	Root string
	// WindowSize is the number of samples kept before a segment start
	WindowSize int
	TimeBase   *timebase.TimeBase
}

// Recorder writes analog segments through the pre-trigger window and the
// publish queue
type Recorder struct {
	cfg    RecorderConfig
	window *Window
	queue  *PublishQueue

	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	temp      string
	written   int
	pins      string
	finalName string
	segments  uint64
}

// NewRecorder creates a recorder publishing through queue
func NewRecorder(cfg RecorderConfig, queue *PublishQueue) (*Recorder, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("telemetry: analog root is required")
	}
	if cfg.TimeBase == nil {
		return nil, fmt.Errorf("telemetry: time base is required")
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("telemetry: window size must be > 0")
	}
	return &Recorder{
		cfg:    cfg,
		window: NewWindow(cfg.WindowSize),
		queue:  queue,
	}, nil
}

// Dir returns the analog day folder for the given wall time
func (r *Recorder) Dir(wall float64) string {
	return filepath.Join(r.cfg.Root, r.cfg.TimeBase.DashedDay(wall))
}

// Window returns the pre-trigger window
func (r *Recorder) Window() *Window { return r.window }

// Begin opens a temporary file and writes the window's contents into it
func (r *Recorder) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var nested error
	if r.file != nil {
		nested = ErrNestedBegin
		if err := r.endLocked(); err != nil {
			nested = errors.Join(nested, err)
		}
	}

	wall := r.cfg.TimeBase.Epoch()
	dir := r.Dir(wall)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Join(nested, fmt.Errorf("telemetry: create %s: %w", dir, err))
	}
	name, f, err := createTemp(dir, int64(wall))
	if err != nil {
		return errors.Join(nested, err)
	}

	r.file = f
	r.w = bufio.NewWriter(f)
	r.temp = name
	r.written = 0
	r.segments++

	for _, row := range r.window.Snapshot() {
		if err := r.writeLocked(row); err != nil {
			return errors.Join(nested, err)
		}
	}
	slog.Debug("telemetry: analog segment opened", "temp", name, "pre_trigger_samples", r.written)
	return nested
}

func createTemp(dir string, epoch int64) (string, *os.File, error) {
	base := filepath.Join(dir, fmt.Sprintf("%s%d", TempPrefix, epoch))
	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s.%d", base, n)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("telemetry: open %s: %w", name, err)
		}
		return name, f, nil
	}
	return "", nil, fmt.Errorf("telemetry: no free temporary name for %s", base)
}

// Sample records one analog row in the window and in the open segment
func (r *Recorder) Sample(row string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row = strings.TrimRight(row, "\r\n")
	r.window.Push(row)
	if r.file == nil {
		return nil
	}
	return r.writeLocked(row)
}

func (r *Recorder) writeLocked(row string) error {
	if _, err := r.w.WriteString(row); err != nil {
		return fmt.Errorf("telemetry: write %s: %w", r.temp, err)
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("telemetry: write %s: %w", r.temp, err)
	}
	r.written++
	return nil
}

// End closes the open segment and queues it for publication
func (r *Recorder) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return ErrNoSegment
	}
	return r.endLocked()
}

func (r *Recorder) endLocked() error {
	f, w, temp := r.file, r.w, r.temp
	r.file, r.w, r.temp = nil, nil, ""

	err := w.Flush()
	if serr := f.Sync(); err == nil {
		err = serr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("telemetry: close %s: %w", temp, err)
	}
	slog.Debug("telemetry: analog segment closed", "temp", temp, "samples", r.written)
	return r.queue.AddSource(temp)
}

// SetPins records the pin map used to name analog files
func (r *Recorder) SetPins(pins []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clean := make([]string, 0, len(pins))
	for _, p := range pins {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	r.pins = ""
	if len(clean) > 0 {
		r.pins = "." + strings.Join(clean, ".")
	}
}

// StartRow derives the final name of the next analog segment from a start
// row: an.<field 5>.<field 4><.pins>
func (r *Recorder) StartRow(fields []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finalName = ""
	if r.pins == "" {
		return ErrNoPinMap
	}
	if len(fields) < 6 {
		return fmt.Errorf("%w: %d fields", ErrShortStartRow, len(fields))
	}
	name := fmt.Sprintf("an.%s.%s%s",
		strings.TrimSpace(fields[5]), strings.TrimSpace(fields[4]), r.pins)
	r.finalName = filepath.Join(r.Dir(r.cfg.TimeBase.Epoch()), name)
	return nil
}

// EndRow queues the final name derived by the last start row
func (r *Recorder) EndRow() error {
	r.mu.Lock()
	name := r.finalName
	r.finalName = ""
	r.mu.Unlock()

	if name == "" {
		return ErrNoFinalName
	}
	return r.queue.AddDestination(name)
}

// Flush publishes completed pairs
func (r *Recorder) Flush() ([]Published, error) {
	return r.queue.Flush()
}

// Close ends an open segment and drains the queue
func (r *Recorder) Close() error {
	r.mu.Lock()
	var errs []error
	if r.file != nil {
		errs = append(errs, r.endLocked())
	}
	r.mu.Unlock()

	_, err := r.queue.Drain()
	errs = append(errs, err)
	return errors.Join(errs...)
}

// Open reports whether a segment is being written
func (r *Recorder) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// Segments returns the number of segments started
func (r *Recorder) Segments() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segments
}
