package datalog

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/e7canasta/rigcap/internal/serialio"
	"github.com/e7canasta/rigcap/internal/timebase"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLog(t *testing.T, compress bool) (*Log, *clock, string) {
	t.Helper()
	dir := t.TempDir()
	c := &clock{t: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)}
	l, err := Open(Config{
		Dir:         dir,
		Subject:     "mouse1",
		RotateEvery: time.Hour,
		Compress:    compress,
		TimeBase:    timebase.NewWithClock(0, c.now),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l, c, dir
}

func feed(t *testing.T, l *Log, lines ...string) {
	t.Helper()
	n := serialio.NewNormalizer(serialio.Classify)
	for _, rec := range n.Feed([]byte(strings.Join(lines, "\n") + "\n")) {
		if err := l.Write(rec); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestLogRoutesRecords(t *testing.T) {
	l, _, dir := newTestLog(t, false)
	summary := "205,0.3,0.7,1,1,12,3,0.5,1709632800000,10,20,30"
	feed(t, l,
		"I,session start",
		"1,2,3,4,5,6,7,8",
		"1,2,3,4,5,6,7",
		summary,
		"99,0,0,0,10,1709632800,0,0",
	)

	if _, err := os.Stat(filepath.Join(dir, "mouse1-2024-03-05-10-00-00.dat")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("Expected data file unpublished while open")
	}

	files, err := l.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if files.Data != filepath.Join(dir, "mouse1-2024-03-05-10-00-00.dat") {
		t.Errorf("Unexpected data file %s", files.Data)
	}

	dat := readFile(t, files.Data)
	lines := strings.Split(strings.TrimSpace(dat), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 2 data rows and a trailer, got %q", dat)
	}
	if lines[0] != "1,2,3,4,5,6,7,8" || !strings.HasPrefix(lines[1], "99,") {
		t.Errorf("Unexpected data rows %q", lines[:2])
	}
	if strings.Contains(dat, summary) {
		t.Error("Expected summary row kept out of the data file")
	}

	trial := readFile(t, files.Summary)
	if trial != serialio.SummaryHeader+"\n"+summary+"\n" {
		t.Errorf("Unexpected summary file %q", trial)
	}

	tr, err := Verify([]byte(dat), []byte(trial))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if tr.DataRows != 2 || tr.SummaryRows != 1 {
		t.Errorf("Expected 2/1 rows in trailer, got %d/%d", tr.DataRows, tr.SummaryRows)
	}

	msg := readFile(t, files.Log)
	if !strings.Contains(msg, "Info:\nsession start") {
		t.Errorf("Expected info block in message log, got %q", msg)
	}
	if !strings.Contains(msg, "1,2,3,4,5,6,7\n") {
		t.Errorf("Expected malformed row logged, got %q", msg)
	}
}

func TestLogMalformedReason(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"1,2,3,4,5,6,7", "(expected 8 fields, got 7)"},
		{"D", "(daily water report without count)"},
		{"D,lots", "(daily water count is not a number)"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			l, _, _ := newTestLog(t, false)
			feed(t, l, tt.line)

			files, err := l.Close()
			if err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			msg := readFile(t, files.Log)
			if !strings.Contains(msg, tt.want) || !strings.Contains(msg, tt.line+"\n") {
				t.Errorf("Expected %s for %q, got %q", tt.want, tt.line, msg)
			}
			if tt.line != "1,2,3,4,5,6,7" && strings.Contains(msg, "expected 8 fields") {
				t.Errorf("Expected no field count message for %q", tt.line)
			}
		})
	}
}

func TestLogRotate(t *testing.T) {
	l, c, dir := newTestLog(t, false)
	feed(t, l, "1,1,1,1,1,1,1,1", "200,1")

	c.t = c.t.Add(30 * time.Minute)
	if l.Due(timebase.NewWithClock(0, c.now).Epoch()) {
		t.Error("Expected rotation not due after 30 minutes")
	}
	c.t = c.t.Add(31 * time.Minute)
	if !l.Due(timebase.NewWithClock(0, c.now).Epoch()) {
		t.Fatal("Expected rotation due after 61 minutes")
	}

	first, err := l.Rotate()
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	dat := readFile(t, first.Data)
	if !strings.Contains(dat, "\nROTATE,1709636460,1,1\n") {
		t.Errorf("Expected rotation sentinel, got %q", dat)
	}
	if _, err := Verify([]byte(dat), []byte(readFile(t, first.Summary))); err != nil {
		t.Errorf("Verify rotated file: %v", err)
	}

	feed(t, l, "2,2,2,2,2,2,2,2")
	if !strings.HasSuffix(l.Base(), "mouse1-2024-03-05-11-01-00") {
		t.Errorf("Unexpected next base %s", l.Base())
	}

	last, err := l.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if last.Trailer.DataRows != 1 {
		t.Errorf("Expected 1 row after rotation, got %d", last.Trailer.DataRows)
	}
	if l.Stats().Rotations != 1 || l.Stats().DataRows != 2 {
		t.Errorf("Unexpected stats %+v", l.Stats())
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.partial"))
	if len(leftovers) != 0 {
		t.Errorf("Expected no partial files after close, got %v", leftovers)
	}
}

func TestLogCompress(t *testing.T) {
	l, _, _ := newTestLog(t, true)
	feed(t, l, "1,2,3,4,5,6,7,8")

	files, err := l.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !strings.HasSuffix(files.Data, ".dat.xz") || !strings.HasSuffix(files.Summary, ".trial.csv.xz") {
		t.Fatalf("Expected compressed files, got %+v", files)
	}
	if _, err := os.Stat(strings.TrimSuffix(files.Data, ExtXZ)); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected plain data file removed")
	}

	raw, err := os.ReadFile(files.Data)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("xz reader: %v", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.HasPrefix(string(plain), "1,2,3,4,5,6,7,8\nEND,") {
		t.Errorf("Unexpected decompressed content %q", plain)
	}
}

func TestVerifyDetectsTruncation(t *testing.T) {
	body := "1,2,3,4,5,6,7,8\n"
	tr := Trailer{Epoch: 1, DataRows: 1, DataHash: Sum([]byte(body)), SummaryHash: Sum(nil)}
	good := body + tr.String() + "\n"

	if _, err := Verify([]byte(good), nil); err != nil {
		t.Fatalf("Expected valid file, got %v", err)
	}
	if _, err := Verify([]byte(body), nil); !errors.Is(err, ErrNoTrailer) {
		t.Errorf("Expected ErrNoTrailer, got %v", err)
	}
	tampered := "9" + good[1:]
	if _, err := Verify([]byte(tampered), nil); !errors.Is(err, ErrChecksum) {
		t.Errorf("Expected ErrChecksum, got %v", err)
	}
}

func TestIsSentinel(t *testing.T) {
	tests := map[string]bool{
		"ROTATE,1,2,3":       true,
		"END,1,2,3,aa,bb":    true,
		"1,2,3,4,5,6,7,8":    false,
		"ROTATED,1":          false,
		"205,0.3,0.7,1,1,12": false,
	}
	for line, want := range tests {
		if got := IsSentinel(line); got != want {
			t.Errorf("%q: expected %v, got %v", line, want, got)
		}
	}
}
