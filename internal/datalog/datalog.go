// Package datalog writes the controller's serial records into session files.
//
// A session has three files: <subject>-<stamp>.dat for data rows,
// <subject>-<stamp>.trial.csv for summary rows and <subject>-<stamp>.log for
// controller messages. All three are written under temporary names and
// published when the session rotates or closes. The data file ends with an
// END trailer carrying row counts and HighwayHash checksums.
package datalog

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/serialio"
	"github.com/e7canasta/rigcap/internal/timebase"
)

// File extensions of a session
const (
	ExtData    = ".dat"
	ExtSummary = ".trial.csv"
	ExtLog     = ".log"
	ExtXZ      = ".xz"
)

// Config configures a session log
type Config struct {
	Dir     string
	Subject string
	// RotateEvery starts new data and summary files at this period; 0 never rotates
	RotateEvery time.Duration
	// Compress replaces published data and summary files with .xz copies
	Compress bool
	TimeBase *timebase.TimeBase
}

// Files names the files published by a rotation or close
type Files struct {
	Data    string
	Summary string
	Log     string
	Trailer Trailer
}

// Stats contains session log statistics
type Stats struct {
	DataRows    uint64
	SummaryRows uint64
	Messages    uint64
	Rotations   uint64
}

type stream struct {
	f    *atomicfile.File
	h    hash.Hash
	w    io.Writer
	rows int
}

func openStream(path string) (*stream, error) {
	f, err := atomicfile.Create(path)
	if err != nil {
		return nil, err
	}
	h := newHash()
	return &stream{f: f, h: h, w: io.MultiWriter(f, h)}, nil
}

func (s *stream) line(text string) error {
	if _, err := io.WriteString(s.w, text+"\n"); err != nil {
		return fmt.Errorf("datalog: write %s: %w", s.f.Name(), err)
	}
	return nil
}

// Log routes serial records into the files of one session
type Log struct {
	cfg Config

	mu       sync.Mutex
	base     string
	opened   float64
	dat      *stream
	trial    *stream
	msg      *stream
	stats    Stats
	closed   bool
	logFinal string
}

// Open starts a session at the current controller time
func Open(cfg Config) (*Log, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("datalog: subject is required")
	}
	if cfg.TimeBase == nil {
		return nil, fmt.Errorf("datalog: time base is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("datalog: create %s: %w", cfg.Dir, err)
	}

	l := &Log{cfg: cfg}
	now := cfg.TimeBase.Epoch()
	if err := l.openData(now); err != nil {
		return nil, err
	}
	msg, err := openStream(l.base + ExtLog)
	if err != nil {
		_ = l.dat.f.Abort()
		_ = l.trial.f.Abort()
		return nil, err
	}
	l.msg = msg
	l.logFinal = l.base + ExtLog

	slog.Info("datalog: session opened", "data", l.base+ExtData)
	return l, nil
}

func (l *Log) openData(now float64) error {
	base := l.reserve(now)
	dat, err := openStream(base + ExtData)
	if err != nil {
		return err
	}
	trial, err := openStream(base + ExtSummary)
	if err != nil {
		_ = dat.f.Abort()
		return err
	}
	if err := trial.line(serialio.SummaryHeader); err != nil {
		_ = dat.f.Abort()
		_ = trial.f.Abort()
		return err
	}
	l.base, l.opened, l.dat, l.trial = base, now, dat, trial
	return nil
}

// reserve returns an unused <subject>-<stamp> path
func (l *Log) reserve(now float64) string {
	stem := filepath.Join(l.cfg.Dir, l.cfg.Subject+"-"+l.cfg.TimeBase.Stamp(now))
	for n := 0; ; n++ {
		base := stem
		if n > 0 {
			base = fmt.Sprintf("%s-%d", stem, n)
		}
		taken := false
		for _, ext := range []string{ExtData, ExtData + atomicfile.PartialSuffix, ExtData + ExtXZ} {
			if _, err := os.Stat(base + ext); err == nil {
				taken = true
				break
			}
		}
		if !taken {
			return base
		}
	}
}

// Write routes one record. Records that belong to no file are ignored.
func (l *Log) Write(rec serialio.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return atomicfile.ErrClosed
	}
	switch rec.Kind {
	case serialio.KindData, serialio.KindSegmentStart, serialio.KindSegmentEnd:
		if err := l.dat.line(rec.Line); err != nil {
			return err
		}
		l.dat.rows++
		l.stats.DataRows++
	case serialio.KindSummary:
		if err := l.trial.line(rec.Line); err != nil {
			return err
		}
		l.trial.rows++
		l.stats.SummaryRows++
	case serialio.KindInfo:
		return l.messageLocked("Info:", rec.Text)
	case serialio.KindError:
		return l.messageLocked("Error:", rec.Text)
	case serialio.KindMalformed:
		return l.messageLocked("Error:",
			"       Error in reading serial ("+malformedReason(rec)+").",
			"       Modify serial read or update parser.",
			rec.Line)
	}
	return nil
}

func malformedReason(rec serialio.Record) string {
	var me *serialio.MalformedError
	switch {
	case errors.As(rec.Err, &me):
		return me.Reason
	case rec.Err != nil:
		return rec.Err.Error()
	default:
		return "malformed line"
	}
}

// Message appends a block to the session's message log
func (l *Log) Message(lines ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return atomicfile.ErrClosed
	}
	return l.messageLocked(lines...)
}

func (l *Log) messageLocked(lines ...string) error {
	var b strings.Builder
	b.WriteString("--------------- \n")
	b.WriteString(l.cfg.TimeBase.Stamp(l.cfg.TimeBase.Epoch()))
	for _, ln := range lines {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(ln, "\r\n"))
	}
	l.stats.Messages++
	return l.msg.line(b.String())
}

// Due reports whether the data files are old enough to rotate
func (l *Log) Due(now float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.cfg.RotateEvery > 0 && now-l.opened >= l.cfg.RotateEvery.Seconds()
}

// Rotate marks and publishes the current data and summary files and opens
// new ones. The message log continues.
func (l *Log) Rotate() (Files, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Files{}, atomicfile.ErrClosed
	}
	now := l.cfg.TimeBase.Epoch()
	rotate := fmt.Sprintf("%s,%d,%d,%d", RotateTag, int64(now), l.dat.rows, l.trial.rows)
	if err := l.dat.line(rotate); err != nil {
		return Files{}, err
	}

	files, err := l.finishDataLocked(now)
	if err != nil {
		return files, err
	}
	if err := l.openData(now); err != nil {
		l.closed = true
		return files, err
	}
	l.stats.Rotations++
	slog.Info("datalog: session rotated", "published", files.Data, "next", l.base+ExtData)
	return files, nil
}

// Close writes the END trailer and publishes every session file
func (l *Log) Close() (Files, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Files{}, nil
	}
	l.closed = true

	files, err := l.finishDataLocked(l.cfg.TimeBase.Epoch())
	if cerr := l.msg.f.Commit(); cerr != nil {
		err = errors.Join(err, cerr)
	} else {
		files.Log = l.logFinal
	}
	slog.Info("datalog: session closed", "data", files.Data, "rows", files.Trailer.DataRows)
	return files, err
}

// finishDataLocked writes the END trailer, publishes the data and summary
// files and compresses them when configured
func (l *Log) finishDataLocked(now float64) (Files, error) {
	t := Trailer{
		Epoch:       int64(now),
		DataRows:    l.dat.rows,
		SummaryRows: l.trial.rows,
		SummaryHash: fmt.Sprintf("%x", l.trial.h.Sum(nil)),
	}
	t.DataHash = fmt.Sprintf("%x", l.dat.h.Sum(nil))
	if err := l.dat.line(t.String()); err != nil {
		return Files{}, err
	}

	files := Files{Trailer: t}
	var errs []error
	for _, s := range []*stream{l.dat, l.trial} {
		if err := s.f.Commit(); err != nil {
			errs = append(errs, err)
			continue
		}
		name := s.f.Name()
		if l.cfg.Compress {
			xzName, err := compress(name)
			if err != nil {
				slog.Warn("datalog: compression failed, keeping plain file", "file", name, "error", err)
			} else {
				name = xzName
			}
		}
		if s == l.dat {
			files.Data = name
		} else {
			files.Summary = name
		}
	}
	return files, errors.Join(errs...)
}

// compress writes path+".xz" atomically and removes path
func compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	final := path + ExtXZ
	dst, err := atomicfile.Create(final)
	if err != nil {
		return "", err
	}
	zw, err := xz.NewWriter(dst)
	if err != nil {
		_ = dst.Abort()
		return "", fmt.Errorf("datalog: xz writer: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Abort()
		return "", fmt.Errorf("datalog: compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		_ = dst.Abort()
		return "", fmt.Errorf("datalog: compress %s: %w", path, err)
	}
	if err := dst.Commit(); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return final, fmt.Errorf("datalog: remove %s: %w", path, err)
	}
	return final, nil
}

// Base returns the current <subject>-<stamp> path without extension
func (l *Log) Base() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// Stats returns session log statistics
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
