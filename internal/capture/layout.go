// Package capture decides which spans of the encoded stream become files.
//
// Two machines are provided: Triggered saves a window around each trigger
// activation out of the in-memory ring, and Scheduled records continuously
// inside time-of-day windows, splitting into fixed-length segments.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/ringbuf"
	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// Extractor copies a time window out of the frame ring
type Extractor interface {
	Extract(start, stop int64, media, index io.Writer) (ringbuf.ExtractResult, error)
}

// Paths is the output triad of one capture
type Paths struct {
	Media  string
	Frames string
	Events string
}

// Layout names capture files under Root/YYYYMMDD/v<fps>-<second of day>
type Layout struct {
	Root     string
	FPS      int
	Ext      string
	Header   string
	TimeBase *timebase.TimeBase
}

// Reserve returns unused paths for a capture starting at startWall
func (l Layout) Reserve(startWall float64) Paths {
	dir := filepath.Join(l.Root, l.TimeBase.DayFolder(startWall))
	base := fmt.Sprintf("v%d-%05d", l.FPS, l.TimeBase.SecondOfDay(startWall))
	ext := strings.TrimPrefix(l.Ext, ".")
	if ext == "" {
		ext = "h264"
	}

	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		p := Paths{
			Media:  filepath.Join(dir, name+"."+ext),
			Frames: filepath.Join(dir, name+".frames"),
			Events: filepath.Join(dir, name+".events"),
		}
		if !p.taken() {
			return p
		}
	}
}

func (p Paths) taken() bool {
	for _, f := range []string{p.Media, p.Frames, p.Events} {
		if exists(f) || exists(f+atomicfile.PartialSuffix) {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// eventLog renders the .events file content
func eventLog(header string, events []types.TriggerEvent) []byte {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	for _, ev := range events {
		b.WriteString(ev.Row())
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// publishAll renames the temporary files of p to their final names
func publishAll(p Paths) error {
	var errs []error
	for _, f := range []string{p.Media, p.Frames, p.Events} {
		tmp := f + atomicfile.PartialSuffix
		if !exists(tmp) {
			continue
		}
		if err := atomicfile.Publish(tmp, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeAll deletes the temporary files of p
func removeAll(p Paths) error {
	return removeTemp(p.Media, p.Frames, p.Events)
}

// removeTemp deletes the temporary files of the given final names
func removeTemp(files ...string) error {
	var errs []error
	for _, f := range files {
		if err := os.Remove(f + atomicfile.PartialSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
