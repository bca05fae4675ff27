// Package recovery finds files left behind by an interrupted run and moves
// them aside, so no partial file is ever read as a finished one.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/e7canasta/rigcap/internal/atomicfile"
	"github.com/e7canasta/rigcap/internal/telemetry"
)

// Suffix is appended to quarantined files
const Suffix = ".recovered"

// Patterns matches leftovers relative to the output root
var Patterns = []string{
	"**/*" + atomicfile.PartialSuffix,
	"**/" + telemetry.TempPrefix + "*",
}

// Moved is one quarantined file
type Moved struct {
	From string `json:"from"`
	To   string `json:"to"`
	Size int64  `json:"size"`
}

// Scan returns leftover files under root, sorted
func Scan(root string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range Patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(root, p))
		if err != nil {
			return nil, fmt.Errorf("recovery: pattern matching failed: %w", err)
		}
		for _, m := range matches {
			if strings.Contains(filepath.Base(m), Suffix) {
				continue
			}
			if info, err := os.Stat(m); err != nil || info.IsDir() {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Quarantine renames every leftover under root to <name>.recovered,
// numbering the target when it already exists
func Quarantine(root string) ([]Moved, error) {
	files, err := Scan(root)
	if err != nil {
		return nil, err
	}

	var moved []Moved
	var errs []error
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		target := freeName(f + Suffix)
		if err := os.Rename(f, target); err != nil {
			errs = append(errs, fmt.Errorf("recovery: rename %s: %w", f, err))
			continue
		}
		slog.Warn("recovery: leftover file quarantined",
			"from", f,
			"to", target,
			"size", info.Size(),
			"action", "inspect and merge manually if the data is needed")
		moved = append(moved, Moved{From: f, To: target, Size: info.Size()})
	}

	if len(moved) == 0 && len(errs) == 0 {
		slog.Debug("recovery: no leftovers", "root", root)
	}
	return moved, errors.Join(errs...)
}

func freeName(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	for n := 1; ; n++ {
		p := fmt.Sprintf("%s.%d", path, n)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p
		}
	}
}
