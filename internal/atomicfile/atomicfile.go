// Package atomicfile writes files under a temporary name and publishes them
// with a single rename, so readers never see a partially written file under
// its final name.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PartialSuffix is appended to the final name while a file is being written
const PartialSuffix = ".partial"

// ErrClosed is returned when a finished File is used again
var ErrClosed = errors.New("atomicfile: file already closed")

// File is a file being written under a temporary name
type File struct {
	f      *os.File
	final  string
	tmp    string
	closed bool
}

// Create opens final+PartialSuffix for writing, creating parent directories
func Create(final string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("atomicfile: create dir for %s: %w", final, err)
	}
	tmp := final + PartialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: open %s: %w", tmp, err)
	}
	return &File{f: f, final: final, tmp: tmp}, nil
}

// Write appends p to the temporary file
func (a *File) Write(p []byte) (int, error) {
	if a.closed {
		return 0, ErrClosed
	}
	return a.f.Write(p)
}

// WriteString appends s to the temporary file
func (a *File) WriteString(s string) (int, error) {
	return a.Write([]byte(s))
}

// Name returns the final name
func (a *File) Name() string { return a.final }

// TempName returns the temporary name
func (a *File) TempName() string { return a.tmp }

// Size returns the number of bytes written so far
func (a *File) Size() (int64, error) {
	if a.closed {
		st, err := os.Stat(a.tmp)
		if err != nil {
			return 0, err
		}
		return st.Size(), nil
	}
	st, err := a.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Close syncs and closes the temporary file without publishing it
func (a *File) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.f.Sync(); err != nil {
		_ = a.f.Close()
		return fmt.Errorf("atomicfile: sync %s: %w", a.tmp, err)
	}
	if err := a.f.Close(); err != nil {
		return fmt.Errorf("atomicfile: close %s: %w", a.tmp, err)
	}
	return nil
}

// Commit closes the file and renames it to its final name
func (a *File) Commit() error {
	if err := a.Close(); err != nil {
		return err
	}
	return Publish(a.tmp, a.final)
}

// Abort closes the file and removes it
func (a *File) Abort() error {
	if !a.closed {
		a.closed = true
		_ = a.f.Close()
	}
	if err := os.Remove(a.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("atomicfile: remove %s: %w", a.tmp, err)
	}
	return nil
}

// Publish renames a finished temporary file to its final name
func Publish(tmp, final string) error {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("atomicfile: create dir for %s: %w", final, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("atomicfile: publish %s: %w", final, err)
	}
	return nil
}

// WriteFile writes data to path through a temporary file and rename
func WriteFile(path string, data []byte) error {
	a, err := Create(path)
	if err != nil {
		return err
	}
	if _, err := a.Write(data); err != nil {
		_ = a.Abort()
		return fmt.Errorf("atomicfile: write %s: %w", path, err)
	}
	return a.Commit()
}
