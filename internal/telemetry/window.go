// Package telemetry records the analog channel of the controller.
//
// A Window always holds the most recent samples. When the controller marks
// the start of an analog segment the window is drained into a temporary
// file first, so samples that arrived just before the marker are kept. The
// temporary file is only published by the PublishQueue, which pairs it with
// the final name announced on the data port.
package telemetry

import "sync"

// Window is a fixed-capacity sliding window of sample rows
type Window struct {
	mu   sync.Mutex
	rows []string
	head int
	n    int
}

// NewWindow creates a window holding at most capacity rows
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{rows: make([]string, capacity)}
}

// Push appends a row, evicting the oldest when full
func (w *Window) Push(row string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := (w.head + w.n) % len(w.rows)
	w.rows[idx] = row
	if w.n < len(w.rows) {
		w.n++
		return
	}
	w.head = (w.head + 1) % len(w.rows)
}

// Snapshot returns the rows oldest first
func (w *Window) Snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.rows[(w.head+i)%len(w.rows)]
	}
	return out
}

// Len returns the number of rows held
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Cap returns the window capacity
func (w *Window) Cap() int {
	return len(w.rows)
}
