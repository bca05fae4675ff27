package serialio

import (
	"bytes"
	"fmt"
)

// DefaultMaxLine bounds a line that never sees its terminator
const DefaultMaxLine = 64 * 1024

// Normalizer splits a byte stream into newline-terminated lines and
// classifies each complete line. A trailing partial line is held until the
// rest of it arrives.
type Normalizer struct {
	classify Classifier
	maxLine  int
	pending  []byte

	lines     uint64
	malformed uint64
}

// NewNormalizer creates a normalizer using classify
func NewNormalizer(classify Classifier) *Normalizer {
	return &Normalizer{classify: classify, maxLine: DefaultMaxLine}
}

// Feed consumes p and returns the records completed by it. Malformed lines
// come back as KindMalformed records carrying their error.
func (n *Normalizer) Feed(p []byte) []Record {
	n.pending = append(n.pending, p...)

	var out []Record
	for {
		i := bytes.IndexByte(n.pending, '\n')
		if i < 0 {
			break
		}
		line := string(n.pending[:i])
		n.pending = n.pending[i+1:]

		if len(bytes.TrimSpace([]byte(line))) == 0 {
			continue
		}
		n.lines++
		r, err := n.classify(line)
		if err != nil {
			n.malformed++
		}
		out = append(out, r)
	}

	if len(n.pending) > n.maxLine {
		n.malformed++
		err := &MalformedError{
			Line:   string(n.pending[:64]),
			Reason: fmt.Sprintf("no line terminator within %d bytes", n.maxLine),
		}
		out = append(out, Record{Kind: KindMalformed, Line: err.Line, Err: err})
		n.pending = nil
	}

	// keep the partial line without pinning the old backing array
	if len(n.pending) == 0 {
		n.pending = nil
	} else if cap(n.pending) > 4*len(n.pending)+4096 {
		n.pending = append([]byte(nil), n.pending...)
	}
	return out
}

// Pending returns the number of bytes of an incomplete line
func (n *Normalizer) Pending() int {
	return len(n.pending)
}

// Stats returns the number of classified and malformed lines
func (n *Normalizer) Stats() (lines, malformed uint64) {
	return n.lines, n.malformed
}
