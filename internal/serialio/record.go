// Package serialio reads the experiment controller's serial ports and turns
// the byte stream into classified records.
package serialio

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the class of a serial record
type Kind int

const (
	KindMalformed Kind = iota
	KindInfo
	KindError
	KindDailyWater
	KindPinMap
	KindSegmentStart
	KindSegmentEnd
	KindData
	KindSummary
	KindAnalogBegin
	KindAnalogSample
	KindAnalogEnd
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindError:
		return "error"
	case KindDailyWater:
		return "daily_water"
	case KindPinMap:
		return "pin_map"
	case KindSegmentStart:
		return "segment_start"
	case KindSegmentEnd:
		return "segment_end"
	case KindData:
		return "data"
	case KindSummary:
		return "summary"
	case KindAnalogBegin:
		return "analog_begin"
	case KindAnalogSample:
		return "analog_sample"
	case KindAnalogEnd:
		return "analog_end"
	default:
		return "malformed"
	}
}

const (
	// DataFields is the exact field count of a data row
	DataFields = 8
	// SummaryThreshold is the lowest event code routed to the summary stream
	SummaryThreshold = 200
	// CodeSegmentStart and CodeSegmentEnd mark analog segment boundaries
	CodeSegmentStart = "99"
	CodeSegmentEnd   = "98"
)

// SummaryHeader is the first line of a .trial.csv file
const SummaryHeader = "eventCode,port1Prob,port2Prob,chosenPort,rewarded,trialId,blockId,unstructuredProb,sessionStartEpochMs,blockStartRelMs,trialStartRelMs,trialEndRelMs"

// Record is one complete line from the controller
type Record struct {
	Kind Kind
	// Line is the raw line without its line terminator
	Line   string
	Fields []string
	// Text carries the message of info and error lines
	Text string
	// Count carries the daily water counter
	Count int
	// Pins carries the analog pin map
	Pins []string
	// Err is set for KindMalformed
	Err error
}

// MalformedError reports a line that was dropped
type MalformedError struct {
	Line   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("serialio: malformed line %q: %s", e.Line, e.Reason)
}

// Classifier turns one line into a record
type Classifier func(line string) (Record, error)

// Classify classifies a line from the data port
func Classify(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ",")
	r := Record{Line: line, Fields: fields}

	switch fields[0] {
	case "I":
		r.Kind = KindInfo
		r.Text = message(line)
		return r, nil
	case "E":
		r.Kind = KindError
		r.Text = message(line)
		return r, nil
	case "D":
		if len(fields) < 2 {
			return malformed(r, "daily water report without count")
		}
		n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil || n < 0 {
			return malformed(r, "daily water count is not a number")
		}
		r.Kind = KindDailyWater
		r.Count = n
		return r, nil
	case "P":
		for _, p := range fields[1:] {
			if p = strings.TrimSpace(p); p != "" {
				r.Pins = append(r.Pins, p)
			}
		}
		if len(r.Pins) == 0 {
			return malformed(r, "pin map without pins")
		}
		r.Kind = KindPinMap
		return r, nil
	}

	if code, ok := eventCode(fields[0]); ok && code >= SummaryThreshold {
		r.Kind = KindSummary
		return r, nil
	}
	if len(fields) != DataFields {
		return malformed(r, fmt.Sprintf("expected %d fields, got %d", DataFields, len(fields)))
	}

	switch fields[0] {
	case CodeSegmentStart:
		r.Kind = KindSegmentStart
	case CodeSegmentEnd:
		r.Kind = KindSegmentEnd
	default:
		r.Kind = KindData
	}
	return r, nil
}

// ClassifyAnalog classifies a line from the analog port
func ClassifyAnalog(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ",")
	r := Record{Line: line, Fields: fields}

	switch fields[0] {
	case "V":
		r.Kind = KindAnalogBegin
	case "A":
		r.Kind = KindAnalogSample
		r.Text = strings.Join(fields[1:], ",")
	case "W":
		r.Kind = KindAnalogEnd
	case "I":
		r.Kind = KindInfo
		r.Text = message(line)
	case "E":
		r.Kind = KindError
		r.Text = message(line)
	default:
		return malformed(r, "unknown analog tag")
	}
	return r, nil
}

func message(line string) string {
	if len(line) <= 2 {
		return ""
	}
	return line[2:]
}

// eventCode parses an all-digit first field
func eventCode(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func malformed(r Record, reason string) (Record, error) {
	err := &MalformedError{Line: r.Line, Reason: reason}
	r.Kind = KindMalformed
	r.Err = err
	return r, err
}
