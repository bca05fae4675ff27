// Package timebase converts between the device clock used to stamp frames and
// triggers, and the controller epoch used in file names and logs.
//
// The controller keeps local time as if it were UTC, so the controller epoch is
// the unix time shifted by the local UTC offset.
package timebase

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const secondsPerDay = 86400

// DeviceClock is a monotonic clock in microseconds
type DeviceClock interface {
	Now() int64
}

// TimeBase converts wall time into the controller epoch
type TimeBase struct {
	offset time.Duration
	wall   func() time.Time
}

// New creates a TimeBase with a fixed UTC offset
func New(utcOffset time.Duration) *TimeBase {
	return &TimeBase{offset: utcOffset, wall: time.Now}
}

// NewWithClock creates a TimeBase reading wall time from fn (used by tests)
func NewWithClock(utcOffset time.Duration, fn func() time.Time) *TimeBase {
	return &TimeBase{offset: utcOffset, wall: fn}
}

// LocalOffset returns the current offset of the local zone from UTC
func LocalOffset() time.Duration {
	_, secs := time.Now().Zone()
	return time.Duration(secs) * time.Second
}

// Offset returns the configured UTC offset
func (tb *TimeBase) Offset() time.Duration {
	return tb.offset
}

// Epoch returns the current controller epoch in seconds
func (tb *TimeBase) Epoch() float64 {
	return tb.At(tb.wall())
}

// At converts a wall time into controller epoch seconds
func (tb *TimeBase) At(t time.Time) float64 {
	return float64(t.UnixNano())/1e9 + tb.offset.Seconds()
}

// Time converts controller epoch seconds back into a UTC time whose clock
// fields read as local time
func (tb *TimeBase) Time(epoch float64) time.Time {
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// SecondOfDay returns the second within the controller day
func (tb *TimeBase) SecondOfDay(epoch float64) int {
	s := int64(math.Floor(epoch)) % secondsPerDay
	if s < 0 {
		s += secondsPerDay
	}
	return int(s)
}

// DayFolder returns the YYYYMMDD folder name for an epoch
func (tb *TimeBase) DayFolder(epoch float64) string {
	return tb.Time(epoch).Format("20060102")
}

// DashedDay returns the YYYY-MM-DD folder name for an epoch
func (tb *TimeBase) DashedDay(epoch float64) string {
	return tb.Time(epoch).Format("2006-01-02")
}

// Stamp returns a YYYY-MM-DD-HH-MM-SS name fragment for an epoch
func (tb *TimeBase) Stamp(epoch float64) string {
	return tb.Time(epoch).Format("2006-01-02-15-04-05")
}

// SyncCommand returns the time-sync line sent to the controller
func (tb *TimeBase) SyncCommand() string {
	return fmt.Sprintf("T%d", int64(math.Floor(tb.Epoch())))
}

// MonotonicClock is a DeviceClock backed by the Go monotonic clock
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a clock starting at zero now
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now returns microseconds since the clock was created
func (c *MonotonicClock) Now() int64 {
	return time.Since(c.start).Microseconds()
}

// Since returns microseconds between the clock origin and t
func (c *MonotonicClock) Since(t time.Time) int64 {
	return t.Sub(c.start).Microseconds()
}

// Micros converts a duration into device clock units
func Micros(d time.Duration) int64 {
	return d.Microseconds()
}

// ManualClock is a DeviceClock whose value is set explicitly
type ManualClock struct {
	now atomic.Int64
}

// Set sets the clock value in microseconds
func (c *ManualClock) Set(us int64) { c.now.Store(us) }

// Advance moves the clock forward
func (c *ManualClock) Advance(d time.Duration) { c.now.Add(d.Microseconds()) }

// Now returns the current value
func (c *ManualClock) Now() int64 { return c.now.Load() }
