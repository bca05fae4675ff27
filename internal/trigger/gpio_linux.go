//go:build linux

package trigger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOInput feeds a GPIO line's edges into a Bus
type GPIOInput struct {
	line *gpiocdev.Line
	chip string
	pin  int
}

// OpenGPIO requests a pulled-down input on chip/offset with both-edge
// detection. Edges are reported to bus from the line's event goroutine.
func OpenGPIO(chip string, offset int, debounce time.Duration, bus *Bus) (*GPIOInput, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			level := 0
			if evt.Type == gpiocdev.LineEventRisingEdge {
				level = 1
			}
			bus.Report(level)
		}),
	}
	if debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(debounce))
	}

	line, err := gpiocdev.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("trigger: request %s line %d: %w", chip, offset, err)
	}

	g := &GPIOInput{line: line, chip: chip, pin: offset}

	// Seed the bus with the current level so an input that is already
	// active at startup opens a session.
	if v, err := line.Value(); err == nil {
		bus.Report(v)
	} else {
		slog.Warn("trigger: could not read initial level",
			"chip", chip,
			"line", offset,
			"error", err)
	}

	slog.Info("trigger gpio input ready",
		"chip", chip,
		"line", offset,
		"debounce", debounce,
	)
	return g, nil
}

// Close releases the line
func (g *GPIOInput) Close() error {
	if err := g.line.Close(); err != nil {
		return fmt.Errorf("trigger: release %s line %d: %w", g.chip, g.pin, err)
	}
	return nil
}
