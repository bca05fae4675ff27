//go:build !linux

package trigger

import (
	"errors"
	"time"
)

// ErrGPIOUnsupported is returned on platforms without the GPIO character device
var ErrGPIOUnsupported = errors.New("trigger: gpio input requires linux")

// GPIOInput is unavailable on this platform
type GPIOInput struct{}

// OpenGPIO always fails on this platform
func OpenGPIO(chip string, offset int, debounce time.Duration, bus *Bus) (*GPIOInput, error) {
	return nil, ErrGPIOUnsupported
}

// Close is a no-op
func (g *GPIOInput) Close() error { return nil }
