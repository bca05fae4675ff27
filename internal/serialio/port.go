package serialio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// PortConfig describes a controller serial port
type PortConfig struct {
	Device string
	// Fallbacks are tried in order when Device cannot be opened
	Fallbacks   []string
	BaudRate    int
	ReadTimeout time.Duration
}

// OpenPort opens the configured device, or the first fallback that opens.
// The read timeout keeps Read from blocking past a cancellation check.
func OpenPort(cfg PortConfig) (serial.Port, string, error) {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	var errs []error
	for i, dev := range append([]string{cfg.Device}, cfg.Fallbacks...) {
		if dev == "" {
			continue
		}
		port, err := serial.Open(dev, mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev, err))
			continue
		}
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = port.Close()
			errs = append(errs, fmt.Errorf("%s: set read timeout: %w", dev, err))
			continue
		}
		if err := port.ResetInputBuffer(); err != nil {
			slog.Warn("serialio: reset input buffer failed", "device", dev, "error", err)
		}
		if i > 0 {
			slog.Warn("serialio: configured port not available, using fallback",
				"configured", cfg.Device,
				"device", dev)
		}
		return port, dev, nil
	}
	return nil, "", fmt.Errorf("serialio: no port could be opened: %w", errors.Join(errs...))
}
