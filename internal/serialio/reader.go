package serialio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/rigcap/internal/timebase"
)

// ReaderConfig configures a Reader
type ReaderConfig struct {
	// Name labels the port in logs ("data", "analog")
	Name string
	// IdleTimeout raises an idle alert when no byte arrived for this long
	IdleTimeout time.Duration
	// SyncEvery writes the time-sync command at this period; 0 disables it
	SyncEvery time.Duration
}

// ReaderStats contains reader statistics
type ReaderStats struct {
	Bytes     uint64
	Records   uint64
	Malformed uint64
	Syncs     uint64
	IdleAlert uint64
}

// Reader pumps one serial port into a record handler
type Reader struct {
	cfg    ReaderConfig
	norm   *Normalizer
	tb     *timebase.TimeBase
	handle func(Record)
	onIdle func(idle time.Duration)
	now    func() time.Time

	bytes     atomic.Uint64
	records   atomic.Uint64
	malformed atomic.Uint64
	syncs     atomic.Uint64
	idle      atomic.Uint64
}

// NewReader creates a reader classifying lines with classify and passing
// each record to handle
func NewReader(cfg ReaderConfig, classify Classifier, tb *timebase.TimeBase, handle func(Record)) *Reader {
	if cfg.Name == "" {
		cfg.Name = "serial"
	}
	return &Reader{
		cfg:    cfg,
		norm:   NewNormalizer(classify),
		tb:     tb,
		handle: handle,
		onIdle: func(time.Duration) {},
		now:    time.Now,
	}
}

// OnIdle sets the idle alert callback
func (r *Reader) OnIdle(fn func(idle time.Duration)) {
	r.onIdle = fn
}

// Run reads port until ctx is done or the port fails. The port must have a
// read timeout so that cancellation is observed.
func (r *Reader) Run(ctx context.Context, port io.ReadWriter) error {
	buf := make([]byte, 4096)
	lastData := r.now()
	lastAlert := lastData
	var lastSync time.Time

	slog.Info("serialio: reader started", "port", r.cfg.Name)

	for {
		if ctx.Err() != nil {
			slog.Info("serialio: reader stopped", "port", r.cfg.Name)
			return nil
		}

		now := r.now()
		if r.cfg.SyncEvery > 0 && r.tb != nil && now.Sub(lastSync) >= r.cfg.SyncEvery {
			if err := r.sync(port); err != nil {
				return err
			}
			lastSync = now
		}

		n, err := port.Read(buf)
		if n > 0 {
			lastData = r.now()
			lastAlert = lastData
			r.bytes.Add(uint64(n))
			for _, rec := range r.norm.Feed(buf[:n]) {
				r.records.Add(1)
				if rec.Kind == KindMalformed {
					r.malformed.Add(1)
					slog.Warn("serialio: line dropped",
						"port", r.cfg.Name,
						"error", rec.Err,
						"action", "check controller firmware output format")
				}
				r.handle(rec)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("serialio: %s port closed: %w", r.cfg.Name, err)
			}
			return fmt.Errorf("serialio: %s read: %w", r.cfg.Name, err)
		}

		if n == 0 && r.cfg.IdleTimeout > 0 {
			now := r.now()
			if now.Sub(lastAlert) >= r.cfg.IdleTimeout {
				idle := now.Sub(lastData)
				r.idle.Add(1)
				lastAlert = now
				slog.Warn("serialio: port idle",
					"port", r.cfg.Name,
					"idle", idle,
					"action", "check controller power and cable")
				r.onIdle(idle)
			}
		}
	}
}

func (r *Reader) sync(port io.Writer) error {
	cmd := r.tb.SyncCommand()
	if _, err := io.WriteString(port, cmd); err != nil {
		return fmt.Errorf("serialio: %s time sync: %w", r.cfg.Name, err)
	}
	r.syncs.Add(1)
	slog.Info("serialio: controller time synced", "port", r.cfg.Name, "command", cmd)
	return nil
}

// Pending returns the bytes of an incomplete line held by the reader
func (r *Reader) Pending() int {
	return r.norm.Pending()
}

// Stats returns reader statistics
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Bytes:     r.bytes.Load(),
		Records:   r.records.Load(),
		Malformed: r.malformed.Load(),
		Syncs:     r.syncs.Load(),
		IdleAlert: r.idle.Load(),
	}
}
