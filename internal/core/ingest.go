package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/rigcap/internal/config"
	"github.com/e7canasta/rigcap/internal/datalog"
	"github.com/e7canasta/rigcap/internal/emitter"
	"github.com/e7canasta/rigcap/internal/reconnect"
	"github.com/e7canasta/rigcap/internal/serialio"
	"github.com/e7canasta/rigcap/internal/telemetry"
	"github.com/e7canasta/rigcap/internal/timebase"
)

// ErrNoDataLog is returned when a command needs the session log but no data
// port is configured
var ErrNoDataLog = errors.New("core: no data port configured")

// IngestStats contains controller ingest statistics
type IngestStats struct {
	DataRecords   uint64 `json:"data_records"`
	AnalogRecords uint64 `json:"analog_records"`
	WriteErrors   uint64 `json:"write_errors"`
	Published     uint64 `json:"analog_published"`
	Unpaired      uint64 `json:"analog_unpaired"`
	WaterAlerts   uint64 `json:"water_alerts"`
	Rotations     uint64 `json:"rotations"`
}

// ingest routes the controller's records into the session log and the
// analog recorder
type ingest struct {
	cfg   *config.Config
	tb    *timebase.TimeBase
	log   *datalog.Log
	rec   *telemetry.Recorder
	water serialio.WaterCheck
	alert Alerter

	mu        sync.Mutex
	lastWater int

	dataRecords   atomic.Uint64
	analogRecords atomic.Uint64
	writeErrors   atomic.Uint64
	published     atomic.Uint64
	unpaired      atomic.Uint64
	waterAlerts   atomic.Uint64
	rotations     atomic.Uint64
}

func newIngest(cfg *config.Config, tb *timebase.TimeBase, log *datalog.Log, rec *telemetry.Recorder, alert Alerter) *ingest {
	return &ingest{
		cfg:   cfg,
		tb:    tb,
		log:   log,
		rec:   rec,
		water: serialio.WaterCheck{Quota: cfg.Water.Quota, MinPercent: cfg.Water.MinPercent},
		alert: alert,
	}
}

// handleData routes one record from the data port
func (in *ingest) handleData(r serialio.Record) {
	in.dataRecords.Add(1)
	if in.log != nil {
		if err := in.log.Write(r); err != nil {
			in.writeErrors.Add(1)
			slog.Error("ingest: session log write failed",
				"kind", r.Kind.String(),
				"error", err,
				"action", "check free space on the output disk")
		}
	}

	switch r.Kind {
	case serialio.KindDailyWater:
		in.checkWater(r.Count)
	case serialio.KindPinMap:
		if in.rec != nil {
			in.rec.SetPins(r.Pins)
			slog.Info("ingest: analog pin map received", "pins", r.Pins)
		}
	case serialio.KindSegmentStart:
		if in.rec != nil {
			if err := in.rec.StartRow(r.Fields); err != nil {
				slog.Warn("ingest: analog segment cannot be named",
					"error", err,
					"action", "controller must send the pin map before the first trial")
			}
		}
	case serialio.KindSegmentEnd:
		if in.rec != nil {
			if err := in.rec.EndRow(); err != nil {
				slog.Warn("ingest: analog segment end without start row", "error", err)
			}
		}
	}
}

// handleAnalog routes one record from the analog port
func (in *ingest) handleAnalog(r serialio.Record) {
	in.analogRecords.Add(1)
	if in.rec == nil {
		return
	}

	var err error
	switch r.Kind {
	case serialio.KindAnalogBegin:
		err = in.rec.Begin()
	case serialio.KindAnalogSample:
		err = in.rec.Sample(r.Text)
	case serialio.KindAnalogEnd:
		err = in.rec.End()
	case serialio.KindInfo, serialio.KindError:
		if in.log != nil {
			err = in.log.Write(r)
		}
	}
	if err != nil {
		in.writeErrors.Add(1)
		slog.Warn("ingest: analog record rejected",
			"kind", r.Kind.String(),
			"error", err)
	}
}

// checkWater raises one alert per low daily count
func (in *ingest) checkWater(count int) {
	in.mu.Lock()
	changed := count != in.lastWater
	in.lastWater = count
	in.mu.Unlock()

	if !changed || !in.water.Low(count) {
		return
	}
	in.waterAlerts.Add(1)
	slog.Warn("ingest: daily water below minimum",
		"count", count,
		"minimum", in.water.Minimum(),
		"action", "check the animal and the water valve")
	in.publish(emitter.Alert{
		Kind:    emitter.AlertWater,
		Message: fmt.Sprintf("daily water %d below minimum %d", count, in.water.Minimum()),
		Data:    map[string]interface{}{"count": count, "quota": in.water.Quota},
	})
}

// maintain rotates the session log when due and publishes paired analog
// segments
func (in *ingest) maintain() {
	if in.log != nil && in.log.Due(in.tb.Epoch()) {
		if _, err := in.rotate(); err != nil {
			slog.Error("ingest: session rotation failed", "error", err)
		}
	}
	if in.rec != nil {
		pubs, err := in.rec.Flush()
		in.published.Add(uint64(len(pubs)))
		for _, p := range pubs {
			slog.Info("ingest: analog segment published", "source", p.Source, "name", p.Destination)
		}
		in.reportUnpaired(err)
	}
}

func (in *ingest) reportUnpaired(err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, telemetry.ErrUnpaired) {
		slog.Error("ingest: analog publish failed", "error", err)
		return
	}
	in.unpaired.Add(1)
	slog.Warn("ingest: analog segment left unpaired",
		"error", err,
		"action", "compare controller start/end rows with analog markers")
	in.publish(emitter.Alert{Kind: emitter.AlertUnpaired, Message: err.Error()})
}

// rotate starts new data and summary files
func (in *ingest) rotate() (datalog.Files, error) {
	if in.log == nil {
		return datalog.Files{}, ErrNoDataLog
	}
	files, err := in.log.Rotate()
	if err == nil {
		in.rotations.Add(1)
	}
	return files, err
}

// close publishes the session and every pending analog segment
func (in *ingest) close() error {
	var errs []error
	if in.rec != nil {
		if err := in.rec.Close(); err != nil {
			in.reportUnpaired(err)
			errs = append(errs, err)
		}
	}
	if in.log != nil {
		files, err := in.log.Close()
		if err != nil {
			errs = append(errs, err)
		} else {
			slog.Info("ingest: session published",
				"data", files.Data,
				"summary", files.Summary,
				"data_rows", files.Trailer.DataRows)
		}
	}
	return errors.Join(errs...)
}

func (in *ingest) publish(a emitter.Alert) {
	if in.alert == nil {
		return
	}
	if err := in.alert.PublishAlert(a); err != nil && !errors.Is(err, emitter.ErrDisabled) {
		slog.Debug("ingest: alert not published", "kind", a.Kind, "error", err)
	}
}

// run flushes and rotates every interval until ctx is done
func (in *ingest) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.maintain()
		}
	}
}

// Stats returns ingest statistics
func (in *ingest) Stats() IngestStats {
	return IngestStats{
		DataRecords:   in.dataRecords.Load(),
		AnalogRecords: in.analogRecords.Load(),
		WriteErrors:   in.writeErrors.Load(),
		Published:     in.published.Load(),
		Unpaired:      in.unpaired.Load(),
		WaterAlerts:   in.waterAlerts.Load(),
		Rotations:     in.rotations.Load(),
	}
}

// runPort reads one controller port, reopening it after failures
func (in *ingest) runPort(ctx context.Context, name string, port config.PortConfig, sync bool, classify serialio.Classifier, handle func(serialio.Record)) error {
	rcfg := reconnect.DefaultConfig()
	if in.cfg.Serial.RetryDelay > 0 {
		rcfg.RetryDelay = in.cfg.Serial.RetryDelay
	}
	state := &reconnect.State{}

	readerCfg := serialio.ReaderConfig{
		Name:        name,
		IdleTimeout: in.cfg.Serial.IdleTimeout,
	}
	if sync {
		readerCfg.SyncEvery = in.cfg.Serial.SyncEvery
	}

	return reconnect.Run(ctx, "serial-"+name, func(ctx context.Context) error {
		p, dev, err := serialio.OpenPort(serialio.PortConfig{
			Device:    port.Device,
			Fallbacks: port.Fallbacks,
			BaudRate:  port.Baud,
		})
		if err != nil {
			return err
		}
		defer p.Close()

		slog.Info("ingest: serial port opened", "port", name, "device", dev)

		reader := serialio.NewReader(readerCfg, classify, in.tb, handle)
		reader.OnIdle(func(idle time.Duration) {
			in.publish(emitter.Alert{
				Kind:    emitter.AlertSerialIdle,
				Message: fmt.Sprintf("%s port idle for %s", name, idle.Round(time.Second)),
				Data:    map[string]interface{}{"port": name, "device": dev},
			})
		})
		return reader.Run(ctx, p)
	}, rcfg, state)
}
