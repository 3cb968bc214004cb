package storage

import (
	"droneops-gcs/internal/telemetry"
)

// TelemetryWriter receives recorded telemetry rows.
type TelemetryWriter = telemetry.RowWriter

// batchWriter is implemented by writers that can insert several rows at once.
type batchWriter interface {
	WriteBatch(rows []telemetry.TelemetryRow) error
}

// RawWriter receives raw protocol events.
type RawWriter interface {
	WriteRaw(ev RawEvent) error
}

// MultiWriter fans out telemetry rows and raw events to multiple writers.
type MultiWriter struct {
	telewriters []TelemetryWriter
	rawwriters  []RawWriter
}

// NewMultiWriter creates a new MultiWriter.
func NewMultiWriter(tws []TelemetryWriter, rws []RawWriter) *MultiWriter {
	return &MultiWriter{telewriters: tws, rawwriters: rws}
}

// Write sends a telemetry row to all writers.
func (mw *MultiWriter) Write(row telemetry.TelemetryRow) error {
	for _, w := range mw.telewriters {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch sends multiple telemetry rows to all writers, using batch if supported.
func (mw *MultiWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	for _, w := range mw.telewriters {
		if bw, ok := w.(batchWriter); ok {
			if err := bw.WriteBatch(rows); err != nil {
				return err
			}
			continue
		}
		for _, r := range rows {
			if err := w.Write(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteRaw sends a raw event to all raw writers.
func (mw *MultiWriter) WriteRaw(ev RawEvent) error {
	for _, w := range mw.rawwriters {
		if err := w.WriteRaw(ev); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of telemetry writers.
func (mw *MultiWriter) Len() int { return len(mw.telewriters) }
