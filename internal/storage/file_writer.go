package storage

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"droneops-gcs/internal/telemetry"
)

// FileWriter writes recorded telemetry and raw protocol events to JSONL files.
type FileWriter struct {
	mu       sync.Mutex
	teleFile *os.File
	rawFile  *os.File
	teleEnc  *json.Encoder
	rawEnc   *json.Encoder
}

// NewFileWriter creates a FileWriter. rawPath may be empty to skip the raw log.
func NewFileWriter(telemetryPath, rawPath string) (*FileWriter, error) {
	tf, err := os.Create(telemetryPath)
	if err != nil {
		return nil, err
	}
	fw := &FileWriter{teleFile: tf, teleEnc: json.NewEncoder(tf)}
	if rawPath != "" {
		rf, err := os.Create(rawPath)
		if err != nil {
			tf.Close()
			return nil, err
		}
		fw.rawFile = rf
		fw.rawEnc = json.NewEncoder(rf)
	}
	return fw, nil
}

// Write logs a single telemetry row.
func (f *FileWriter) Write(row telemetry.TelemetryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teleEnc.Encode(row)
}

// WriteBatch logs multiple telemetry rows.
func (f *FileWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	for _, r := range rows {
		if err := f.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw logs a raw event payload, if enabled. The payload is written as is so
// the file can be fed back to replay.
func (f *FileWriter) WriteRaw(ev RawEvent) error {
	if f.rawEnc == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawEnc.Encode(ev.Payload)
}

// Close closes any underlying files.
func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	if f.teleFile != nil {
		errs = append(errs, f.teleFile.Close())
	}
	if f.rawFile != nil {
		errs = append(errs, f.rawFile.Close())
	}
	return errors.Join(errs...)
}
