package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"droneops-gcs/internal/telemetry"
)

// JSONStdoutWriter prints telemetry rows and raw events as JSON to STDOUT.
type JSONStdoutWriter struct {
	out io.Writer
}

// NewJSONStdoutWriter creates a JSONStdoutWriter writing to os.Stdout.
func NewJSONStdoutWriter() *JSONStdoutWriter {
	return &JSONStdoutWriter{out: os.Stdout}
}

// Write outputs a telemetry row in JSON format.
func (w *JSONStdoutWriter) Write(row telemetry.TelemetryRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

// WriteBatch outputs multiple telemetry rows in JSON format.
func (w *JSONStdoutWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw outputs a raw event payload.
func (w *JSONStdoutWriter) WriteRaw(ev RawEvent) error {
	_, err := fmt.Fprintln(w.out, string(ev.Payload))
	return err
}
