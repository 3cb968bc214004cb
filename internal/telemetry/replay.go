package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"droneops-gcs/internal/vehicle"
)

// RowWriter persists recorded telemetry samples.
type RowWriter interface {
	Write(row TelemetryRow) error
}

// ParseRaw turns one relayed JSON message ({"mavpackettype": ..., fields...,
// "timestamp": ...}) back into a protocol message and its wall time. A missing
// timestamp yields the zero time.
func ParseRaw(data []byte) (vehicle.Message, time.Time, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return vehicle.Message{}, time.Time{}, fmt.Errorf("decode raw message: %w", err)
	}
	kind, _ := fields["mavpackettype"].(string)
	if kind == "" {
		return vehicle.Message{}, time.Time{}, errors.New("raw message without mavpackettype")
	}
	ts := ParseTimestamp(fields["timestamp"])
	delete(fields, "mavpackettype")
	delete(fields, "timestamp")
	return vehicle.Message{Type: kind, Fields: fields}, ts, nil
}

// ParseTimestamp accepts epoch seconds or an RFC3339 string.
func ParseTimestamp(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	sec, ok := Number(v)
	if !ok || sec <= 0 {
		return time.Time{}
	}
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9))
}

// ReplayLog decodes relayed messages from r, folds them into a snapshot and writes a
// telemetry row for every position update. A speed >0 paces playback by the message
// timestamps; if speed <= 0, no artificial delay is inserted.
func ReplayLog(ctx context.Context, r io.Reader, flightID int64, writer RowWriter, speed float64) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	snap := DefaultSnapshot()
	var prev time.Time
	rows := 0
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		msg, ts, err := ParseRaw(sc.Bytes())
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		if ts.IsZero() {
			ts = time.Now()
		}
		if !prev.IsZero() && speed > 0 {
			diff := ts.Sub(prev)
			if speed != 1 {
				diff = time.Duration(float64(diff) / speed)
			}
			if diff > 0 {
				select {
				case <-ctx.Done():
					return rows, ctx.Err()
				case <-time.After(diff):
				}
			}
		}
		prev = ts
		part, ok := Decode(msg)
		if !ok {
			continue
		}
		snap.Merge(part, ts)
		if part.Position == nil {
			continue
		}
		rows++
		if err := writer.Write(RowFromSnapshot(flightID, int64(rows), snap)); err != nil {
			return rows, err
		}
	}
	return rows, sc.Err()
}

// ReplayLogFile opens a file and replays its messages.
func ReplayLogFile(ctx context.Context, path string, flightID int64, writer RowWriter, speed float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return ReplayLog(ctx, f, flightID, writer, speed)
}
