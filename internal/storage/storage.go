// Package storage persists flights, flight events, recorded telemetry and raw
// protocol events.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/telemetry"
)

var (
	// ErrNotFound is returned when a flight does not exist.
	ErrNotFound = errors.New("flight not found")
	// ErrFlightFinished is returned when finishing a flight that already has a
	// terminal status. The stored status is left unchanged.
	ErrFlightFinished = errors.New("flight already finished")
)

// FlightStatus is the lifecycle status of a flight record.
type FlightStatus string

const (
	StatusInProgress FlightStatus = "in_progress"
	StatusCompleted  FlightStatus = "completed"
	StatusFailed     FlightStatus = "failed"
	StatusAborted    FlightStatus = "aborted"
)

// Terminal reports whether s ends a flight.
func (s FlightStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Flight is one mission execution.
type Flight struct {
	ID          int64          `json:"id"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Status      FlightStatus   `json:"status"`
	Note        string         `json:"note,omitempty"`
	Start       geo.Coordinate `json:"start"`
	Destination geo.Coordinate `json:"destination"`
}

// FlightEvent is an append-only entry in a flight's timeline.
type FlightEvent struct {
	ID        int64           `json:"id"`
	FlightID  int64           `json:"flight_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RawEvent is one protocol message captured during a flight. Events with the same
// (FlightID, MsgType, TimeBootMs) are stored once.
type RawEvent struct {
	FlightID     int64           `json:"flight_id"`
	MsgType      string          `json:"msg_type"`
	TimeBootMs   *int64          `json:"time_boot_ms,omitempty"`
	TimeUnixUsec *int64          `json:"time_unix_usec,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Store is the flight database.
type Store interface {
	CreateFlight(ctx context.Context, start, dest geo.Coordinate) (int64, error)
	AddEvent(ctx context.Context, flightID int64, eventType string, data any) error
	FinishFlight(ctx context.Context, flightID int64, status FlightStatus, note string) error
	AddTelemetryMany(ctx context.Context, flightID int64, rows []telemetry.TelemetryRow) error
	AddRawEventsMany(ctx context.Context, flightID int64, events []RawEvent) (int, error)
	AddRawEvent(ctx context.Context, ev RawEvent) error

	Flight(ctx context.Context, id int64) (*Flight, error)
	Flights(ctx context.Context) ([]Flight, error)
	Events(ctx context.Context, flightID int64) ([]FlightEvent, error)
	RawEvents(ctx context.Context, flightID int64, limit int) ([]RawEvent, error)
	Telemetry(ctx context.Context, flightID int64) ([]telemetry.TelemetryRow, error)

	Close() error
}
