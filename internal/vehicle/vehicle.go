// Package vehicle talks to the autopilot: high level commands, a telemetry view and
// the dead-man's switch that forces a return when liveness stops.
package vehicle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"droneops-gcs/internal/geo"
)

var (
	// ErrNotConnected is returned by commands issued before Connect.
	ErrNotConnected = errors.New("vehicle not connected")
	// ErrLinkDown is returned when the command link stopped responding.
	ErrLinkDown = errors.New("vehicle link down")
	// ErrNoHome is returned when no home position could be established.
	ErrNoHome = errors.New("home location not available")
	// ErrNoMessage is returned by telemetry sources when a receive timed out.
	ErrNoMessage = errors.New("no message")
	// ErrUnknownMode is returned for flight mode names the autopilot does not know.
	ErrUnknownMode = errors.New("unknown flight mode")
)

// Message is one decoded protocol message in dictionary form. Fields are keyed by the
// MAVLink field names (lat, relative_alt, custom_mode, ...). Numbers are float64 or
// integer kinds and arrays are []float64.
type Message struct {
	Type   string         `json:"mavpackettype"`
	Fields map[string]any `json:"fields"`
}

// State is the command-side view of the vehicle.
type State struct {
	Position         geo.Coordinate // Alt is relative to home
	Heading          float64
	Groundspeed      float64
	Armed            bool
	Mode             string
	GPSFix           int
	BatteryVoltage   *float64
	BatteryCurrent   *float64
	BatteryRemaining *float64 // percent
	UpdatedAt        time.Time
}

// Link is the command and telemetry connection to one vehicle.
type Link interface {
	Connect(ctx context.Context) error
	Home() (geo.Coordinate, error)
	ArmAndTakeoff(ctx context.Context, alt float64) error
	Goto(ctx context.Context, c geo.Coordinate) error
	FollowWaypoints(ctx context.Context, path []geo.Coordinate) error
	SetMode(ctx context.Context, mode string) error
	Telemetry() State
	WaitUntilDisarmed(ctx context.Context, timeout time.Duration) error
	SendHeartbeat(ctx context.Context) error
	Watchdog() *Watchdog
	Close() error
}

// Options tunes command timing shared by all Link implementations.
type Options struct {
	HeartbeatTimeout time.Duration
	WatchdogTick     time.Duration
	WaypointTimeout  time.Duration
	ArrivalRadiusM   float64
	TakeoffRatio     float64
	PollInterval     time.Duration
	ConnectTimeout   time.Duration
	ArmTimeout       time.Duration
	Logger           *slog.Logger
}

// DefaultOptions returns the timings used against a real autopilot.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: 5 * time.Second,
		WatchdogTick:     time.Second,
		WaypointTimeout:  30 * time.Second,
		ArrivalRadiusM:   2,
		TakeoffRatio:     0.95,
		PollInterval:     time.Second,
		ConnectTimeout:   30 * time.Second,
		ArmTimeout:       60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.WatchdogTick <= 0 {
		o.WatchdogTick = d.WatchdogTick
	}
	if o.WaypointTimeout <= 0 {
		o.WaypointTimeout = d.WaypointTimeout
	}
	if o.ArrivalRadiusM <= 0 {
		o.ArrivalRadiusM = d.ArrivalRadiusM
	}
	if o.TakeoffRatio <= 0 {
		o.TakeoffRatio = d.TakeoffRatio
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ArmTimeout <= 0 {
		o.ArmTimeout = d.ArmTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
