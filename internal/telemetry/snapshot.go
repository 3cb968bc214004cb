// Package telemetry aggregates vehicle messages into a live snapshot and fans it out
// to registered consumers.
package telemetry

import (
	"os"
	"time"
)

// Position group, degrees and meters.
type Position struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Alt         float64 `json:"alt"`
	RelativeAlt float64 `json:"relative_alt"`
}

// Attitude group, radians and rad/s.
type Attitude struct {
	Roll       float64 `json:"roll"`
	Pitch      float64 `json:"pitch"`
	Yaw        float64 `json:"yaw"`
	RollSpeed  float64 `json:"rollspeed"`
	PitchSpeed float64 `json:"pitchspeed"`
	YawSpeed   float64 `json:"yawspeed"`
}

// Battery group. Remaining is a percentage.
type Battery struct {
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Remaining   int     `json:"remaining"`
	Temperature float64 `json:"temperature"`
}

// Status group from VFR_HUD.
type Status struct {
	Groundspeed float64 `json:"groundspeed"`
	Airspeed    float64 `json:"airspeed"`
	Heading     float64 `json:"heading"`
	Throttle    float64 `json:"throttle"`
	Alt         float64 `json:"alt"`
	Climb       float64 `json:"climb"`
}

// GPS group.
type GPS struct {
	FixType           int     `json:"fix_type"`
	SatellitesVisible int     `json:"satellites_visible"`
	EPH               float64 `json:"eph"`
}

// LinkStats group from SYS_STATUS.
type LinkStats struct {
	DropRateComm float64 `json:"drop_rate_comm"`
	ErrorsComm   float64 `json:"errors_comm"`
}

// Snapshot is the aggregated vehicle state. Timestamp is in epoch seconds and stays 0
// until the first message was merged.
type Snapshot struct {
	Position  Position  `json:"position"`
	Attitude  Attitude  `json:"attitude"`
	Battery   Battery   `json:"battery"`
	Status    Status    `json:"status"`
	GPS       GPS       `json:"gps"`
	Link      LinkStats `json:"link"`
	Mode      string    `json:"mode"`
	Armed     bool      `json:"armed"`
	Timestamp float64   `json:"timestamp"`
}

// DefaultSnapshot returns the state shown before any vehicle data arrived.
func DefaultSnapshot() Snapshot {
	return Snapshot{Mode: "DISCONNECTED"}
}

// Time returns the snapshot timestamp as a time.Time.
func (s Snapshot) Time() time.Time {
	if s.Timestamp <= 0 {
		return time.Time{}
	}
	sec := int64(s.Timestamp)
	return time.Unix(sec, int64((s.Timestamp-float64(sec))*1e9))
}

// Partial is the decode of one message. Nil groups are left untouched by Merge.
type Partial struct {
	Position *Position
	Attitude *Attitude
	Battery  *Battery
	Status   *Status
	GPS      *GPS
	Link     *LinkStats
	Mode     *string
	Armed    *bool
}

// Empty reports whether the partial carries no group.
func (p Partial) Empty() bool {
	return p.Position == nil && p.Attitude == nil && p.Battery == nil && p.Status == nil &&
		p.GPS == nil && p.Link == nil && p.Mode == nil && p.Armed == nil
}

// Merge overwrites the groups p carries and stamps the snapshot with ts.
func (s *Snapshot) Merge(p Partial, ts time.Time) {
	if p.Position != nil {
		s.Position = *p.Position
	}
	if p.Attitude != nil {
		s.Attitude = *p.Attitude
	}
	if p.Battery != nil {
		s.Battery = *p.Battery
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.GPS != nil {
		s.GPS = *p.GPS
	}
	if p.Link != nil {
		s.Link = *p.Link
	}
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.Armed != nil {
		s.Armed = *p.Armed
	}
	s.Timestamp = float64(ts.UnixMicro()) / 1e6
}

// Frame is the message broadcast to live consumers.
type Frame struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

// NewFrame wraps a snapshot copy in a telemetry frame.
func NewFrame(s Snapshot) Frame {
	return Frame{Type: "telemetry", Data: s}
}

// TelemetryRow is one recorded telemetry sample of a flight.
type TelemetryRow struct {
	FlightID         int64     `json:"flight_id"` // TAG
	FrameID          int64     `json:"frame_id"`  // TAG
	Lat              float64   `json:"lat"`       // FIELD
	Lon              float64   `json:"lon"`
	Alt              float64   `json:"alt"`
	RelativeAlt      float64   `json:"relative_alt"`
	Heading          float64   `json:"heading"`
	Groundspeed      float64   `json:"groundspeed"`
	BatteryVoltage   float64   `json:"battery_voltage"`
	BatteryCurrent   float64   `json:"battery_current"`
	BatteryRemaining int       `json:"battery_remaining"`
	Mode             string    `json:"mode"`
	Armed            bool      `json:"armed"`
	Timestamp        time.Time `json:"ts"` // TIME INDEX
}

// TelemetryTableName holds the table name used when writing to GreptimeDB.
// It defaults to "flight_telemetry" but can be overridden via the
// GREPTIMEDB_TABLE environment variable.
var TelemetryTableName = func() string {
	if env := os.Getenv("GREPTIMEDB_TABLE"); env != "" {
		return env
	}
	return "flight_telemetry"
}()

func (TelemetryRow) TableName() string {
	return TelemetryTableName
}

// RowFromSnapshot converts a snapshot into a recorded sample.
func RowFromSnapshot(flightID, frameID int64, s Snapshot) TelemetryRow {
	ts := s.Time()
	if ts.IsZero() {
		ts = time.Now()
	}
	return TelemetryRow{
		FlightID:         flightID,
		FrameID:          frameID,
		Lat:              s.Position.Lat,
		Lon:              s.Position.Lon,
		Alt:              s.Position.Alt,
		RelativeAlt:      s.Position.RelativeAlt,
		Heading:          s.Status.Heading,
		Groundspeed:      s.Status.Groundspeed,
		BatteryVoltage:   s.Battery.Voltage,
		BatteryCurrent:   s.Battery.Current,
		BatteryRemaining: s.Battery.Remaining,
		Mode:             s.Mode,
		Armed:            s.Armed,
		Timestamp:        ts.UTC(),
	}
}
