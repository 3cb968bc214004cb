// CUE schema validation and range checks
package config

import (
	_ "embed"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaCUE []byte

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ValidateWithCue checks YAML data against the #Config schema. filename is used in
// error positions only.
func ValidateWithCue(filename string, data []byte) error {
	ctx := cuecontext.New()

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("cannot parse YAML config: %w", err)
	}
	configVal := ctx.BuildFile(file)
	if configVal.Err() != nil {
		return fmt.Errorf("cannot build YAML config: %w", configVal.Err())
	}

	schemaVal := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if schemaVal.Err() != nil {
		return fmt.Errorf("cannot compile CUE schema: %w", schemaVal.Err())
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Config"))

	final := def.Unify(configVal)
	if err := final.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: schema validation failed: %w", ErrInvalid, err)
	}
	return nil
}

// Validate checks the settings the schema cannot express, including values that
// came from the environment.
func (c *Config) Validate() error {
	if err := c.validateVehicle(); err != nil {
		return fmt.Errorf("%w: vehicle: %w", ErrInvalid, err)
	}
	if err := c.validateMission(); err != nil {
		return fmt.Errorf("%w: mission: %w", ErrInvalid, err)
	}
	if err := c.validateBattery(); err != nil {
		return fmt.Errorf("%w: battery: %w", ErrInvalid, err)
	}
	if err := c.validateQueues(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validateVehicle() error {
	if c.Vehicle.Connection == "" {
		return errors.New("connection must be set")
	}
	if c.Vehicle.HeartbeatTimeoutSec <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %v", c.Vehicle.HeartbeatTimeoutSec)
	}
	if c.Vehicle.HomeLat < -90 || c.Vehicle.HomeLat > 90 || c.Vehicle.HomeLon < -180 || c.Vehicle.HomeLon > 180 {
		return fmt.Errorf("home (%v, %v) out of range", c.Vehicle.HomeLat, c.Vehicle.HomeLon)
	}
	return nil
}

func (c *Config) validateMission() error {
	m := c.Mission
	if m.InterpolateSteps < 0 {
		return fmt.Errorf("interpolate steps must be non-negative, got %d", m.InterpolateSteps)
	}
	if m.ArrivalRadiusM <= 0 {
		return fmt.Errorf("arrival radius must be positive, got %v", m.ArrivalRadiusM)
	}
	if m.WaypointTimeoutSec <= 0 || m.DisarmTimeoutSec <= 0 {
		return errors.New("waypoint and disarm timeouts must be positive")
	}
	if m.TelemetryLogIntervalSec <= 0 {
		return fmt.Errorf("telemetry log interval must be positive, got %v", m.TelemetryLogIntervalSec)
	}
	if m.CruiseAlt <= 0 {
		return fmt.Errorf("cruise altitude must be positive, got %v", m.CruiseAlt)
	}
	return nil
}

func (c *Config) validateBattery() error {
	b := c.Battery
	if b.CapacityWh <= 0 || b.CruisePowerW <= 0 || b.CruiseSpeedMps <= 0 {
		return errors.New("capacity, cruise power and cruise speed must be positive")
	}
	if b.ReserveFrac < 0 || b.ReserveFrac >= 1 {
		return fmt.Errorf("reserve fraction must be in [0, 1), got %v", b.ReserveFrac)
	}
	return nil
}

func (c *Config) validateQueues() error {
	if c.Telemetry.QueueSize < 1 {
		return fmt.Errorf("telemetry: queue size must be at least 1, got %d", c.Telemetry.QueueSize)
	}
	if c.Ingest.QueueSize < 1 || c.Ingest.MaxBatch < 1 {
		return errors.New("ingest: queue size and max batch must be at least 1")
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt: port %d out of range", c.MQTT.Port)
	}
	return nil
}
