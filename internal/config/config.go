// Package config loads the ground station configuration: YAML validated against an
// embedded CUE schema, then environment overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VehicleConfig describes the autopilot link.
type VehicleConfig struct {
	Connection          string  `yaml:"connection" json:"connection"`
	// TelemetryConnection is a second endpoint for the telemetry reader, e.g. a
	// MAVProxy output. Empty reuses Connection.
	TelemetryConnection string  `yaml:"telemetry_connection" json:"telemetry_connection"`
	HeartbeatTimeoutSec float64 `yaml:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec"`
	ConnectTimeoutSec   float64 `yaml:"connect_timeout_sec" json:"connect_timeout_sec"`
	// HomeLat and HomeLon place the simulated vehicle.
	HomeLat float64 `yaml:"home_lat" json:"home_lat"`
	HomeLon float64 `yaml:"home_lon" json:"home_lon"`
	HomeAlt float64 `yaml:"home_alt" json:"home_alt"`
}

// MissionConfig tunes mission execution.
type MissionConfig struct {
	EnforcePreflightRange   bool    `yaml:"enforce_preflight_range" json:"enforce_preflight_range"`
	InflightRangeGuard      bool    `yaml:"inflight_range_guard" json:"inflight_range_guard"`
	InterpolateSteps        int     `yaml:"interpolate_steps" json:"interpolate_steps"`
	WaypointTimeoutSec      float64 `yaml:"waypoint_timeout_sec" json:"waypoint_timeout_sec"`
	ArrivalRadiusM          float64 `yaml:"arrival_radius_m" json:"arrival_radius_m"`
	DisarmTimeoutSec        float64 `yaml:"disarm_timeout_sec" json:"disarm_timeout_sec"`
	TelemetryLogIntervalSec float64 `yaml:"telemetry_log_interval_sec" json:"telemetry_log_interval_sec"`
	TaskGraceSec            float64 `yaml:"task_grace_sec" json:"task_grace_sec"`
	CruiseAlt               float64 `yaml:"cruise_alt" json:"cruise_alt"`
}

// BatteryConfig is the energy budget used for range checks.
type BatteryConfig struct {
	CapacityWh     float64 `yaml:"capacity_wh" json:"capacity_wh"`
	CruisePowerW   float64 `yaml:"cruise_power_w" json:"cruise_power_w"`
	CruiseSpeedMps float64 `yaml:"cruise_speed_mps" json:"cruise_speed_mps"`
	ReserveFrac    float64 `yaml:"reserve_frac" json:"reserve_frac"`
}

// TelemetryConfig tunes the live pipeline.
type TelemetryConfig struct {
	BroadcastIntervalMs int     `yaml:"broadcast_interval_ms" json:"broadcast_interval_ms"`
	QueueSize           int     `yaml:"queue_size" json:"queue_size"`
	SilenceTimeoutSec   float64 `yaml:"silence_timeout_sec" json:"silence_timeout_sec"`
}

// IngestConfig tunes raw event batching.
type IngestConfig struct {
	QueueSize        int     `yaml:"queue_size" json:"queue_size"`
	MaxBatch         int     `yaml:"max_batch" json:"max_batch"`
	EnqueueTimeoutMs int     `yaml:"enqueue_timeout_ms" json:"enqueue_timeout_ms"`
	FlushTimeoutSec  float64 `yaml:"flush_timeout_sec" json:"flush_timeout_sec"`
	RawLog           string  `yaml:"raw_log" json:"raw_log"`
}

// MQTTConfig is the broker connection.
type MQTTConfig struct {
	Broker         string `yaml:"broker" json:"broker"`
	Port           int    `yaml:"port" json:"port"`
	User           string `yaml:"user" json:"user"`
	Pass           string `yaml:"pass" json:"-"`
	ClientID       string `yaml:"client_id" json:"client_id"`
	TelemetryTopic string `yaml:"telemetry_topic" json:"telemetry_topic"`
}

// StorageConfig selects the flight database and time series backend.
type StorageConfig struct {
	DBPath           string `yaml:"db_path" json:"db_path"`
	GreptimeEndpoint string `yaml:"greptime_endpoint" json:"greptime_endpoint"`
	GreptimeDatabase string `yaml:"greptime_database" json:"greptime_database"`
	TelemetryLog     string `yaml:"telemetry_log" json:"telemetry_log"`
}

// VideoConfig is the auxiliary video link.
type VideoConfig struct {
	Source          string  `yaml:"source" json:"source"`
	ProbeTimeoutSec float64 `yaml:"probe_timeout_sec" json:"probe_timeout_sec"`
}

// APIConfig is the HTTP API.
type APIConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Config is the root configuration.
type Config struct {
	Vehicle   VehicleConfig   `yaml:"vehicle" json:"vehicle"`
	Mission   MissionConfig   `yaml:"mission" json:"mission"`
	Battery   BatteryConfig   `yaml:"battery" json:"battery"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Video     VideoConfig     `yaml:"video" json:"video"`
	API       APIConfig       `yaml:"api" json:"api"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Vehicle: VehicleConfig{
			Connection:          "tcp:127.0.0.1:5760",
			HeartbeatTimeoutSec: 5,
			ConnectTimeoutSec:   30,
			HomeLat:             47.397742,
			HomeLon:             8.545594,
			HomeAlt:             488,
		},
		Mission: MissionConfig{
			InterpolateSteps:        6,
			WaypointTimeoutSec:      30,
			ArrivalRadiusM:          2,
			DisarmTimeoutSec:        900,
			TelemetryLogIntervalSec: 2,
			TaskGraceSec:            5,
			CruiseAlt:               30,
		},
		Battery: BatteryConfig{
			CapacityWh:     77,
			CruisePowerW:   180,
			CruiseSpeedMps: 8,
			ReserveFrac:    0.2,
		},
		Telemetry: TelemetryConfig{
			BroadcastIntervalMs: 100,
			QueueSize:           10,
			SilenceTimeoutSec:   5,
		},
		Ingest: IngestConfig{
			QueueSize:        2000,
			MaxBatch:         1000,
			EnqueueTimeoutMs: 50,
			FlushTimeoutSec:  2,
		},
		MQTT: MQTTConfig{
			Port:           1883,
			TelemetryTopic: "ardupilot/telemetry",
		},
		Storage: StorageConfig{
			DBPath:           "droneops.db",
			GreptimeDatabase: "public",
		},
		Video: VideoConfig{ProbeTimeoutSec: 2},
		API:   APIConfig{Addr: ":8080"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of Default, validates it against the
// schema and applies environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := ValidateWithCue(path, data); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		log.Printf("[Config] loaded %s", path)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DRONE_CONN", &c.Vehicle.Connection)
	str("DRONE_CONN_MAVPROXY", &c.Vehicle.TelemetryConnection)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("GREPTIMEDB_ENDPOINT", &c.Storage.GreptimeEndpoint)
	str("DB_PATH", &c.Storage.DBPath)
	str("LOG_LEVEL", &c.Log.Level)
	str("API_JWT_SECRET", &c.API.JWTSecret)
	str("VIDEO_SOURCE", &c.Video.Source)

	if v, ok := lookup("HEARTBEAT_TIMEOUT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HEARTBEAT_TIMEOUT: %w", err)
		}
		c.Vehicle.HeartbeatTimeoutSec = f
	}
	if v, ok := lookup("ENFORCE_PREFLIGHT_RANGE"); ok && v != "" {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("ENFORCE_PREFLIGHT_RANGE: %w", err)
		}
		c.Mission.EnforcePreflightRange = b
	}
	if v, ok := lookup("MQTT_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		c.MQTT.Port = p
	}
	return nil
}

// TelemetryEndpoint returns the connection the telemetry reader opens.
func (v VehicleConfig) TelemetryEndpoint() string {
	if v.TelemetryConnection != "" {
		return v.TelemetryConnection
	}
	return v.Connection
}

// Seconds converts a fractional seconds setting into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Millis converts a milliseconds setting into a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
