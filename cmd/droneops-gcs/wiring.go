package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"

	"droneops-gcs/internal/config"
	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/ingest"
	"droneops-gcs/internal/messaging"
	"droneops-gcs/internal/mission"
	"droneops-gcs/internal/rangemodel"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/vehicle"
	"droneops-gcs/internal/video"
)

func vehicleOptions(c *config.Config, l *slog.Logger) vehicle.Options {
	o := vehicle.DefaultOptions()
	o.HeartbeatTimeout = config.Seconds(c.Vehicle.HeartbeatTimeoutSec)
	o.ConnectTimeout = config.Seconds(c.Vehicle.ConnectTimeoutSec)
	o.WaypointTimeout = config.Seconds(c.Mission.WaypointTimeoutSec)
	o.ArrivalRadiusM = c.Mission.ArrivalRadiusM
	o.Logger = l.With("component", "vehicle")
	return o
}

func rangeParams(c *config.Config) rangemodel.Params {
	return rangemodel.Params{
		CapacityWh:     c.Battery.CapacityWh,
		CruisePowerW:   c.Battery.CruisePowerW,
		CruiseSpeedMps: c.Battery.CruiseSpeedMps,
		ReserveFrac:    c.Battery.ReserveFrac,
	}
}

func missionConfig(c *config.Config) mission.Config {
	m := mission.DefaultConfig()
	m.Timing.HeartbeatInterval = config.Seconds(c.Vehicle.HeartbeatTimeoutSec / 2.5)
	m.Timing.TelemetryLogInterval = config.Seconds(c.Mission.TelemetryLogIntervalSec)
	m.Timing.TaskGrace = config.Seconds(c.Mission.TaskGraceSec)
	m.Timing.DisarmTimeout = config.Seconds(c.Mission.DisarmTimeoutSec)
	m.InterpolateSteps = c.Mission.InterpolateSteps
	m.EnforcePreflightRange = c.Mission.EnforcePreflightRange
	m.InflightRangeGuard = c.Mission.InflightRangeGuard
	m.Range = rangeParams(c)
	m.Ingest = ingest.Config{
		QueueSize:      c.Ingest.QueueSize,
		MaxBatch:       c.Ingest.MaxBatch,
		EnqueueTimeout: config.Millis(c.Ingest.EnqueueTimeoutMs),
		FlushTimeout:   config.Seconds(c.Ingest.FlushTimeoutSec),
	}
	m.TelemetryTopic = c.MQTT.TelemetryTopic
	return m
}

func pipelineConfig(c *config.Config) telemetry.PipelineConfig {
	p := telemetry.DefaultPipelineConfig()
	p.BroadcastInterval = config.Millis(c.Telemetry.BroadcastIntervalMs)
	p.SilenceTimeout = config.Seconds(c.Telemetry.SilenceTimeoutSec)
	p.RelayTopic = c.MQTT.TelemetryTopic
	return p
}

func mqttConfig(c *config.Config) messaging.MQTTConfig {
	m := messaging.DefaultMQTTConfig()
	m.Broker = c.MQTT.Broker
	m.Port = c.MQTT.Port
	m.User = c.MQTT.User
	m.Pass = c.MQTT.Pass
	m.ClientID = c.MQTT.ClientID
	return m
}

func home(c *config.Config) geo.Coordinate {
	return geo.Coordinate{Lat: c.Vehicle.HomeLat, Lon: c.Vehicle.HomeLon, Alt: c.Vehicle.HomeAlt}
}

// newLink returns the vehicle link and the telemetry source reading the same vehicle.
func newLink(c *config.Config, simulate bool, l *slog.Logger) (vehicle.Link, telemetry.Source, error) {
	opts := vehicleOptions(c, l)
	if simulate {
		log.Printf("[Main] Simulated vehicle at %.6f,%.6f", c.Vehicle.HomeLat, c.Vehicle.HomeLon)
		s := vehicle.NewSim(vehicle.DefaultSimConfig(home(c)), opts)
		return s, s.Source(), nil
	}
	link, err := vehicle.NewMAVLink(c.Vehicle.Connection, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("vehicle link: %w", err)
	}
	src, err := vehicle.NewMAVLinkSource(c.Vehicle.TelemetryEndpoint())
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry source: %w", err)
	}
	log.Printf("[Main] Vehicle link %s, telemetry %s", c.Vehicle.Connection, c.Vehicle.TelemetryEndpoint())
	return link, src, nil
}

// newBus connects to the configured MQTT broker, or returns an in-process bus when
// none is set.
func newBus(ctx context.Context, c *config.Config, l *slog.Logger) (messaging.Bus, error) {
	if c.MQTT.Broker == "" {
		log.Println("[Main] No MQTT broker configured, using in-process bus")
		return messaging.NewLocalBus(), nil
	}
	client := messaging.NewMQTTClient(mqttConfig(c), l.With("component", "mqtt"))
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	log.Printf("[Main] MQTT connected to %s:%d", c.MQTT.Broker, c.MQTT.Port)
	return client, nil
}

// newWriters sets up the telemetry and raw event mirrors from the storage and ingest
// settings. Either writer may be nil. The returned cleanup closes any files.
func newWriters(c *config.Config, printOnly bool) (telemetry.RowWriter, storage.RawWriter, func(), error) {
	cleanup := func() {}

	var tws []storage.TelemetryWriter
	var rws []storage.RawWriter
	switch {
	case printOnly:
		sw := storage.NewJSONStdoutWriter()
		tws = append(tws, sw)
		rws = append(rws, sw)
	case c.Storage.GreptimeEndpoint != "":
		gw, err := storage.NewGreptimeDBWriter(c.Storage.GreptimeEndpoint, c.Storage.GreptimeDatabase)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("[Main] GreptimeDB telemetry at %s/%s", c.Storage.GreptimeEndpoint, c.Storage.GreptimeDatabase)
		tws = append(tws, gw)
	}

	telePath := c.Storage.TelemetryLog
	if telePath == "" && c.Ingest.RawLog != "" {
		telePath = c.Ingest.RawLog + ".telemetry"
	}
	if telePath != "" {
		fw, err := storage.NewFileWriter(telePath, c.Ingest.RawLog)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup = func() { fw.Close() }
		tws = append(tws, fw)
		if c.Ingest.RawLog != "" {
			rws = append(rws, fw)
		}
	}

	var tw telemetry.RowWriter
	var rw storage.RawWriter
	if len(tws) > 0 || len(rws) > 0 {
		mw := storage.NewMultiWriter(tws, rws)
		if len(tws) > 0 {
			tw = mw
		}
		if len(rws) > 0 {
			rw = mw
		}
	}
	return tw, rw, cleanup, nil
}

// station is the wired ground station for one process.
type station struct {
	link     vehicle.Link
	store    *storage.SqliteStore
	feed     *telemetry.Broadcaster
	pipeline *telemetry.Pipeline
	bus      messaging.Bus
	orch     *mission.Orchestrator
	closers  []io.Closer
	cleanup  func()
}

func newStation(ctx context.Context, c *config.Config, simulate, printOnly bool, l *slog.Logger) (*station, error) {
	st := &station{cleanup: func() {}}
	link, src, err := newLink(c, simulate, l)
	if err != nil {
		return nil, err
	}
	st.link = link

	bus, err := newBus(ctx, c, l)
	if err != nil {
		return nil, err
	}
	st.bus = bus
	st.closers = append(st.closers, bus)

	tw, rw, cleanup, err := newWriters(c, printOnly)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.cleanup = cleanup

	st.store = storage.NewSqliteStore(c.Storage.DBPath)
	st.closers = append(st.closers, st.store)
	log.Printf("[Main] Flight database %s", c.Storage.DBPath)

	st.feed = telemetry.NewBroadcaster(
		telemetry.WithQueueSize(c.Telemetry.QueueSize),
		telemetry.WithBroadcastLogger(l.With("component", "broadcast")),
	)
	st.pipeline = telemetry.NewPipeline(src, st.feed,
		telemetry.WithPipelineConfig(pipelineConfig(c)),
		telemetry.WithRelay(bus),
		telemetry.WithPipelineLogger(l.With("component", "pipeline")),
	)

	opts := []mission.Option{
		mission.WithConfig(missionConfig(c)),
		mission.WithLogger(l.With("component", "mission")),
		mission.WithPublisher(bus),
		mission.WithSubscriber(bus),
		mission.WithPipeline(st.pipeline),
	}
	if tw != nil {
		opts = append(opts, mission.WithTelemetryMirror(tw))
	}
	if rw != nil {
		opts = append(opts, mission.WithRawMirror(rw))
	}
	if c.Video.Source != "" {
		opts = append(opts, mission.WithVideo(video.NewMonitor(c.Video.Source, config.Seconds(c.Video.ProbeTimeoutSec),
			video.WithLogger(l.With("component", "video")))))
		log.Printf("[Main] Video health checks on %s", c.Video.Source)
	}
	st.orch = mission.NewOrchestrator(link, st.store, opts...)
	return st, nil
}

// Close stops the pipeline and releases every resource.
func (s *station) Close() error {
	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	if s.feed != nil {
		s.feed.Close()
	}
	var errs []error
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close link: %w", err))
		}
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cleanup()
	return errors.Join(errs...)
}
