// Package mission flies waypoint missions end to end: connect, arm, fly the route,
// return and land, while background tasks keep the vehicle supervised and recorded.
package mission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/ingest"
	"droneops-gcs/internal/messaging"
	"droneops-gcs/internal/rangemodel"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/vehicle"
	"droneops-gcs/internal/video"
)

var (
	// ErrInvalidMission is returned for missions that cannot be flown as given.
	ErrInvalidMission = errors.New("invalid mission")
	// ErrMissionRunning is returned when a mission is already in progress.
	ErrMissionRunning = errors.New("mission already running")
	// ErrRangeInsufficient aborts a mission whose route exceeds the estimated range.
	ErrRangeInsufficient = errors.New("insufficient range")
	// ErrDeadMansSwitch is the cause recorded when the watchdog forced a return.
	ErrDeadMansSwitch = errors.New("dead man's switch triggered")

	errTeardown = errors.New("mission teardown")
)

// Flight event types, in the order a successful mission records them.
const (
	EventMissionCreated     = "mission_created"
	EventConnected          = "connected"
	EventTakeoff            = "takeoff"
	EventReachedDestination = "reached_destination"
	EventRTLInitiated       = "rtl_initiated"
	EventLandedHome         = "landed_home"
	EventMissionFailed      = "mission_failed"
	EventMissionAborted     = "mission_aborted"
	EventDeadMansSwitch     = "dead_mans_switch_triggered"
)

// Phase is the lifecycle position of the orchestrator.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseConnecting    Phase = "connecting"
	PhaseRecordCreated Phase = "record_created"
	PhaseTasksStarting Phase = "tasks_starting"
	PhaseExecuting     Phase = "executing"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
	PhaseAborted       Phase = "aborted"
	PhaseShuttingDown  Phase = "shutting_down"
)

// Store is the part of the flight database a mission writes to.
type Store interface {
	CreateFlight(ctx context.Context, start, dest geo.Coordinate) (int64, error)
	AddEvent(ctx context.Context, flightID int64, eventType string, data any) error
	FinishFlight(ctx context.Context, flightID int64, status storage.FlightStatus, note string) error
	AddTelemetryMany(ctx context.Context, flightID int64, rows []telemetry.TelemetryRow) error
	ingest.Sink
}

// VideoMonitor reports the health of the video link.
type VideoMonitor interface {
	Check(ctx context.Context) video.Status
	Close() error
}

// Timing holds the intervals and bounded waits of a mission run.
type Timing struct {
	HeartbeatInterval    time.Duration
	EmergencyInterval    time.Duration
	VideoInterval        time.Duration
	RangeGuardInterval   time.Duration
	TelemetryLogInterval time.Duration
	TaskGrace            time.Duration
	DisarmTimeout        time.Duration
	FinalizeTimeout      time.Duration
}

// DefaultTiming returns the production intervals.
func DefaultTiming() Timing {
	return Timing{
		HeartbeatInterval:    2 * time.Second,
		EmergencyInterval:    time.Second,
		VideoInterval:        5 * time.Second,
		RangeGuardInterval:   10 * time.Second,
		TelemetryLogInterval: 2 * time.Second,
		TaskGrace:            5 * time.Second,
		DisarmTimeout:        900 * time.Second,
		FinalizeTimeout:      5 * time.Second,
	}
}

// Config tunes the orchestrator.
type Config struct {
	Timing                Timing
	InterpolateSteps      int
	EnforcePreflightRange bool
	InflightRangeGuard    bool
	Range                 rangemodel.Params
	Ingest                ingest.Config
	TelemetryTopic        string
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Timing:           DefaultTiming(),
		InterpolateSteps: 6,
		Range:            rangemodel.DefaultParams(),
		Ingest:           ingest.DefaultConfig(),
		TelemetryTopic:   messaging.TopicTelemetry,
	}
}

// Outcome summarizes a finished mission.
type Outcome struct {
	FlightID   int64                `json:"flight_id"`
	Status     storage.FlightStatus `json:"status"`
	Note       string               `json:"note"`
	Route      []geo.Coordinate     `json:"route,omitempty"`
	Range      *rangemodel.Estimate `json:"range,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Current is the live view of the orchestrator.
type Current struct {
	Phase    Phase                `json:"phase"`
	FlightID int64                `json:"flight_id,omitempty"`
	Running  bool                 `json:"running"`
	Ending   storage.FlightStatus `json:"ending,omitempty"` // terminal status of the latest mission, set at teardown
}

// Orchestrator runs one mission at a time against a vehicle link.
type Orchestrator struct {
	link  vehicle.Link
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	pub        messaging.Publisher
	sub        messaging.Subscriber
	pipeline   *telemetry.Pipeline
	teleMirror telemetry.RowWriter
	rawMirror  storage.RawWriter
	video      VideoMonitor
	model      rangemodel.Model

	busy    atomic.Bool
	running atomic.Bool

	mu       sync.Mutex
	phase    Phase
	flightID int64
	ending   storage.FlightStatus
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the configuration.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.cfg = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithPublisher sets where heartbeat, warning and emergency messages go.
func WithPublisher(p messaging.Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

// WithSubscriber enables raw event capture from the telemetry topic.
func WithSubscriber(s messaging.Subscriber) Option {
	return func(o *Orchestrator) { o.sub = s }
}

// WithPipeline shares a telemetry pipeline. It is started for the mission when not
// already running.
func WithPipeline(p *telemetry.Pipeline) Option {
	return func(o *Orchestrator) { o.pipeline = p }
}

// WithTelemetryMirror copies recorded telemetry rows to w, e.g. GreptimeDB.
func WithTelemetryMirror(w telemetry.RowWriter) Option {
	return func(o *Orchestrator) { o.teleMirror = w }
}

// WithRawMirror copies stored raw events to w.
func WithRawMirror(w storage.RawWriter) Option {
	return func(o *Orchestrator) { o.rawMirror = w }
}

// WithVideo enables the video health task.
func WithVideo(v VideoMonitor) Option {
	return func(o *Orchestrator) { o.video = v }
}

// WithRangeModel replaces the range estimator.
func WithRangeModel(m rangemodel.Model) Option {
	return func(o *Orchestrator) { o.model = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(link vehicle.Link, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		link:  link,
		store: store,
		cfg:   DefaultConfig(),
		log:   slog.Default(),
		now:   time.Now,
		model: rangemodel.SimpleWhPerKM{},
		phase: PhaseIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pub == nil {
		o.pub = nopPublisher{}
	}
	o.cfg.Timing = o.cfg.Timing.withDefaults()
	if o.cfg.InterpolateSteps < 0 {
		o.cfg.InterpolateSteps = 0
	}
	if o.cfg.TelemetryTopic == "" {
		o.cfg.TelemetryTopic = messaging.TopicTelemetry
	}
	return o
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.HeartbeatInterval, d.HeartbeatInterval)
	fill(&t.EmergencyInterval, d.EmergencyInterval)
	fill(&t.VideoInterval, d.VideoInterval)
	fill(&t.RangeGuardInterval, d.RangeGuardInterval)
	fill(&t.TelemetryLogInterval, d.TelemetryLogInterval)
	fill(&t.TaskGrace, d.TaskGrace)
	fill(&t.DisarmTimeout, d.DisarmTimeout)
	fill(&t.FinalizeTimeout, d.FinalizeTimeout)
	return t
}

// Current returns the phase and flight of the mission in progress.
func (o *Orchestrator) Current() Current {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Current{Phase: o.phase, FlightID: o.flightID, Running: o.running.Load(), Ending: o.ending}
}

// Busy reports whether a mission holds the orchestrator, teardown included.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// FlightID returns the id of the open flight record.
func (o *Orchestrator) FlightID() (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flightID, o.flightID > 0
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.log.Debug("mission phase", "phase", string(p))
}

func (o *Orchestrator) setEnding(s storage.FlightStatus) {
	o.mu.Lock()
	o.ending = s
	o.mu.Unlock()
}

func (o *Orchestrator) setFlight(id int64) {
	o.mu.Lock()
	o.flightID = id
	o.mu.Unlock()
}

func (o *Orchestrator) timestamp() float64 {
	return float64(o.now().UnixMicro()) / 1e6
}

// publish adds a timestamp to payload and sends it. Failures are logged only.
func (o *Orchestrator) publish(ctx context.Context, topic string, payload map[string]any) {
	payload["timestamp"] = o.timestamp()
	if err := o.pub.Publish(ctx, topic, payload); err != nil {
		o.log.Warn("publish failed", "topic", topic, "err", err)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }
