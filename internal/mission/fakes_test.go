package mission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/vehicle"
)

var testHome = geo.Coordinate{Lat: 47.3977, Lon: 8.5456, Alt: 488}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	createErr error
	events    []string
	data      map[string]json.RawMessage
	finished  map[int64]storage.FlightStatus
	notes     map[int64]string
	rows      []telemetry.TelemetryRow
	raw       []storage.RawEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:     make(map[string]json.RawMessage),
		finished: make(map[int64]storage.FlightStatus),
		notes:    make(map[int64]string),
	}
}

func (s *fakeStore) CreateFlight(_ context.Context, _, _ geo.Coordinate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.nextID++
	return s.nextID, nil
}

func (s *fakeStore) AddEvent(_ context.Context, _ int64, eventType string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	s.data[eventType] = b
	return nil
}

func (s *fakeStore) FinishFlight(_ context.Context, id int64, status storage.FlightStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.finished[id]; ok {
		return storage.ErrFlightFinished
	}
	s.finished[id] = status
	s.notes[id] = note
	return nil
}

func (s *fakeStore) AddTelemetryMany(_ context.Context, _ int64, rows []telemetry.TelemetryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *fakeStore) AddRawEventsMany(_ context.Context, _ int64, events []storage.RawEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, events...)
	return len(events), nil
}

func (s *fakeStore) AddRawEvent(_ context.Context, ev storage.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, ev)
	return nil
}

func (s *fakeStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeStore) Status(id int64) (storage.FlightStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.finished[id]
	return st, ok
}

func (s *fakeStore) counts() (rows, raw int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), len(s.raw)
}

type recordingPublisher struct {
	mu       sync.Mutex
	topics   map[string]int
	payloads map[string][]map[string]any
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{topics: make(map[string]int), payloads: make(map[string][]map[string]any)}
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[topic]++
	if m, ok := payload.(map[string]any); ok {
		p.payloads[topic] = append(p.payloads[topic], m)
	}
	return nil
}

func (p *recordingPublisher) Count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

func (p *recordingPublisher) Last(topic string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.payloads[topic]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// scriptedLink is a vehicle link whose route blocks until released.
type scriptedLink struct {
	wd      *vehicle.Watchdog
	silent  atomic.Bool
	closed  atomic.Bool
	release chan struct{}
	battery float64

	mu    sync.Mutex
	modes []string
}

func newScriptedLink() *scriptedLink {
	l := &scriptedLink{release: make(chan struct{}), battery: 100}
	l.wd = vehicle.NewWatchdog(100*time.Millisecond, l.SetMode,
		vehicle.WithWatchdogTick(10*time.Millisecond),
		vehicle.WithWatchdogLogger(logging.Discard()),
	)
	return l
}

func (l *scriptedLink) Connect(context.Context) error {
	l.closed.Store(false)
	l.wd.Stop()
	return l.wd.Arm()
}

func (l *scriptedLink) Home() (geo.Coordinate, error) { return testHome, nil }

func (l *scriptedLink) ArmAndTakeoff(context.Context, float64) error { return nil }

func (l *scriptedLink) Goto(context.Context, geo.Coordinate) error { return nil }

func (l *scriptedLink) FollowWaypoints(ctx context.Context, _ []geo.Coordinate) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.release:
		return nil
	}
}

func (l *scriptedLink) SetMode(_ context.Context, mode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modes = append(l.modes, mode)
	return nil
}

func (l *scriptedLink) Modes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.modes...)
}

func (l *scriptedLink) Telemetry() vehicle.State {
	b := l.battery
	return vehicle.State{
		Position:         testHome,
		Mode:             vehicle.ModeGuided,
		Armed:            true,
		BatteryRemaining: &b,
		UpdatedAt:        time.Now(),
	}
}

func (l *scriptedLink) WaitUntilDisarmed(context.Context, time.Duration) error { return nil }

func (l *scriptedLink) SendHeartbeat(context.Context) error {
	if l.silent.Load() {
		return vehicle.ErrLinkDown
	}
	l.wd.Refresh()
	return nil
}

func (l *scriptedLink) Watchdog() *vehicle.Watchdog { return l.wd }

func (l *scriptedLink) Close() error {
	l.wd.Stop()
	l.closed.Store(true)
	return nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Timing = Timing{
		HeartbeatInterval:    20 * time.Millisecond,
		EmergencyInterval:    10 * time.Millisecond,
		VideoInterval:        20 * time.Millisecond,
		RangeGuardInterval:   20 * time.Millisecond,
		TelemetryLogInterval: 20 * time.Millisecond,
		TaskGrace:            time.Second,
		DisarmTimeout:        5 * time.Second,
		FinalizeTimeout:      time.Second,
	}
	cfg.InterpolateSteps = 3
	cfg.Ingest.EnqueueTimeout = 5 * time.Millisecond
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nearbyWaypoints() []geo.Waypoint {
	return []geo.Waypoint{
		{Lat: testHome.Lat + 0.0002, Lon: testHome.Lon},
		{Lat: testHome.Lat + 0.0002, Lon: testHome.Lon + 0.0002},
	}
}

var errBoom = errors.New("boom")
