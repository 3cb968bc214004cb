package mission

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"droneops-gcs/internal/geo"
	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/messaging"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
	"droneops-gcs/internal/vehicle"
	"droneops-gcs/internal/video"
)

func newTestSim(t *testing.T) *vehicle.Sim {
	t.Helper()
	cfg := vehicle.DefaultSimConfig(testHome)
	cfg.Step = 5 * time.Millisecond
	cfg.TimeScale = 40
	cfg.MessageInterval = time.Millisecond
	s := vehicle.NewSim(cfg, vehicle.Options{
		HeartbeatTimeout: 300 * time.Millisecond,
		WatchdogTick:     10 * time.Millisecond,
		WaypointTimeout:  3 * time.Second,
		PollInterval:     5 * time.Millisecond,
		Logger:           logging.Discard(),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunCompletesMission(t *testing.T) {
	sim := newTestSim(t)
	store := newFakeStore()
	pub := newRecordingPublisher()
	o := NewOrchestrator(sim, store,
		WithConfig(fastConfig()),
		WithPublisher(pub),
		WithLogger(logging.Discard()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out, err := o.Run(ctx, nearbyWaypoints(), 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != storage.StatusCompleted || out.FlightID != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	want := []string{
		EventMissionCreated, EventConnected, EventTakeoff,
		EventReachedDestination, EventRTLInitiated, EventLandedHome,
	}
	if got := store.Events(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if st, ok := store.Status(1); !ok || st != storage.StatusCompleted {
		t.Fatalf("flight status = %q", st)
	}
	if len(out.Route) != 4 || out.Route[0] != out.Route[3] || out.Route[1].Alt != 10 {
		t.Fatalf("unexpected route %+v", out.Route)
	}
	if out.Range == nil || !out.Range.Feasible {
		t.Fatalf("unexpected range estimate %+v", out.Range)
	}
	if pub.Count(messaging.TopicHeartbeat) == 0 {
		t.Fatal("no heartbeat published")
	}
	if hb := pub.Last(messaging.TopicHeartbeat); hb["status"] != "alive" || hb["timestamp"] == nil {
		t.Fatalf("unexpected heartbeat %v", hb)
	}
	if rows, _ := store.counts(); rows == 0 {
		t.Fatal("no telemetry recorded")
	}
	if sim.Watchdog().State() != vehicle.WatchdogInactive {
		t.Fatalf("watchdog left %s", sim.Watchdog().State())
	}
	cur := o.Current()
	if cur.Phase != PhaseIdle || cur.Running || o.Busy() || cur.Ending != storage.StatusCompleted {
		t.Fatalf("orchestrator not idle after run: %+v", cur)
	}
	if !slices.Contains(sim.Commands(), "mode:"+vehicle.ModeRTL) {
		t.Fatalf("RTL never commanded: %v", sim.Commands())
	}
}

func TestRunRejectsInvalidMission(t *testing.T) {
	o := NewOrchestrator(newScriptedLink(), newFakeStore(), WithLogger(logging.Discard()))
	tests := []struct {
		name string
		wps  []geo.Waypoint
		alt  float64
	}{
		{name: "single waypoint", wps: nearbyWaypoints()[:1], alt: 10},
		{name: "no altitude", wps: nearbyWaypoints(), alt: 0},
		{name: "latitude out of range", wps: []geo.Waypoint{{Lat: 91}, {Lat: 1}}, alt: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Run(context.Background(), tt.wps, tt.alt); !errors.Is(err, ErrInvalidMission) {
				t.Fatalf("expected ErrInvalidMission, got %v", err)
			}
		})
	}
}

func TestRunAbortsOnInsufficientRange(t *testing.T) {
	sim := newTestSim(t)
	sim.SetBattery(20)
	store := newFakeStore()
	cfg := fastConfig()
	cfg.EnforcePreflightRange = true
	o := NewOrchestrator(sim, store, WithConfig(cfg), WithLogger(logging.Discard()))

	out, err := o.Run(context.Background(), nearbyWaypoints(), 10)
	if !errors.Is(err, ErrRangeInsufficient) {
		t.Fatalf("expected ErrRangeInsufficient, got %v", err)
	}
	if out.Status != storage.StatusAborted {
		t.Fatalf("status = %q, want aborted", out.Status)
	}
	want := []string{EventMissionCreated, EventConnected, EventMissionAborted}
	if got := store.Events(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if slices.Contains(sim.Commands(), "arm_and_takeoff") {
		t.Fatalf("vehicle armed despite abort: %v", sim.Commands())
	}
}

func TestRunContinuesWhenRangeNotEnforced(t *testing.T) {
	link := newScriptedLink()
	link.battery = 20
	close(link.release)
	store := newFakeStore()
	o := NewOrchestrator(link, store, WithConfig(fastConfig()), WithLogger(logging.Discard()))

	out, err := o.Run(context.Background(), nearbyWaypoints(), 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Range == nil || out.Range.Feasible {
		t.Fatalf("expected an infeasible estimate, got %+v", out.Range)
	}
	if !slices.Contains(store.Events(), EventLandedHome) {
		t.Fatalf("mission did not finish: %v", store.Events())
	}
}

func TestRunConnectFailure(t *testing.T) {
	sim := newTestSim(t)
	sim.ConnectErr = errBoom
	store := newFakeStore()
	o := NewOrchestrator(sim, store, WithConfig(fastConfig()), WithLogger(logging.Discard()))

	out, err := o.Run(context.Background(), nearbyWaypoints(), 10)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if out.FlightID != 0 || len(store.Events()) != 0 {
		t.Fatalf("flight recorded for failed connect: %+v %v", out, store.Events())
	}
	if o.Busy() {
		t.Fatal("orchestrator still busy")
	}
}

func TestRunArmFailureFinalizesFlight(t *testing.T) {
	sim := newTestSim(t)
	sim.ArmErr = errBoom
	store := newFakeStore()
	o := NewOrchestrator(sim, store, WithConfig(fastConfig()), WithLogger(logging.Discard()))

	out, err := o.Run(context.Background(), nearbyWaypoints(), 10)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected arm error, got %v", err)
	}
	if out.Status != storage.StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	events := store.Events()
	if events[len(events)-1] != EventMissionFailed || slices.Contains(events, EventTakeoff) {
		t.Fatalf("unexpected events %v", events)
	}
	if sim.Watchdog().State() != vehicle.WatchdogInactive {
		t.Fatalf("watchdog left %s", sim.Watchdog().State())
	}
}

func TestRunRejectsConcurrentMission(t *testing.T) {
	link := newScriptedLink()
	store := newFakeStore()
	o := NewOrchestrator(link, store, WithConfig(fastConfig()), WithLogger(logging.Discard()))

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), nearbyWaypoints(), 10)
		done <- err
	}()
	eventually(t, "executing phase", func() bool { return o.Current().Phase == PhaseExecuting })

	if _, err := o.Run(context.Background(), nearbyWaypoints(), 10); !errors.Is(err, ErrMissionRunning) {
		t.Fatalf("expected ErrMissionRunning, got %v", err)
	}
	if id, ok := o.FlightID(); !ok || id != 1 {
		t.Fatalf("flight id = %d, %v", id, ok)
	}

	close(link.release)
	if err := <-done; err != nil {
		t.Fatalf("first mission: %v", err)
	}
	if !link.closed.Load() {
		t.Fatal("link not closed at teardown")
	}
}

func TestDeadMansSwitchFailsMission(t *testing.T) {
	link := newScriptedLink()
	link.silent.Store(true)
	store := newFakeStore()
	pub := newRecordingPublisher()
	o := NewOrchestrator(link, store, WithConfig(fastConfig()), WithPublisher(pub), WithLogger(logging.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := o.Run(ctx, nearbyWaypoints(), 10)
	if !errors.Is(err, ErrDeadMansSwitch) {
		t.Fatalf("expected ErrDeadMansSwitch, got %v", err)
	}
	if out.Status != storage.StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	events := store.Events()
	if !slices.Contains(events, EventDeadMansSwitch) || events[len(events)-1] != EventMissionFailed {
		t.Fatalf("unexpected events %v", events)
	}
	if pub.Count(messaging.TopicEmergency) != 1 {
		t.Fatalf("emergency published %d times", pub.Count(messaging.TopicEmergency))
	}
	if em := pub.Last(messaging.TopicEmergency); em["type"] != EventDeadMansSwitch {
		t.Fatalf("unexpected emergency payload %v", em)
	}
	eventually(t, "RTL commanded", func() bool { return slices.Contains(link.Modes(), vehicle.ModeRTL) })
	if link.Watchdog().State() != vehicle.WatchdogInactive {
		t.Fatalf("watchdog left %s", link.Watchdog().State())
	}
}

func TestCancelledMissionIsAborted(t *testing.T) {
	link := newScriptedLink()
	store := newFakeStore()
	o := NewOrchestrator(link, store, WithConfig(fastConfig()), WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := o.Run(ctx, nearbyWaypoints(), 10)
		done <- out
	}()
	eventually(t, "executing phase", func() bool { return slices.Contains(store.Events(), EventTakeoff) })
	cancel()

	out := <-done
	if out.Status != storage.StatusAborted {
		t.Fatalf("status = %q, want aborted", out.Status)
	}
	if events := store.Events(); events[len(events)-1] != EventMissionAborted {
		t.Fatalf("unexpected events %v", events)
	}
}

type staticVideo struct {
	healthy bool
	closed  bool
}

func (v *staticVideo) Check(context.Context) video.Status {
	st := video.Status{Source: "rtsp://cam", Healthy: v.healthy}
	if !v.healthy {
		st.Error = "connection refused"
		st.Failures = 1
	}
	return st
}

func (v *staticVideo) Close() error {
	v.closed = true
	return nil
}

func TestVideoAndRangeWarnings(t *testing.T) {
	link := newScriptedLink()
	link.battery = 20
	store := newFakeStore()
	pub := newRecordingPublisher()
	cam := &staticVideo{}
	cfg := fastConfig()
	cfg.InflightRangeGuard = true
	o := NewOrchestrator(link, store, WithConfig(cfg), WithPublisher(pub), WithVideo(cam), WithLogger(logging.Discard()))

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), nearbyWaypoints(), 10)
		done <- err
	}()
	eventually(t, "video status", func() bool { return pub.Count(messaging.TopicVideoStatus) >= 2 })
	eventually(t, "warnings", func() bool { return pub.Count(messaging.TopicWarnings) >= 3 })
	close(link.release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cam.closed {
		t.Fatal("video monitor not closed")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	var rangeWarnings, videoWarnings int
	for _, w := range pub.payloads[messaging.TopicWarnings] {
		switch w["type"] {
		case "insufficient_range":
			rangeWarnings++
		case "video_stream_unhealthy":
			videoWarnings++
		}
	}
	if rangeWarnings != 1 {
		t.Fatalf("range warnings = %d, want exactly 1", rangeWarnings)
	}
	if videoWarnings < 2 {
		t.Fatalf("video warnings = %d", videoWarnings)
	}
}

func TestRunCapturesRawEvents(t *testing.T) {
	sim := newTestSim(t)
	store := newFakeStore()
	bus := messaging.NewLocalBus()
	pcfg := telemetry.DefaultPipelineConfig()
	pcfg.BroadcastInterval = 10 * time.Millisecond
	pipeline := telemetry.NewPipeline(sim.Source(), telemetry.NewBroadcaster(telemetry.WithBroadcastLogger(logging.Discard())),
		telemetry.WithPipelineConfig(pcfg),
		telemetry.WithRelay(bus),
		telemetry.WithPipelineLogger(logging.Discard()),
	)
	o := NewOrchestrator(sim, store,
		WithConfig(fastConfig()),
		WithPipeline(pipeline),
		WithSubscriber(bus),
		WithLogger(logging.Discard()),
	)

	out, err := o.Run(context.Background(), nearbyWaypoints(), 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rows, raw := store.counts()
	if rows == 0 || raw == 0 {
		t.Fatalf("telemetry rows=%d raw events=%d", rows, raw)
	}
	store.mu.Lock()
	for _, ev := range store.raw {
		if ev.FlightID != out.FlightID || ev.MsgType == "" {
			store.mu.Unlock()
			t.Fatalf("unexpected raw event %+v", ev)
		}
	}
	store.mu.Unlock()
	if pipeline.Running() {
		t.Fatal("pipeline started by the mission still running")
	}
	if bus.Subscriptions() != 0 {
		t.Fatalf("subscriptions left: %d", bus.Subscriptions())
	}
}
