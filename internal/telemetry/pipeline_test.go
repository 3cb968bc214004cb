package telemetry

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"droneops-gcs/internal/logging"
	"droneops-gcs/internal/vehicle"
)

// scriptedSource plays queued messages and can be silenced or made to fail Probe.
type scriptedSource struct {
	mu        sync.Mutex
	msgs      chan vehicle.Message
	opens     int
	closes    int
	probeErr  error
	openErr   error
	openFails int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{msgs: make(chan vehicle.Message, 100)}
}

func (s *scriptedSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openFails > 0 {
		s.openFails--
		return s.openErr
	}
	s.opens++
	return nil
}

func (s *scriptedSource) Recv(ctx context.Context, timeout time.Duration) (vehicle.Message, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return vehicle.Message{}, ctx.Err()
	case <-t.C:
		return vehicle.Message{}, vehicle.ErrNoMessage
	case m := <-s.msgs:
		return m, nil
	}
}

func (s *scriptedSource) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.probeErr
	s.probeErr = nil
	return err
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type recordingRelay struct {
	mu       sync.Mutex
	topics   []string
	payloads []map[string]any
}

func (r *recordingRelay) Publish(_ context.Context, topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload.(map[string]any))
	return nil
}

func (r *recordingRelay) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func fastPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RecvTimeout:       5 * time.Millisecond,
		BroadcastInterval: 5 * time.Millisecond,
		SilenceTimeout:    40 * time.Millisecond,
		ProbeTimeout:      10 * time.Millisecond,
		BackoffMin:        time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		RelayTopic:        "ardupilot/telemetry",
	}
}

func positionMsg(lat float64) vehicle.Message {
	return vehicle.Message{Type: "GLOBAL_POSITION_INT", Fields: map[string]any{
		"lat": math.Round(lat * 1e7), "lon": 8.5e7, "alt": 500000.0, "relative_alt": 12000.0,
	}}
}

func TestPipelineBroadcastsSnapshot(t *testing.T) {
	src := newScriptedSource()
	bc := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer bc.Close()
	relay := &recordingRelay{}
	p := NewPipeline(src, bc,
		WithPipelineConfig(fastPipelineConfig()),
		WithRelay(relay),
		WithPipelineLogger(logging.Discard()),
	)
	c := &recordingConsumer{}
	bc.Register(c)

	if !p.Start(context.Background()) {
		t.Fatal("Start returned false")
	}
	defer p.Stop()
	if p.Start(context.Background()) {
		t.Fatal("second Start must report already running")
	}

	src.msgs <- positionMsg(47.1)
	src.msgs <- vehicle.Message{Type: "HEARTBEAT", Fields: map[string]any{"custom_mode": 4.0, "base_mode": 129.0}}

	eventually(t, "guided frame", func() bool {
		for _, f := range c.Frames() {
			if f.Data.Mode == "GUIDED" && f.Data.Position.Lat == 47.1 {
				return true
			}
		}
		return false
	})
	snap := p.Snapshot()
	if !snap.Armed || snap.Position.RelativeAlt != 12 || snap.Timestamp <= 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	eventually(t, "relay", func() bool { return relay.Count() == 2 })
	relay.mu.Lock()
	first := relay.payloads[0]
	topic := relay.topics[0]
	relay.mu.Unlock()
	if topic != "ardupilot/telemetry" || first["mavpackettype"] != "GLOBAL_POSITION_INT" || first["timestamp"] == nil {
		t.Fatalf("relay payload %s %v", topic, first)
	}
}

func TestPipelineReconnectsAfterSilence(t *testing.T) {
	src := newScriptedSource()
	src.probeErr = errors.New("no heartbeat")
	bc := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer bc.Close()
	p := NewPipeline(src, bc, WithPipelineConfig(fastPipelineConfig()), WithPipelineLogger(logging.Discard()))
	c := &recordingConsumer{}
	bc.Register(c)

	p.Start(context.Background())
	defer p.Stop()
	src.msgs <- positionMsg(47.2)
	eventually(t, "first frame", func() bool { return len(c.Frames()) > 0 })

	eventually(t, "reconnect", func() bool { return p.Reconnects() == 1 })
	if src.Opens() != 2 {
		t.Fatalf("opens = %d, want 2", src.Opens())
	}
	if bc.Consumers() != 1 {
		t.Fatalf("consumers after reconnect = %d", bc.Consumers())
	}
	if lat := p.Snapshot().Position.Lat; lat != 47.2 {
		t.Fatalf("snapshot lost on reconnect: lat=%v", lat)
	}

	src.msgs <- positionMsg(47.3)
	eventually(t, "frame after reconnect", func() bool {
		f := c.Frames()
		return len(f) > 0 && f[len(f)-1].Data.Position.Lat == 47.3
	})
	// the probe now succeeds, so further silence must not reopen the source
	time.Sleep(100 * time.Millisecond)
	if p.Reconnects() != 1 {
		t.Fatalf("reconnects = %d, want 1", p.Reconnects())
	}
}

func TestPipelineRetriesOpen(t *testing.T) {
	src := newScriptedSource()
	src.openErr = errors.New("connection refused")
	src.openFails = 3
	bc := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer bc.Close()
	p := NewPipeline(src, bc, WithPipelineConfig(fastPipelineConfig()), WithPipelineLogger(logging.Discard()))
	p.Start(context.Background())
	src.msgs <- positionMsg(1)
	eventually(t, "message after open retries", func() bool { return p.Messages() == 1 })
	p.Stop()
	if p.Running() {
		t.Fatal("pipeline still running after Stop")
	}
}

func TestPipelineStopWithoutStart(t *testing.T) {
	p := NewPipeline(newScriptedSource(), NewBroadcaster(), WithPipelineLogger(logging.Discard()))
	p.Stop()
	if p.Snapshot().Mode != "DISCONNECTED" {
		t.Fatal("default snapshot expected")
	}
}

func TestPipelineWithSimSource(t *testing.T) {
	cfg := vehicle.DefaultSimConfig(vehicleHome)
	cfg.MessageInterval = time.Millisecond
	sim := vehicle.NewSim(cfg, vehicle.Options{Logger: logging.Discard()})
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	bc := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer bc.Close()
	p := NewPipeline(sim.Source(), bc, WithPipelineConfig(fastPipelineConfig()), WithPipelineLogger(logging.Discard()))
	p.Start(context.Background())
	defer p.Stop()

	eventually(t, "sim snapshot", func() bool {
		s := p.Snapshot()
		return s.GPS.FixType == 3 && s.Battery.Remaining == 100 && s.Position.Lat != 0
	})
	if mode := p.Snapshot().Mode; !strings.EqualFold(mode, "STABILIZE") {
		t.Fatalf("mode = %s", mode)
	}
}

// stalledRelay blocks every Publish until released or the context ends.
type stalledRelay struct {
	release chan struct{}
	calls   callCounter
}

type callCounter struct {
	mu sync.Mutex
	n  int
}

func (c *callCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *callCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (r *stalledRelay) Publish(ctx context.Context, _ string, _ any) error {
	r.calls.inc()
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPipelineNotBlockedBySlowRelay(t *testing.T) {
	src := newScriptedSource()
	bc := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer bc.Close()
	relay := &stalledRelay{release: make(chan struct{})}
	cfg := fastPipelineConfig()
	cfg.RelayQueueSize = 4
	p := NewPipeline(src, bc,
		WithPipelineConfig(cfg),
		WithRelay(relay),
		WithPipelineLogger(logging.Discard()),
	)
	p.Start(context.Background())
	defer p.Stop()

	const n = 50
	for i := range n {
		src.msgs <- positionMsg(47 + float64(i)*1e-4)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for p.Messages() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.Messages(); got != n {
		t.Fatalf("decoded %d of %d messages while the relay was stalled", got, n)
	}
	if p.RelayDropped() == 0 {
		t.Fatal("expected relay payloads to be dropped while stalled")
	}
	if got := p.Snapshot().Position.Lat; math.Abs(got-(47+float64(n-1)*1e-4)) > 1e-6 {
		t.Fatalf("snapshot lat = %v, want the last message", got)
	}
	close(relay.release)
	eventually(t, "relay resumes", func() bool { return relay.calls.get() > 1 })
}
