package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"droneops-gcs/internal/vehicle"
)

// Source yields protocol messages from the vehicle. Recv returns vehicle.ErrNoMessage
// when nothing arrived within timeout.
type Source interface {
	Open(ctx context.Context) error
	Recv(ctx context.Context, timeout time.Duration) (vehicle.Message, error)
	Probe(ctx context.Context) error
	Close() error
}

// Relay forwards decoded protocol messages to a message bus.
type Relay interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// PipelineConfig holds the pipeline timings.
type PipelineConfig struct {
	RecvTimeout       time.Duration
	BroadcastInterval time.Duration
	SilenceTimeout    time.Duration
	ProbeTimeout      time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	RelayTopic        string
	RelayQueueSize    int
}

// DefaultPipelineConfig returns the production timings.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RecvTimeout:       100 * time.Millisecond,
		BroadcastInterval: 100 * time.Millisecond,
		SilenceTimeout:    5 * time.Second,
		ProbeTimeout:      2 * time.Second,
		BackoffMin:        500 * time.Millisecond,
		BackoffMax:        8 * time.Second,
		RelayTopic:        "ardupilot/telemetry",
		RelayQueueSize:    256,
	}
}

const relayTimeout = time.Second

// Pipeline reads the vehicle telemetry source on its own goroutine, keeps the
// aggregated Snapshot and submits coalesced frames to the Broadcaster.
type Pipeline struct {
	src   Source
	bc    *Broadcaster
	cfg   PipelineConfig
	relay Relay
	log   *slog.Logger

	relayQ *dropQueue[map[string]any]

	mu      sync.Mutex
	snap    Snapshot
	pending int

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	running    atomic.Bool
	reconnects atomic.Int64
	messages   atomic.Uint64
	relayErrs  atomic.Uint64
	relayDrops atomic.Uint64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineConfig replaces the timings.
func WithPipelineConfig(c PipelineConfig) PipelineOption {
	return func(p *Pipeline) { p.cfg = c }
}

// WithRelay forwards every decoded message to r on the relay topic.
func WithRelay(r Relay) PipelineOption {
	return func(p *Pipeline) { p.relay = r }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(src Source, bc *Broadcaster, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		src:  src,
		bc:   bc,
		cfg:  DefaultPipelineConfig(),
		log:  slog.Default(),
		snap: DefaultSnapshot(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.relay != nil {
		size := p.cfg.RelayQueueSize
		if size <= 0 {
			size = DefaultPipelineConfig().RelayQueueSize
		}
		p.relayQ = newDropQueue[map[string]any](size)
	}
	return p
}

// Start launches the reader goroutine. It reports false when the pipeline was
// already running.
func (p *Pipeline) Start(ctx context.Context) bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.running.Load() {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)
	go p.run(ctx, p.done)
	p.log.Info("telemetry pipeline started")
	return true
}

// Stop ends the reader and closes the source. The snapshot is kept.
func (p *Pipeline) Stop() {
	p.lifeMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("telemetry pipeline stopped")
}

// Running reports whether the reader goroutine is active.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Snapshot returns a copy of the current aggregated state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Reconnects returns how many times the source was reopened after a failure.
func (p *Pipeline) Reconnects() int64 { return p.reconnects.Load() }

// Messages returns the number of decoded messages.
func (p *Pipeline) Messages() uint64 { return p.messages.Load() }

// RelayDropped returns how many relay payloads were discarded because the relay
// publisher fell behind.
func (p *Pipeline) RelayDropped() uint64 { return p.relayDrops.Load() }

// Broadcaster returns the broadcaster frames are submitted to.
func (p *Pipeline) Broadcaster() *Broadcaster { return p.bc }

func (p *Pipeline) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer p.running.Store(false)
	defer func() {
		if err := p.src.Close(); err != nil {
			p.log.Warn("close telemetry source", "err", err)
		}
	}()

	if p.relayQ != nil {
		relayDone := make(chan struct{})
		go p.publishRelay(ctx, relayDone)
		defer func() { <-relayDone }()
	}

	if !p.open(ctx) {
		return
	}
	lastMsg := time.Now()
	lastBroadcast := time.Now()
	for ctx.Err() == nil {
		msg, err := p.src.Recv(ctx, p.cfg.RecvTimeout)
		switch {
		case err == nil:
			lastMsg = time.Now()
			p.handle(ctx, msg)
		case errors.Is(err, vehicle.ErrNoMessage):
			if time.Since(lastMsg) >= p.cfg.SilenceTimeout {
				if !p.recover(ctx) {
					return
				}
				lastMsg = time.Now()
			}
		case ctx.Err() != nil:
			return
		default:
			p.log.Warn("telemetry receive failed", "err", err)
			if !p.reconnect(ctx) {
				return
			}
			lastMsg = time.Now()
		}

		if time.Since(lastBroadcast) >= p.cfg.BroadcastInterval {
			p.flush()
			lastBroadcast = time.Now()
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg vehicle.Message) {
	part, ok := Decode(msg)
	now := time.Now()
	if ok {
		p.mu.Lock()
		p.snap.Merge(part, now)
		p.pending++
		p.mu.Unlock()
		p.messages.Add(1)
	}
	if p.relayQ != nil && p.relayQ.push(relayPayload(msg, now)) {
		if p.relayDrops.Add(1)%1000 == 1 {
			p.log.Warn("telemetry relay behind, dropping oldest", "dropped", p.relayDrops.Load())
		}
	}
}

// publishRelay drains the relay queue on its own goroutine so a slow bus never
// holds up the reader.
func (p *Pipeline) publishRelay(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.relayQ.ready:
		}
		for _, payload := range p.relayQ.drain() {
			if ctx.Err() != nil {
				return
			}
			rctx, cancel := context.WithTimeout(ctx, relayTimeout)
			err := p.relay.Publish(rctx, p.cfg.RelayTopic, payload)
			cancel()
			if err != nil && p.relayErrs.Add(1) == 1 {
				p.log.Warn("telemetry relay publish failed", "topic", p.cfg.RelayTopic, "err", err)
			}
		}
	}
}

// flush submits one frame when anything was merged since the last flush.
func (p *Pipeline) flush() {
	p.mu.Lock()
	if p.pending == 0 {
		p.mu.Unlock()
		return
	}
	p.pending = 0
	snap := p.snap
	p.mu.Unlock()
	p.bc.Submit(NewFrame(snap))
}

// recover probes a silent source and reconnects when the probe fails.
func (p *Pipeline) recover(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	err := p.src.Probe(pctx)
	cancel()
	if err == nil {
		return true
	}
	p.log.Warn("telemetry source silent, reconnecting", "silence", p.cfg.SilenceTimeout, "err", err)
	return p.reconnect(ctx)
}

func (p *Pipeline) reconnect(ctx context.Context) bool {
	if err := p.src.Close(); err != nil {
		p.log.Warn("close telemetry source", "err", err)
	}
	if !p.open(ctx) {
		return false
	}
	n := p.reconnects.Add(1)
	p.log.Info("telemetry source reconnected", "reconnects", n)
	return true
}

// open retries Open with exponential backoff until it succeeds or ctx ends.
func (p *Pipeline) open(ctx context.Context) bool {
	delay := p.cfg.BackoffMin
	for {
		err := p.src.Open(ctx)
		if err == nil {
			return true
		}
		p.log.Warn("open telemetry source", "err", err, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		delay *= 2
		if delay > p.cfg.BackoffMax {
			delay = p.cfg.BackoffMax
		}
	}
}

func relayPayload(msg vehicle.Message, ts time.Time) map[string]any {
	out := make(map[string]any, len(msg.Fields)+2)
	maps.Copy(out, msg.Fields)
	out["mavpackettype"] = msg.Type
	out["timestamp"] = float64(ts.UnixMicro()) / 1e6
	return out
}
