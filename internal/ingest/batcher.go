// Package ingest captures raw protocol events of the active flight and stores them
// in batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"droneops-gcs/internal/storage"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue stayed full for the whole
	// enqueue timeout.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrNoFlight is returned by Enqueue for events without a flight id.
	ErrNoFlight = errors.New("event has no flight id")
)

// Sink stores raw events.
type Sink interface {
	AddRawEventsMany(ctx context.Context, flightID int64, events []storage.RawEvent) (int, error)
	AddRawEvent(ctx context.Context, ev storage.RawEvent) error
}

// Config holds batching limits.
type Config struct {
	QueueSize      int
	MaxBatch       int
	EnqueueTimeout time.Duration
	FlushTimeout   time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		QueueSize:      2000,
		MaxBatch:       1000,
		EnqueueTimeout: 50 * time.Millisecond,
		FlushTimeout:   2 * time.Second,
	}
}

// Stats counts what happened to enqueued events.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
	Stored   uint64 `json:"stored"`
	Failed   uint64 `json:"failed"`
}

func (s Stats) String() string {
	return fmt.Sprintf("enqueued=%s stored=%s dropped=%s rejected=%s failed=%s",
		humanize.Comma(int64(s.Enqueued)), humanize.Comma(int64(s.Stored)),
		humanize.Comma(int64(s.Dropped)), humanize.Comma(int64(s.Rejected)),
		humanize.Comma(int64(s.Failed)))
}

// Batcher queues raw events and writes them to a Sink from a single consumer loop.
type Batcher struct {
	sink   Sink
	cfg    Config
	log    *slog.Logger
	mirror storage.RawWriter
	queue  chan storage.RawEvent

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	stored   atomic.Uint64
	failed   atomic.Uint64
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithConfig replaces the limits.
func WithConfig(c Config) Option {
	return func(b *Batcher) { b.cfg = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.log = l }
}

// WithMirror copies every accepted event to w, e.g. a JSONL raw log.
func WithMirror(w storage.RawWriter) Option {
	return func(b *Batcher) { b.mirror = w }
}

// NewBatcher creates a batcher writing to sink.
func NewBatcher(sink Sink, opts ...Option) *Batcher {
	b := &Batcher{sink: sink, cfg: DefaultConfig(), log: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	d := DefaultConfig()
	if b.cfg.MaxBatch <= 0 {
		b.cfg.MaxBatch = d.MaxBatch
	}
	if b.cfg.EnqueueTimeout <= 0 {
		b.cfg.EnqueueTimeout = d.EnqueueTimeout
	}
	if b.cfg.FlushTimeout <= 0 {
		b.cfg.FlushTimeout = d.FlushTimeout
	}
	b.queue = make(chan storage.RawEvent, max(1, b.cfg.QueueSize))
	return b
}

// Enqueue adds ev to the queue, blocking at most the enqueue timeout.
func (b *Batcher) Enqueue(ev storage.RawEvent) error {
	if ev.FlightID <= 0 {
		b.dropped.Add(1)
		return ErrNoFlight
	}
	select {
	case b.queue <- ev:
		b.enqueued.Add(1)
		return nil
	default:
	}
	t := time.NewTimer(b.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case b.queue <- ev:
		b.enqueued.Add(1)
		return nil
	case <-t.C:
		b.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Enqueued: b.enqueued.Load(),
		Dropped:  b.dropped.Load(),
		Rejected: b.rejected.Load(),
		Stored:   b.stored.Load(),
		Failed:   b.failed.Load(),
	}
}

// Run consumes the queue until ctx ends, then flushes what is left. Every write
// gets its own FlushTimeout deadline.
func (b *Batcher) Run(ctx context.Context) error {
	batch := make([]storage.RawEvent, 0, b.cfg.MaxBatch)
	for {
		select {
		case <-ctx.Done():
			b.finalFlush(batch[:0])
			return nil
		case ev := <-b.queue:
			batch = b.drain(append(batch[:0], ev))
			b.flushWithTimeout(ctx, batch)
		}
	}
}

// drain moves queued events into batch without blocking, up to MaxBatch.
func (b *Batcher) drain(batch []storage.RawEvent) []storage.RawEvent {
	for len(batch) < b.cfg.MaxBatch {
		select {
		case ev := <-b.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (b *Batcher) finalFlush(batch []storage.RawEvent) {
	batch = b.drain(batch)
	for len(batch) > 0 {
		b.flushWithTimeout(context.Background(), batch)
		batch = b.drain(batch[:0])
	}
	b.log.Info("raw event ingestion stopped", "stats", b.Stats().String())
}

func (b *Batcher) flushWithTimeout(ctx context.Context, batch []storage.RawEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FlushTimeout)
	defer cancel()
	b.flush(ctx, batch)
}

// flush writes batch grouped by flight. A failed bulk insert is retried record by
// record; records that still fail are counted and skipped.
func (b *Batcher) flush(ctx context.Context, batch []storage.RawEvent) {
	for flightID, events := range groupByFlight(batch) {
		n, err := b.sink.AddRawEventsMany(ctx, flightID, events)
		if err == nil {
			b.stored.Add(uint64(n))
			b.mirrorAll(events)
			continue
		}
		b.log.Warn("bulk raw event insert failed, retrying per record", "flight_id", flightID, "events", len(events), "err", err)
		for _, ev := range events {
			ev.FlightID = flightID
			if err := b.sink.AddRawEvent(ctx, ev); err != nil {
				b.failed.Add(1)
				b.log.Debug("raw event dropped", "msg_type", ev.MsgType, "err", err)
				continue
			}
			b.stored.Add(1)
			b.mirrorAll([]storage.RawEvent{ev})
		}
	}
}

func (b *Batcher) mirrorAll(events []storage.RawEvent) {
	if b.mirror == nil {
		return
	}
	for _, ev := range events {
		if err := b.mirror.WriteRaw(ev); err != nil {
			b.log.Warn("raw event mirror failed", "err", err)
			return
		}
	}
}

func groupByFlight(batch []storage.RawEvent) map[int64][]storage.RawEvent {
	groups := make(map[int64][]storage.RawEvent, 1)
	for _, ev := range batch {
		groups[ev.FlightID] = append(groups[ev.FlightID], ev)
	}
	return groups
}
