package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Consumer receives broadcast frames. Send errors and Live()==false both end the
// registration.
type Consumer interface {
	Send(ctx context.Context, f Frame) error
	Live() bool
}

const (
	// DefaultQueueSize is the per-consumer backlog.
	DefaultQueueSize  = 10
	closeWaitTimeout  = 2 * time.Second
	consumerIdleCheck = time.Second
)

type client struct {
	id     string
	c      Consumer
	q      *dropQueue[Frame]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Broadcaster fans frames out to registered consumers. Submit never blocks: each
// consumer owns a drop-oldest queue drained by its own goroutine.
type Broadcaster struct {
	queueSize int
	log       *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	last    Frame
	closed  bool
	dropped uint64
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithQueueSize sets the per-consumer queue capacity.
func WithQueueSize(n int) BroadcasterOption {
	return func(b *Broadcaster) { b.queueSize = n }
}

// WithBroadcastLogger sets the logger.
func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = l }
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
		clients:   make(map[string]*client),
		last:      NewFrame(DefaultSnapshot()),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register adds c and returns its id with a func that removes it again. A consumer
// joining after data arrived gets the latest frame first.
func (b *Broadcaster) Register(c Consumer) (string, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{
		id:     uuid.NewString(),
		c:      c,
		q:      newDropQueue[Frame](b.queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(cl.done)
		return cl.id, func() {}
	}
	b.clients[cl.id] = cl
	if b.last.Data.Timestamp > 0 {
		cl.q.push(b.last)
	}
	n := len(b.clients)
	b.mu.Unlock()

	go b.deliver(cl)
	b.log.Info("telemetry consumer registered", "id", cl.id, "consumers", n)
	return cl.id, func() { b.unregister(cl.id) }
}

// Submit queues f for every consumer without blocking.
func (b *Broadcaster) Submit(f Frame) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.last = f
	clients := make([]*client, 0, len(b.clients))
	for _, cl := range b.clients {
		clients = append(clients, cl)
	}
	b.mu.Unlock()

	var dropped uint64
	for _, cl := range clients {
		if cl.q.push(f) {
			dropped++
		}
	}
	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
}

// Consumers returns the number of registered consumers.
func (b *Broadcaster) Consumers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// LastFrame returns the most recently submitted frame.
func (b *Broadcaster) LastFrame() Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

// Dropped returns how many queued frames were discarded for slow consumers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close cancels every consumer and waits for their delivery goroutines, at most
// a couple of seconds.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := b.clients
	b.clients = make(map[string]*client)
	b.mu.Unlock()

	deadline := time.After(closeWaitTimeout)
	for _, cl := range clients {
		cl.cancel()
	}
	for _, cl := range clients {
		select {
		case <-cl.done:
		case <-deadline:
			b.log.Warn("telemetry consumers did not stop in time")
			return
		}
	}
}

func (b *Broadcaster) unregister(id string) {
	b.mu.Lock()
	cl, ok := b.clients[id]
	delete(b.clients, id)
	n := len(b.clients)
	b.mu.Unlock()
	if !ok {
		return
	}
	cl.cancel()
	b.log.Info("telemetry consumer removed", "id", id, "consumers", n)
}

func (b *Broadcaster) deliver(cl *client) {
	defer close(cl.done)
	idle := time.NewTicker(consumerIdleCheck)
	defer idle.Stop()
	for {
		select {
		case <-cl.ctx.Done():
			return
		case <-idle.C:
			if !cl.c.Live() {
				b.unregister(cl.id)
				return
			}
			continue
		case <-cl.q.ready:
		}
		for _, f := range cl.q.drain() {
			if cl.ctx.Err() != nil {
				return
			}
			if !cl.c.Live() {
				b.unregister(cl.id)
				return
			}
			if err := cl.c.Send(cl.ctx, f); err != nil {
				b.log.Warn("telemetry consumer send failed", "id", cl.id, "err", err)
				b.unregister(cl.id)
				return
			}
		}
	}
}
