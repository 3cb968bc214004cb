package telemetry

import "sync"

// dropQueue is a bounded FIFO that discards its oldest element when full.
// ready receives a token whenever the queue turns non-empty.
type dropQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	size    int
	dropped uint64
	ready   chan struct{}
}

func newDropQueue[T any](size int) *dropQueue[T] {
	if size < 1 {
		size = 1
	}
	return &dropQueue[T]{items: make([]T, 0, size), size: size, ready: make(chan struct{}, 1)}
}

// push appends v and reports whether an older element was discarded.
func (q *dropQueue[T]) push(v T) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) == q.size {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// drain removes and returns everything queued.
func (q *dropQueue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]T, 0, q.size)
	return out
}

func (q *dropQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *dropQueue[T]) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
