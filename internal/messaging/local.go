package messaging

import (
	"context"
	"sync"
)

type localSub struct {
	id     int
	filter string
	h      Handler
}

// LocalBus is an in-process bus. Publish delivers synchronously to every matching
// handler.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]localSub
	nextID int
	closed bool
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]localSub)}
}

// Publish encodes payload and hands it to the matching handlers.
func (b *LocalBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []Handler
	for _, s := range b.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s.h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		h(topic, data)
	}
	return nil
}

// Subscribe registers h for topics matching filter.
func (b *LocalBus) Subscribe(filter string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = localSub{id: id, filter: filter, h: h}
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Subscriptions returns the number of active subscriptions.
func (b *LocalBus) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscription. Later calls fail with ErrClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[int]localSub)
	b.mu.Unlock()
	return nil
}
