package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// JSONConsumer prints frames as JSON lines.
type JSONConsumer struct {
	mu   sync.Mutex
	out  io.Writer
	enc  *json.Encoder
	dead atomic.Bool
}

// NewJSONConsumer creates a JSONConsumer writing to w, or os.Stdout when w is nil.
func NewJSONConsumer(w io.Writer) *JSONConsumer {
	if w == nil {
		w = os.Stdout
	}
	return &JSONConsumer{out: w, enc: json.NewEncoder(w)}
}

// Send writes one frame. A write error marks the consumer dead.
func (c *JSONConsumer) Send(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		c.dead.Store(true)
		return err
	}
	return nil
}

// Live reports whether writes still succeed.
func (c *JSONConsumer) Live() bool { return !c.dead.Load() }

// ChanConsumer hands frames to a channel, for in-process readers such as HTTP
// streams. Frames are dropped when the reader falls behind.
type ChanConsumer struct {
	C    chan Frame
	done chan struct{}
	once sync.Once
}

// NewChanConsumer creates a consumer with a channel buffer of size n.
func NewChanConsumer(n int) *ChanConsumer {
	return &ChanConsumer{C: make(chan Frame, n), done: make(chan struct{})}
}

// Send offers f to the channel without blocking.
func (c *ChanConsumer) Send(ctx context.Context, f Frame) error {
	if !c.Live() {
		return context.Canceled
	}
	select {
	case c.C <- f:
	default:
	}
	return nil
}

// Live reports whether Close was not called yet.
func (c *ChanConsumer) Live() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close marks the consumer dead. The broadcaster removes it on its next check.
func (c *ChanConsumer) Close() {
	c.once.Do(func() { close(c.done) })
}
