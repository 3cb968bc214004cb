package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"droneops-gcs/internal/logging"
)

type recordingConsumer struct {
	mu     sync.Mutex
	frames []Frame
	err    error
	dead   bool
	block  chan struct{}
}

func (r *recordingConsumer) Send(ctx context.Context, f Frame) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingConsumer) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead
}

func (r *recordingConsumer) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func frameAt(ts float64) Frame {
	s := DefaultSnapshot()
	s.Timestamp = ts
	return NewFrame(s)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDropQueueKeepsNewest(t *testing.T) {
	for _, size := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			q := newDropQueue[int](size)
			pushed := size + 5
			for i := 1; i <= pushed; i++ {
				q.push(i)
			}
			got := q.drain()
			if len(got) != size {
				t.Fatalf("drain returned %d items, want %d: %v", len(got), size, got)
			}
			for i, v := range got {
				if want := pushed - size + 1 + i; v != want {
					t.Fatalf("drain = %v, want the newest %d in order", got, size)
				}
			}
			if q.droppedCount() != 5 {
				t.Fatalf("dropped = %d, want 5", q.droppedCount())
			}
			if q.len() != 0 {
				t.Fatalf("len after drain = %d", q.len())
			}
		})
	}
}

func TestBroadcasterDelivers(t *testing.T) {
	b := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer b.Close()
	c := &recordingConsumer{}
	b.Register(c)

	b.Submit(frameAt(1))
	b.Submit(frameAt(2))
	eventually(t, "two frames", func() bool { return len(c.Frames()) == 2 })
	if f := c.Frames(); f[0].Data.Timestamp != 1 || f[1].Data.Timestamp != 2 {
		t.Fatalf("frames out of order: %+v", f)
	}
}

func TestBroadcasterInitialSnapshot(t *testing.T) {
	b := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer b.Close()

	early := &recordingConsumer{}
	b.Register(early)
	time.Sleep(20 * time.Millisecond)
	if n := len(early.Frames()); n != 0 {
		t.Fatalf("consumer registered before data got %d frames", n)
	}

	b.Submit(frameAt(42))
	late := &recordingConsumer{}
	b.Register(late)
	eventually(t, "initial frame", func() bool { return len(late.Frames()) >= 1 })
	if ts := late.Frames()[0].Data.Timestamp; ts != 42 {
		t.Fatalf("initial frame timestamp = %v", ts)
	}
}

func TestBroadcasterSlowConsumerDropsOldest(t *testing.T) {
	b := NewBroadcaster(WithQueueSize(3), WithBroadcastLogger(logging.Discard()))
	defer b.Close()
	release := make(chan struct{})
	slow := &recordingConsumer{block: release}
	b.Register(slow)

	b.Submit(frameAt(1))
	time.Sleep(20 * time.Millisecond) // frame 1 is now stuck in Send
	for i := 2; i <= 6; i++ {
		b.Submit(frameAt(float64(i)))
	}
	close(release)
	eventually(t, "slow consumer drained", func() bool { return len(slow.Frames()) == 4 })
	got := slow.Frames()
	want := []float64{1, 4, 5, 6}
	for i, f := range got {
		if f.Data.Timestamp != want[i] {
			t.Fatalf("frames = %+v, want timestamps %v", got, want)
		}
	}
	if b.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", b.Dropped())
	}
}

func TestBroadcasterRemovesFailedConsumer(t *testing.T) {
	b := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	defer b.Close()
	bad := &recordingConsumer{err: errors.New("broken pipe")}
	good := &recordingConsumer{}
	b.Register(bad)
	b.Register(good)

	b.Submit(frameAt(1))
	eventually(t, "failed consumer removed", func() bool { return b.Consumers() == 1 })
	b.Submit(frameAt(2))
	eventually(t, "good consumer frames", func() bool { return len(good.Frames()) == 2 })
}

func TestBroadcasterUnregisterAndClose(t *testing.T) {
	b := NewBroadcaster(WithBroadcastLogger(logging.Discard()))
	c := &recordingConsumer{}
	_, unregister := b.Register(c)
	if b.Consumers() != 1 {
		t.Fatalf("consumers = %d", b.Consumers())
	}
	unregister()
	unregister()
	if b.Consumers() != 0 {
		t.Fatalf("consumers after unregister = %d", b.Consumers())
	}
	b.Register(&recordingConsumer{})
	b.Close()
	b.Close()
	if b.Consumers() != 0 {
		t.Fatal("close must drop every consumer")
	}
	b.Submit(frameAt(1))
}

func TestChanConsumer(t *testing.T) {
	c := NewChanConsumer(1)
	if err := c.Send(context.Background(), frameAt(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), frameAt(2)); err != nil {
		t.Fatalf("full channel must not fail: %v", err)
	}
	if f := <-c.C; f.Data.Timestamp != 1 {
		t.Fatalf("got %v", f.Data.Timestamp)
	}
	c.Close()
	if c.Live() {
		t.Fatal("closed consumer is live")
	}
	if err := c.Send(context.Background(), frameAt(3)); err == nil {
		t.Fatal("send after close must fail")
	}
}
