package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// taskGroup runs the background tasks of one mission under a shared context.
// A failing or panicking task is logged and does not stop its siblings.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
	log    *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	failed  map[string]error
}

func newTaskGroup(parent context.Context, log *slog.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		running: make(map[string]struct{}),
		failed:  make(map[string]error),
	}
}

// Go starts fn as the task name.
func (tg *taskGroup) Go(name string, fn func(ctx context.Context) error) {
	tg.mu.Lock()
	tg.running[name] = struct{}{}
	tg.mu.Unlock()
	tg.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				tg.log.Error("background task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
			tg.done(name, err)
		}()
		return fn(tg.ctx)
	})
}

func (tg *taskGroup) done(name string, err error) {
	tg.mu.Lock()
	delete(tg.running, name)
	if err != nil && !errors.Is(err, context.Canceled) {
		tg.failed[name] = err
	}
	tg.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		tg.log.Warn("background task failed", "task", name, "err", err)
	}
}

// Stop cancels every task and waits up to grace for them to return. It reports
// false when tasks were still running at the deadline.
func (tg *taskGroup) Stop(grace time.Duration) bool {
	tg.cancel()
	waited := make(chan struct{})
	go func() {
		_ = tg.g.Wait()
		close(waited)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-waited:
		return true
	case <-t.C:
		tg.log.Error("background tasks did not stop in time", "grace", grace, "tasks", tg.Running())
		return false
	}
}

// Running returns the names of tasks that have not returned.
func (tg *taskGroup) Running() []string {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	names := make([]string, 0, len(tg.running))
	for n := range tg.running {
		names = append(names, n)
	}
	return names
}

// Failures returns the errors of tasks that failed.
func (tg *taskGroup) Failures() map[string]error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	out := make(map[string]error, len(tg.failed))
	for k, v := range tg.failed {
		out[k] = v
	}
	return out
}
