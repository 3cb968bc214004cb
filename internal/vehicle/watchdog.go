package vehicle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWatchdogTriggered is returned by Arm after the switch fired. Stop it first.
var ErrWatchdogTriggered = errors.New("watchdog triggered")

// WatchdogState is the dead-man's switch state.
type WatchdogState int

const (
	WatchdogInactive WatchdogState = iota
	WatchdogArmed
	WatchdogTriggered
)

func (s WatchdogState) String() string {
	switch s {
	case WatchdogArmed:
		return "armed"
	case WatchdogTriggered:
		return "triggered"
	default:
		return "inactive"
	}
}

const (
	watchdogJoinTimeout   = 2 * time.Second
	watchdogActionTimeout = 5 * time.Second
)

// ModeSetter commands a flight mode on the vehicle.
type ModeSetter func(ctx context.Context, mode string) error

// Watchdog forces the vehicle into RTL when liveness refreshes stop arriving.
// It fires at most once per arm cycle.
type Watchdog struct {
	timeout time.Duration
	tick    time.Duration
	setMode ModeSetter
	now     func() time.Time
	log     *slog.Logger

	mu       sync.Mutex
	state    WatchdogState
	last     time.Time
	stop     chan struct{}
	done     chan struct{}
	triggers int
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogTick sets the monitor interval.
func WithWatchdogTick(d time.Duration) WatchdogOption {
	return func(w *Watchdog) { w.tick = d }
}

// WithWatchdogClock replaces time.Now, for tests.
func WithWatchdogClock(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) { w.now = now }
}

// WithWatchdogLogger sets the logger.
func WithWatchdogLogger(l *slog.Logger) WatchdogOption {
	return func(w *Watchdog) { w.log = l }
}

// NewWatchdog creates an inactive watchdog.
func NewWatchdog(timeout time.Duration, setMode ModeSetter, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		timeout: timeout,
		tick:    time.Second,
		setMode: setMode,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Arm starts monitoring. Arming an armed watchdog is a no-op.
func (w *Watchdog) Arm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case WatchdogArmed:
		return nil
	case WatchdogTriggered:
		return ErrWatchdogTriggered
	}
	w.state = WatchdogArmed
	w.last = w.now()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.monitor(w.stop, w.done)
	w.log.Info("dead man's switch armed", "timeout", w.timeout)
	return nil
}

// Refresh records liveness. It has no effect unless the watchdog is armed.
func (w *Watchdog) Refresh() {
	w.mu.Lock()
	if w.state == WatchdogArmed {
		w.last = w.now()
	}
	w.mu.Unlock()
}

// Stop disarms the watchdog and waits briefly for the monitor to exit. Safe to call
// in any state.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.state == WatchdogInactive {
		w.mu.Unlock()
		return
	}
	w.state = WatchdogInactive
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(watchdogJoinTimeout):
		w.log.Warn("dead man's switch monitor did not exit in time")
	}
}

// State returns the current state.
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastLiveness returns the time of the last refresh.
func (w *Watchdog) LastLiveness() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Triggers returns how many times the switch fired over the watchdog lifetime.
func (w *Watchdog) Triggers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggers
}

// Timeout returns the configured liveness timeout.
func (w *Watchdog) Timeout() time.Duration { return w.timeout }

func (w *Watchdog) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if silent, fired := w.expire(); fired {
			w.fire(silent)
			return
		}
	}
}

// expire moves Armed to Triggered when the deadline passed. Only one caller can
// observe fired=true per arm cycle.
func (w *Watchdog) expire() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogArmed {
		return 0, false
	}
	silent := w.now().Sub(w.last)
	if silent <= w.timeout {
		return 0, false
	}
	w.state = WatchdogTriggered
	w.triggers++
	return silent, true
}

func (w *Watchdog) fire(silent time.Duration) {
	w.log.Error("dead man's switch triggered", "silent_for", silent.Round(100*time.Millisecond))
	if w.setMode == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), watchdogActionTimeout)
	defer cancel()
	if err := w.setMode(ctx, ModeRTL); err != nil {
		w.log.Error("emergency RTL failed, landing in place", "err", err)
		if err := w.setMode(ctx, ModeLand); err != nil {
			w.log.Error("emergency LAND failed", "err", err)
		}
	}
}
