// Package tui renders the live telemetry feed in the terminal.
package tui

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"droneops-gcs/internal/telemetry"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// frameMsg carries a broadcast frame.
type frameMsg struct{ telemetry.Frame }

// logMsg carries a line for the log viewport.
type logMsg struct{ line string }

// linkMsg reports the pipeline link state.
type linkMsg struct {
	running    bool
	reconnects int64
}

// Consumer is a telemetry.Consumer drawing frames with a bubbletea program.
type Consumer struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool
	closed     atomic.Bool
	lastMode   atomic.Value
}

// NewConsumer starts the TUI on the alternate screen. Quitting the TUI interrupts
// the process unless Close was called first.
func NewConsumer(title string) *Consumer {
	c := &Consumer{done: make(chan struct{})}
	c.sendSignal.Store(true)
	p := tea.NewProgram(newModel(title), tea.WithAltScreen())
	c.program = p
	go func() {
		_, _ = p.Run()
		c.closed.Store(true)
		close(c.done)
		if c.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return c
}

// Send implements telemetry.Consumer.
func (c *Consumer) Send(_ context.Context, f telemetry.Frame) error {
	if c.closed.Load() {
		return context.Canceled
	}
	c.program.Send(frameMsg{f})
	if prev, _ := c.lastMode.Load().(string); prev != f.Data.Mode {
		c.lastMode.Store(f.Data.Mode)
		c.Logf("mode %s armed=%t", f.Data.Mode, f.Data.Armed)
	}
	return nil
}

// Live implements telemetry.Consumer.
func (c *Consumer) Live() bool { return !c.closed.Load() }

// Logf appends a timestamped line to the log view.
func (c *Consumer) Logf(format string, args ...any) {
	line := fmt.Sprintf("%s %s", grayStyle.Render(time.Now().Format(time.TimeOnly)), fmt.Sprintf(format, args...))
	c.program.Send(logMsg{line: line})
}

// SetLink updates the link indicator.
func (c *Consumer) SetLink(running bool, reconnects int64) {
	c.program.Send(linkMsg{running: running, reconnects: reconnects})
}

// Close shuts down the TUI program and waits for cleanup.
func (c *Consumer) Close() error {
	c.sendSignal.Store(false)
	if c.program != nil {
		c.program.Send(tea.Quit())
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}
