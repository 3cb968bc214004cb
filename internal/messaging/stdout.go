package messaging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// StdoutPublisher prints every message as "topic payload" lines. It stands in for a
// broker when none is configured.
type StdoutPublisher struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutPublisher creates a publisher writing to w, or os.Stdout when w is nil.
func NewStdoutPublisher(w io.Writer) *StdoutPublisher {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutPublisher{out: w}
}

// Publish writes one line.
func (p *StdoutPublisher) Publish(_ context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.out, "%s %s\n", topic, data)
	return err
}
