// Package video checks the health of the auxiliary video link.
package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNoSource is reported when no video source is configured.
var ErrNoSource = errors.New("no video source configured")

// Status is the result of one health check.
type Status struct {
	Source     string    `json:"source"`
	Healthy    bool      `json:"healthy"`
	FrameCount int64     `json:"frame_count"`
	FPS        float64   `json:"fps"`
	Resolution string    `json:"resolution,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	Failures   int       `json:"consecutive_failures"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Prober performs one reachability check against a stream endpoint.
type Prober interface {
	Probe(ctx context.Context, source *url.URL) error
}

// Monitor tracks the health of one video source across checks.
type Monitor struct {
	source  string
	timeout time.Duration
	prober  Prober
	log     *slog.Logger

	mu       sync.Mutex
	failures int
	last     Status
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber replaces the network prober.
func WithProber(p Prober) Option {
	return func(m *Monitor) { m.prober = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates a monitor for source, e.g. "rtsp://10.0.0.5:8554/cam" or
// "tcp://10.0.0.5:5600". Each probe is bounded by timeout.
func NewMonitor(source string, timeout time.Duration, opts ...Option) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	m := &Monitor{source: source, timeout: timeout, prober: NetProber{}, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Check probes the source once and returns the updated status.
func (m *Monitor) Check(ctx context.Context) Status {
	st := Status{Source: m.source, CheckedAt: time.Now()}
	err := m.probe(ctx)
	st.LatencyMs = float64(time.Since(st.CheckedAt).Microseconds()) / 1000

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
		st.Error = err.Error()
		if m.failures == 1 {
			m.log.Warn("video stream unhealthy", "source", m.source, "err", err)
		}
	} else {
		if m.failures > 0 {
			m.log.Info("video stream recovered", "source", m.source, "after_failures", m.failures)
		}
		m.failures = 0
		st.Healthy = true
	}
	st.Failures = m.failures
	m.last = st
	return st
}

// Last returns the most recent status.
func (m *Monitor) Last() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Close resets the failure history.
func (m *Monitor) Close() error {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	return nil
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.source == "" {
		return ErrNoSource
	}
	u, err := parseSource(m.source)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.prober.Probe(ctx, u)
}

func parseSource(s string) (*url.URL, error) {
	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse video source: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("video source %q has no host", s)
	}
	return u, nil
}

var defaultPorts = map[string]string{
	"rtsp":  "554",
	"http":  "80",
	"https": "443",
	"tcp":   "5600",
}

// NetProber dials the stream host. For rtsp sources it also expects the server to
// answer an OPTIONS request.
type NetProber struct{}

// Probe implements Prober.
func (NetProber) Probe(ctx context.Context, u *url.URL) error {
	host := u.Host
	if u.Port() == "" {
		port, ok := defaultPorts[u.Scheme]
		if !ok {
			return fmt.Errorf("unsupported video scheme %q", u.Scheme)
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()
	if u.Scheme != "rtsp" {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	req := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: droneops-gcs\r\n\r\n", u.String())
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("rtsp options: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("rtsp options: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "RTSP/") {
		return fmt.Errorf("rtsp options: unexpected reply %q", strings.TrimSpace(line))
	}
	if fields[1] != "200" {
		return fmt.Errorf("rtsp options: status %s", fields[1])
	}
	return nil
}
