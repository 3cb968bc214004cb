package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"droneops-gcs/internal/messaging"
	"droneops-gcs/internal/storage"
	"droneops-gcs/internal/telemetry"
)

// rejectLogEvery limits queue-full warnings to one per this many rejections.
const rejectLogEvery = 500

// FlightIDFunc reports the active flight id, ok=false while none exists yet.
type FlightIDFunc func() (int64, bool)

// Enqueuer accepts parsed events.
type Enqueuer interface {
	Enqueue(ev storage.RawEvent) error
}

// Subscriber feeds messages from the telemetry topic into an Enqueuer once the
// flight id is known.
type Subscriber struct {
	bus      messaging.Subscriber
	topic    string
	flightID FlightIDFunc
	out      Enqueuer
	poll     time.Duration
	log      *slog.Logger
	rejected atomic.Uint64
}

// NewSubscriber creates a subscriber for topic.
func NewSubscriber(bus messaging.Subscriber, topic string, flightID FlightIDFunc, out Enqueuer, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{bus: bus, topic: topic, flightID: flightID, out: out, poll: 500 * time.Millisecond, log: log}
}

// Rejected returns how many events were refused by a full queue.
func (s *Subscriber) Rejected() uint64 { return s.rejected.Load() }

// SetPollInterval changes how often the flight id gate is checked.
func (s *Subscriber) SetPollInterval(d time.Duration) { s.poll = d }

// Run waits for the flight id, subscribes and blocks until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	id, ok := s.waitFlight(ctx)
	if !ok {
		return nil
	}
	unsubscribe, err := s.bus.Subscribe(s.topic, func(_ string, payload []byte) {
		ev, err := ParseEvent(id, payload)
		if err != nil {
			s.log.Debug("unparseable telemetry message", "err", err)
			return
		}
		err = s.out.Enqueue(ev)
		switch {
		case errors.Is(err, ErrQueueFull):
			if n := s.rejected.Add(1); n%rejectLogEvery == 1 {
				s.log.Warn("raw event queue full, dropping events", "msg_type", ev.MsgType, "rejected", n)
			}
		case err != nil:
			s.log.Debug("raw event not queued", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	defer unsubscribe()
	s.log.Info("raw event capture started", "topic", s.topic, "flight_id", id)
	<-ctx.Done()
	return nil
}

func (s *Subscriber) waitFlight(ctx context.Context) (int64, bool) {
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		if id, ok := s.flightID(); ok {
			return id, true
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-t.C:
		}
	}
}

// ParseEvent decodes one relayed protocol message into a RawEvent of flightID.
func ParseEvent(flightID int64, payload []byte) (storage.RawEvent, error) {
	msg, ts, err := telemetry.ParseRaw(payload)
	if err != nil {
		return storage.RawEvent{}, err
	}
	ev := storage.RawEvent{
		FlightID:     flightID,
		MsgType:      msg.Type,
		TimeBootMs:   intField(msg.Fields["time_boot_ms"]),
		TimeUnixUsec: intField(msg.Fields["time_unix_usec"]),
		Payload:      json.RawMessage(payload),
	}
	switch {
	case !ts.IsZero():
		ev.Timestamp = &ts
	case ev.TimeUnixUsec != nil && *ev.TimeUnixUsec > 0:
		t := time.UnixMicro(*ev.TimeUnixUsec)
		ev.Timestamp = &t
	}
	return ev, nil
}

func intField(v any) *int64 {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return &i
		}
	}
	f, ok := telemetry.Number(v)
	if !ok {
		return nil
	}
	i := int64(math.Round(f))
	return &i
}
