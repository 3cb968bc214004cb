// Package messaging publishes mission notifications and relays telemetry over a
// topic based message bus.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Topics used by the ground station.
const (
	TopicHeartbeat   = "drone/heartbeat"
	TopicEmergency   = "drone/emergency"
	TopicWarnings    = "drone/warnings"
	TopicVideoStatus = "drone/video/status"
	TopicTelemetry   = "ardupilot/telemetry"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("message bus closed")

// Handler receives one message.
type Handler func(topic string, payload []byte)

// Publisher sends payloads to a topic. Payloads that are not []byte or string are
// encoded as JSON.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Subscriber registers handlers for a topic filter. The returned func removes the
// subscription.
type Subscriber interface {
	Subscribe(topic string, h Handler) (func(), error)
}

// Bus is both a Publisher and a Subscriber.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// QoS returns the delivery guarantee used for topic: emergencies are sent
// exactly once, heartbeats at least once.
func QoS(topic string) byte {
	switch topic {
	case TopicEmergency:
		return 2
	case TopicHeartbeat:
		return 1
	default:
		return 0
	}
}

// Encode converts a payload into bytes.
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Match reports whether topic matches an MQTT style filter with + and # wildcards.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish sends payload to all publishers.
func (m Multi) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
