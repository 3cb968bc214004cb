package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker         string
	Port           int
	User           string
	Pass           string
	ClientID       string
	ConnectRetries int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Timeout        time.Duration
}

// DefaultMQTTConfig returns a local broker config.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "localhost",
		Port:           1883,
		ConnectRetries: 10,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     8 * time.Second,
		Timeout:        5 * time.Second,
	}
}

// ErrPublishTimeout is returned when the broker did not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTClient is a Bus backed by an MQTT broker.
type MQTTClient struct {
	cfg    MQTTConfig
	log    *slog.Logger
	client mqtt.Client

	mu     sync.Mutex
	closed bool
}

var _ Bus = (*MQTTClient)(nil)

// NewMQTTClient prepares a client. A random client id is used when none is set.
func NewMQTTClient(cfg MQTTConfig, log *slog.Logger) *MQTTClient {
	d := DefaultMQTTConfig()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = d.ConnectRetries
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = d.BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = d.BackoffMax
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "droneops-gcs-" + uuid.NewString()[:8]
	}
	if log == nil {
		log = slog.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
		})
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Pass)
	}
	return &MQTTClient{cfg: cfg, log: log, client: mqtt.NewClient(opts)}
}

// Connect dials the broker, retrying with exponential backoff.
func (c *MQTTClient) Connect(ctx context.Context) error {
	delay := c.cfg.BackoffMin
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectRetries; attempt++ {
		lastErr = wait(ctx, c.client.Connect(), c.cfg.Timeout)
		if lastErr == nil {
			return nil
		}
		c.log.Warn("mqtt connect failed", "attempt", attempt, "retry_in", delay, "err", lastErr)
		if attempt == c.cfg.ConnectRetries {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, c.cfg.BackoffMax)
	}
	return fmt.Errorf("mqtt connect %s:%d after %d attempts: %w", c.cfg.Broker, c.cfg.Port, c.cfg.ConnectRetries, lastErr)
}

// Publish sends payload with the topic's QoS and waits for the acknowledgement.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload any) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	if err := wait(ctx, c.client.Publish(topic, QoS(topic), false, data), c.cfg.Timeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for a topic filter.
func (c *MQTTClient) Subscribe(topic string, h Handler) (func(), error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	tok := c.client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if err := wait(context.Background(), tok, c.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return func() {
		if err := wait(context.Background(), c.client.Unsubscribe(topic), c.cfg.Timeout); err != nil {
			c.log.Warn("mqtt unsubscribe failed", "topic", topic, "err", err)
		}
	}, nil
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}

func (c *MQTTClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrPublishTimeout
	case <-tok.Done():
		return tok.Error()
	}
}
