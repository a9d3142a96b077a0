// Package mqttsnap publishes compositor stills over MQTT and exposes a
// JSON control plane for the compositor settings.
//
// Topics (prefix "compositor" by default):
//
//	<prefix>/snapshot            JPEG payload
//	<prefix>/snapshot/meta       JSON metadata of the last still
//	<prefix>/control             commands (subscribed)
//	<prefix>/control/response    command acknowledgements
package mqttsnap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/stills"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqttsnap: not connected")

// Config contains MQTT configuration
type Config struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // default: "compositor"
	QoS         byte
	Retain      bool // retain the last still for late subscribers
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "compositor"
	}
	return c
}

func (c Config) snapshotTopic() string { return c.TopicPrefix + "/snapshot" }
func (c Config) metaTopic() string     { return c.TopicPrefix + "/snapshot/meta" }
func (c Config) controlTopic() string  { return c.TopicPrefix + "/control" }
func (c Config) responseTopic() string { return c.TopicPrefix + "/control/response" }

// Connect establishes a broker connection with automatic reconnection.
func Connect(cfg Config) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttsnap: broker is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqttsnap: connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqttsnap: connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	slog.Info("mqttsnap: connecting to broker", "broker", cfg.Broker)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqttsnap: connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttsnap: connection failed: %w", err)
	}
	return client, nil
}

// Meta is the JSON document published next to every still
type Meta struct {
	ID          string `json:"id"`
	Seq         uint64 `json:"seq"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bytes       int    `json:"bytes"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// PublisherStats contains publisher statistics
type PublisherStats struct {
	Published uint64
	Errors    uint64
}

// Publisher forwards stills from a bus to the broker.
type Publisher struct {
	client mqtt.Client
	cfg    Config

	mu    sync.Mutex
	bus   *stills.Bus
	subID string
	wg    sync.WaitGroup

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewPublisher wraps a connected client.
func NewPublisher(client mqtt.Client, cfg Config) *Publisher {
	return &Publisher{client: client, cfg: cfg.withDefaults()}
}

// Publish sends the JPEG and its metadata.
func (p *Publisher) Publish(still stills.Still) error {
	if !p.client.IsConnected() {
		p.errors.Add(1)
		return ErrNotConnected
	}

	meta, err := json.Marshal(Meta{
		ID:          still.ID,
		Seq:         still.Seq,
		Width:       still.Width,
		Height:      still.Height,
		Bytes:       len(still.JPEG),
		TimestampMs: still.Timestamp.UnixMilli(),
	})
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("mqttsnap: failed to marshal meta: %w", err)
	}

	if err := p.send(p.cfg.snapshotTopic(), still.JPEG); err != nil {
		return err
	}
	if err := p.send(p.cfg.metaTopic(), meta); err != nil {
		return err
	}
	p.published.Add(1)
	slog.Debug("mqttsnap: still published",
		"topic", p.cfg.snapshotTopic(),
		"id", still.ID,
		"bytes", len(still.JPEG),
	)
	return nil
}

func (p *Publisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.errors.Add(1)
		return fmt.Errorf("mqttsnap: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("mqttsnap: publish failed on %s: %w", topic, err)
	}
	return nil
}

// Attach subscribes to bus (latest-only) and publishes every still on a
// worker goroutine until Detach.
func (p *Publisher) Attach(bus *stills.Bus, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bus != nil {
		return fmt.Errorf("mqttsnap: already attached as %q", p.subID)
	}
	slot, err := bus.SubscribeLatest(id)
	if err != nil {
		return fmt.Errorf("mqttsnap: subscribe: %w", err)
	}
	p.bus, p.subID = bus, id

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			still, ok := slot.Receive()
			if !ok {
				return
			}
			if err := p.Publish(still); err != nil {
				slog.Warn("mqttsnap: still not published", "id", still.ID, "error", err)
			}
		}
	}()
	return nil
}

// Detach stops the worker. Idempotent.
func (p *Publisher) Detach() {
	p.mu.Lock()
	bus, id := p.bus, p.subID
	p.bus, p.subID = nil, ""
	p.mu.Unlock()

	if bus != nil {
		bus.Unsubscribe(id)
	}
	p.wg.Wait()
}

// Stats returns publisher statistics
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{Published: p.published.Load(), Errors: p.errors.Load()}
}
