package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/relayd/internal/relay"
)

// Defaults for Options fields left zero.
const (
	DefaultClientID       = "relayd"
	DefaultBufferSize     = 100
	DefaultPublishTimeout = 5 * time.Second
	connectRetryInterval  = 5 * time.Second
)

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// BufferSize bounds messages held while disconnected; the oldest are
	// dropped first.
	BufferSize     int
	PublishTimeout time.Duration
	// OnConnectionChange is called whenever the broker connection comes up
	// or goes down.
	OnConnectionChange func(connected bool)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed in order on reconnect.
type RealPublisher struct {
	client   paho.Client
	prefix   string
	timeout  time.Duration
	logger   *slog.Logger
	onChange func(bool)

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool
	connects  int
}

// NewRealPublisher creates a publisher for the given broker and starts
// connecting in the background. It never blocks on the broker; until the
// first connection succeeds messages are buffered.
func NewRealPublisher(opts Options, logger *slog.Logger) *RealPublisher {
	opts = opts.withDefaults()
	p := newPublisher(nil, opts, logger)

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetWill(SystemTopic(opts.TopicPrefix), string(willPayload()), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.onConnectionLost(err) })

	p.client = paho.NewClient(clientOpts)
	p.client.Connect()
	logger.Info("mqtt connecting", "broker", opts.Broker, "client_id", opts.ClientID)
	return p
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = DefaultTopicPrefix
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	return o
}

func newPublisher(client paho.Client, opts Options, logger *slog.Logger) *RealPublisher {
	opts = opts.withDefaults()
	return &RealPublisher{
		client:   client,
		prefix:   opts.TopicPrefix,
		timeout:  opts.PublishTimeout,
		logger:   logger,
		onChange: opts.OnConnectionChange,
		buffer:   newRingBuffer(opts.BufferSize),
	}
}

// Publish sends a relay change to the broker, retained so late subscribers
// see the current state. It does not wait for the broker to acknowledge.
func (p *RealPublisher) Publish(event relay.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	token, ok := p.send(bufferedMsg{topic: RelayTopic(p.prefix, event.Relay), payload: payload, qos: 1, retained: true})
	if !ok {
		return nil
	}
	go func() {
		if !token.WaitTimeout(p.timeout) {
			p.logger.Warn("mqtt publish timeout", "relay", event.Relay)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "relay", event.Relay, "error", err)
		}
	}()
	return nil
}

// PublishSystem sends a system lifecycle event and waits for it to be
// delivered, so a SHUTDOWN reaches the broker before Close.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once): lifecycle events should not be lost.
	token, ok := p.send(bufferedMsg{topic: SystemTopic(p.prefix), payload: payload, qos: 1, retained: event.Retained})
	if !ok {
		return nil
	}
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish system timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// send publishes msg, or buffers it and returns false while disconnected.
func (p *RealPublisher) send(msg bufferedMsg) (paho.Token, bool) {
	p.mu.Lock()
	if !p.connected {
		dropped := p.buffer.push(msg)
		n := p.buffer.len()
		p.mu.Unlock()
		if dropped {
			p.logger.Warn("mqtt buffer full, dropping oldest", "capacity", n)
		}
		p.logger.Debug("mqtt disconnected, buffered message", "topic", msg.topic, "buffered", n)
		return nil, false
	}
	p.mu.Unlock()

	return p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload), true
}

func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	p.connected = true
	p.connects++
	reconnect := p.connects > 1
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	p.logger.Info("mqtt connected", "replaying", len(pending), "reconnect", reconnect)
	if p.onChange != nil {
		p.onChange(true)
	}

	// Replaces the retained last will left by the broker.
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		p.client.Publish(SystemTopic(p.prefix), 1, true, payload)
	}
	for _, msg := range pending {
		p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	}
}

func (p *RealPublisher) onConnectionLost(err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.logger.Warn("mqtt connection lost", "error", err)
	if p.onChange != nil {
		p.onChange(false)
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second quiesce
	return nil
}
