package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT-backed broker.
type MQTTConfig struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	QueueSize      int
}

func (c *MQTTConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "relay-" + uuid.New().String()[:8]
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// MQTT forwards publishes to an MQTT server and fans incoming messages out
// to local handlers. Incoming messages are handed to a single dispatch
// goroutine so handlers run in arrival order and may publish freely.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[SubscriptionID]*mqttSub
	filters map[string]int // filter -> local subscriber count
	closed  bool

	queue chan inbound
	done  chan struct{}
	wg    sync.WaitGroup
}

type mqttSub struct {
	filter  string
	handler Handler
}

type inbound struct {
	topic   string
	payload []byte
}

// DialMQTT connects to the configured server.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	b := &MQTT{
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[SubscriptionID]*mqttSub),
		filters: make(map[string]int),
		queue:   make(chan inbound, cfg.QueueSize),
		done:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", cfg.URL, "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect %s: timed out after %s", cfg.URL, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	b.wg.Add(1)
	go b.dispatch()

	logger.Info("mqtt connected", "broker", cfg.URL, "clientId", cfg.ClientID)
	return b, nil
}

// onConnect restores server-side subscriptions after a reconnect.
func (b *MQTT) onConnect(c mqtt.Client) {
	b.mu.Lock()
	filters := make([]string, 0, len(b.filters))
	for f := range b.filters {
		filters = append(filters, f)
	}
	b.mu.Unlock()

	for _, f := range filters {
		tok := c.Subscribe(f, b.cfg.QoS, b.onMessage)
		go func(filter string) {
			tok.Wait()
			if err := tok.Error(); err != nil {
				b.logger.Error("mqtt resubscribe failed", "filter", filter, "error", err)
			}
		}(f)
	}
}

func (b *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case b.queue <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	case <-b.done:
	}
}

func (b *MQTT) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case m := <-b.queue:
			b.fanOut(m)
		}
	}
}

func (b *MQTT) fanOut(m inbound) {
	b.mu.Lock()
	var handlers []Handler
	for _, s := range b.subs {
		if Match(s.filter, m.topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("broker handler panic", "topic", m.topic, "panic", r)
				}
			}()
			h(context.Background(), m.topic, m.payload)
		}()
	}
}

// Publish sends payload to the MQTT server and waits for the QoS handshake.
func (b *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	tok := b.client.Publish(topic, b.cfg.QoS, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler; the server subscription is created on the
// first local subscriber of a filter.
func (b *MQTT) Subscribe(filter string, handler Handler) (SubscriptionID, error) {
	if err := ValidateFilter(filter); err != nil {
		return "", err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	id := SubscriptionID(uuid.New().String())
	b.subs[id] = &mqttSub{filter: filter, handler: handler}
	b.filters[filter]++
	first := b.filters[filter] == 1
	b.mu.Unlock()

	if first {
		tok := b.client.Subscribe(filter, b.cfg.QoS, b.onMessage)
		if !tok.WaitTimeout(b.cfg.ConnectTimeout) || tok.Error() != nil {
			b.dropLocal(id)
			if err := tok.Error(); err != nil {
				return "", fmt.Errorf("subscribe %s: %w", filter, err)
			}
			return "", fmt.Errorf("subscribe %s: timed out", filter)
		}
	}
	return id, nil
}

// dropLocal removes a local subscriber and reports whether it was the last
// one for its filter.
func (b *MQTT) dropLocal(id SubscriptionID) (string, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return "", false, false
	}
	delete(b.subs, id)
	b.filters[s.filter]--
	if b.filters[s.filter] <= 0 {
		delete(b.filters, s.filter)
		return s.filter, true, true
	}
	return s.filter, false, true
}

// Unsubscribe removes a subscription.
func (b *MQTT) Unsubscribe(id SubscriptionID) error {
	filter, last, ok := b.dropLocal(id)
	if !ok {
		return ErrSubscriptionNotFound
	}
	if last {
		tok := b.client.Unsubscribe(filter)
		tok.WaitTimeout(b.cfg.ConnectTimeout)
		if err := tok.Error(); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", filter, err)
		}
	}
	return nil
}

// Close disconnects and stops dispatching.
func (b *MQTT) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.client.Disconnect(250)
	close(b.done)
	b.wg.Wait()
	return nil
}
