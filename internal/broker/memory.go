package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Memory is an in-process broker. Delivery is synchronous: Publish returns
// after every matching handler has run.
type Memory struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*memorySub
	seq    uint64
	closed atomic.Bool
	logger *slog.Logger
}

type memorySub struct {
	id      SubscriptionID
	seq     uint64
	filter  string
	handler Handler
}

// NewMemory creates an in-process broker.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:   make(map[SubscriptionID]*memorySub),
		logger: logger,
	}
}

// Publish delivers payload to every subscription whose filter matches,
// in subscription order.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	matched := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		if Match(sub.filter, topic) {
			matched = append(matched, sub)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	for _, sub := range matched {
		m.deliver(ctx, sub, topic, payload)
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, sub *memorySub, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("broker handler panic", "topic", topic, "filter", sub.filter, "panic", r)
		}
	}()
	sub.handler(ctx, topic, payload)
}

// Subscribe registers handler for topics matching filter.
func (m *Memory) Subscribe(filter string, handler Handler) (SubscriptionID, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if err := ValidateFilter(filter); err != nil {
		return "", err
	}

	id := SubscriptionID(uuid.New().String())
	m.mu.Lock()
	m.seq++
	m.subs[id] = &memorySub{id: id, seq: m.seq, filter: filter, handler: handler}
	m.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription.
func (m *Memory) Unsubscribe(id SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

// Close drops all subscriptions. Further calls return ErrClosed.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	m.subs = make(map[SubscriptionID]*memorySub)
	m.mu.Unlock()
	return nil
}
