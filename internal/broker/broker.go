// Package broker defines the publish/subscribe transport the relay and its
// clients exchange addressed messages over, with an in-process
// implementation and an MQTT-backed one.
package broker

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned when operating on a closed broker.
var ErrClosed = errors.New("broker is closed")

// ErrSubscriptionNotFound is returned when unsubscribing with an unknown ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID string

// Handler receives one message. Handlers for a single subscription are
// invoked in publish order.
type Handler func(ctx context.Context, topic string, payload []byte)

// Broker moves opaque payloads between topics.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(filter string, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

// ValidateFilter checks MQTT filter syntax: '+' must occupy a whole level
// and '#' may only appear as the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.New("empty filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return errors.New("'#' must be the final level")
		}
		if strings.Contains(l, "+") && l != "+" {
			return errors.New("'+' must occupy a whole level")
		}
	}
	return nil
}

// Match reports whether topic matches an MQTT-style filter.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
