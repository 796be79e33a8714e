// Package bus provides event bus implementations for Kite.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ticketmesh/kite/internal/domain"
)

// MemoryBus implements EventBus with in-process fan-out. Publish invokes the
// handlers subscribed to the topic in subscription order; a failing or
// panicking handler is logged and never prevents the remaining handlers from
// running. The subscriber list is snapshotted before dispatch, so a handler
// that unsubscribes (itself or a sibling) mid-publish cannot skip or
// double-invoke anyone.
//
// Registering the same function twice yields two live subscriptions; Go
// functions are not comparable, so deduplication is by Subscription token,
// not by handler identity.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[domain.Topic][]*memorySubscription
	closed bool
}

type memorySubscription struct {
	id      string
	topic   domain.Topic
	handler domain.Handler
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[domain.Topic][]*memorySubscription),
	}
}

// Publish delivers payload to every currently-registered handler for topic.
func (b *MemoryBus) Publish(ctx context.Context, topic domain.Topic, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}

	// Snapshot before dispatch so concurrent (un)subscribes cannot mutate the
	// list under iteration.
	subs := make([]*memorySubscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	evt := &domain.Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	for _, sub := range subs {
		invoke(ctx, sub, evt)
	}

	return nil
}

// invoke runs one handler with per-handler failure isolation.
func invoke(ctx context.Context, sub *memorySubscription, evt *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"topic", evt.Topic,
				"event_id", evt.ID,
				"panic", r,
			)
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		slog.Error("event handler failed",
			"topic", evt.Topic,
			"event_id", evt.ID,
			"error", err,
		)
	}
}

// Subscribe registers a handler for a topic.
func (b *MemoryBus) Subscribe(topic domain.Topic, handler domain.Handler) (domain.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     b,
	}
	b.subs[topic] = append(b.subs[topic], sub)

	return sub, nil
}

// HasSubscribers reports whether topic has at least one subscriber.
func (b *MemoryBus) HasSubscribers(topic domain.Topic) bool {
	return b.SubscriberCount(topic) > 0
}

// SubscriberCount returns the number of subscribers for topic.
func (b *MemoryBus) SubscriberCount(topic domain.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// ClearTopic drops all subscriptions for topic.
func (b *MemoryBus) ClearTopic(topic domain.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
}

// ClearAll drops every subscription. Intended for test teardown.
func (b *MemoryBus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[domain.Topic][]*memorySubscription)
}

// Close closes the bus; further publishes and subscribes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[domain.Topic][]*memorySubscription)
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe stops delivery to this subscription's handler.
func (s *memorySubscription) Unsubscribe() {
	s.bus.remove(s)
}

// Topic returns the subscribed topic.
func (s *memorySubscription) Topic() domain.Topic {
	return s.topic
}
