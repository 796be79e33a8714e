package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/ticketmesh/kite/internal/domain"
)

// NATSBus implements EventBus over a NATS connection, for multi-process
// deployments. HasSubscribers, SubscriberCount, ClearTopic and ClearAll
// reflect subscriptions held by this process only; remote subscribers are
// invisible to them.
type NATSBus struct {
	mu     sync.RWMutex
	conn   *nats.Conn
	subs   map[string]*natsSubscription
	config domain.EventBusConfig
}

type natsSubscription struct {
	id    string
	topic domain.Topic
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS with reconnect resilience.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("NATS error", "error", err, "subject", sub.Subject)
		}),
	}

	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSBus{
		conn:   conn,
		subs:   make(map[string]*natsSubscription),
		config: cfg,
	}, nil
}

// Publish sends an event envelope to the topic's NATS subject.
func (b *NATSBus) Publish(ctx context.Context, topic domain.Topic, payload []byte) error {
	evt := &domain.Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return b.conn.Publish(makeSubject(topic), data)
}

// Subscribe registers a handler for a topic.
func (b *NATSBus) Subscribe(topic domain.Topic, handler domain.Handler) (domain.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	natsSub, err := b.conn.Subscribe(makeSubject(topic), func(m *nats.Msg) {
		var evt domain.Event
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			slog.Error("failed to unmarshal NATS event",
				"subject", m.Subject,
				"error", err,
			)
			return
		}

		if err := handler(context.Background(), &evt); err != nil {
			slog.Error("event handler failed",
				"subject", m.Subject,
				"event_id", evt.ID,
				"error", err,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// HasSubscribers reports whether this process subscribes to topic.
func (b *NATSBus) HasSubscribers(topic domain.Topic) bool {
	return b.SubscriberCount(topic) > 0
}

// SubscriberCount returns this process's subscription count for topic.
func (b *NATSBus) SubscriberCount(topic domain.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}

// ClearTopic drops this process's subscriptions for topic.
func (b *NATSBus) ClearTopic(topic domain.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.topic == topic {
			_ = sub.sub.Unsubscribe()
			delete(b.subs, id)
		}
	}
}

// ClearAll drops every subscription held by this process.
func (b *NATSBus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
		delete(b.subs, id)
	}
}

// Close unsubscribes everything and closes the connection.
func (b *NATSBus) Close() error {
	b.ClearAll()
	b.conn.Close()
	return nil
}

func (b *NATSBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func makeSubject(topic domain.Topic) string {
	return "kite." + string(topic)
}

// Unsubscribe stops delivery to this subscription's handler.
func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
	s.bus.remove(s.id)
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() domain.Topic {
	return s.topic
}
