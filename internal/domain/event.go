package domain

import (
	"context"
	"time"
)

// Topic identifies a category of domain occurrence on the event bus.
// The set is closed and known at startup; there is no dynamic topic creation.
type Topic string

const (
	TopicTicketCreated    Topic = "ticket.created"
	TopicTicketUpdated    Topic = "ticket.updated"
	TopicTicketDeleted    Topic = "ticket.deleted"
	TopicTicketSold       Topic = "ticket.sold"
	TopicPriceChanged     Topic = "price.changed"
	TopicPaymentCompleted Topic = "payment.completed"
	TopicPaymentFailed    Topic = "payment.failed"
	TopicUserRegistered   Topic = "user.registered"
	TopicUserLoggedIn     Topic = "user.logged_in"
	TopicFraudDetected    Topic = "fraud.detected"
)

// Event is the envelope delivered to subscribers. Payload is a JSON-encoded
// record; field names of the payload structs below are the compatibility
// contract.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes a delivered event. A handler error is isolated by the bus:
// it is logged and never propagated to the publisher or to sibling handlers.
type Handler func(ctx context.Context, evt *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops delivery to this subscription's handler.
	Unsubscribe()

	// Topic returns the subscribed topic.
	Topic() Topic
}

// EventBus is the process-wide publish/subscribe hub. Delivery order is
// guaranteed within a topic's subscriber list (subscription order), never
// across topics.
type EventBus interface {
	// Publish delivers payload to every handler currently subscribed to topic.
	Publish(ctx context.Context, topic Topic, payload []byte) error

	// Subscribe registers a handler for a topic. Registering the same function
	// twice yields two independent subscriptions; both are invoked per publish.
	Subscribe(topic Topic, handler Handler) (Subscription, error)

	// HasSubscribers reports whether topic has at least one subscriber.
	HasSubscribers(topic Topic) bool

	// SubscriberCount returns the number of subscribers for topic.
	SubscriberCount(topic Topic) int

	// ClearTopic drops all subscriptions for topic.
	ClearTopic(topic Topic)

	// ClearAll drops every subscription. Intended for test teardown.
	ClearAll()

	// Lifecycle
	Close() error
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "memory" or "nats"
	Type string `json:"type" yaml:"type"`

	// NATS settings
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl"`
	NATSToken         string `json:"natsToken" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds
}

// PaymentCompletedEvent is published when a payment settles. The fraud engine
// constructs a Transaction from it.
type PaymentCompletedEvent struct {
	PaymentID     string         `json:"paymentId"`
	UserID        string         `json:"userId"`
	TicketID      string         `json:"ticketId"`
	Amount        float64        `json:"amount"`
	PaymentMethod string         `json:"paymentMethod"`
	Timestamp     time.Time      `json:"timestamp"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	DeviceID      string         `json:"deviceId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PaymentFailedEvent is published when a payment is rejected upstream.
type PaymentFailedEvent struct {
	PaymentID string    `json:"paymentId"`
	UserID    string    `json:"userId"`
	TicketID  string    `json:"ticketId"`
	Amount    float64   `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TicketCreatedEvent triggers initial pricing of a new listing.
type TicketCreatedEvent struct {
	Ticket TicketData `json:"ticket"`
}

// TicketSoldEvent triggers re-pricing of similar listings.
type TicketSoldEvent struct {
	Ticket TicketData `json:"ticket"`
}

// PriceChangedEvent is published after a successful price update.
// BaselineUnknown is set instead of propagating a divide-by-zero when the old
// price was 0 (brand-new listing); PercentChange is 0 in that case.
type PriceChangedEvent struct {
	TicketID        string    `json:"ticketId"`
	OldPrice        float64   `json:"oldPrice"`
	NewPrice        float64   `json:"newPrice"`
	PercentChange   float64   `json:"percentChange"`
	BaselineUnknown bool      `json:"baselineUnknown,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// FraudDetectedEvent is published when a transaction scores high risk.
type FraudDetectedEvent struct {
	Transaction Transaction `json:"transaction"`
	Result      FraudResult `json:"fraudResult"`
	Timestamp   time.Time   `json:"timestamp"`
}
