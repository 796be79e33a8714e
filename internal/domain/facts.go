// Package domain defines the core types and collaborator interfaces for Kite.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by fact reads when the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrContextUnavailable signals that no evaluation context could be
	// retrieved at all. Engines degrade to conservative rule defaults rather
	// than abort, so callers should treat this as advisory.
	ErrContextUnavailable = errors.New("evaluation context unavailable")
)

// FactProvider is the read-only source of contextual data the decision
// engines consume. Bound to any concrete store outside this core.
type FactProvider interface {
	// GetUserHistory returns the history for a user, or ErrNotFound.
	GetUserHistory(ctx context.Context, userID string) (*UserHistory, error)

	// GetTicket returns a ticket listing, or ErrNotFound.
	GetTicket(ctx context.Context, ticketID string) (*TicketData, error)

	// GetMarketData returns market signals for an event. Implementations
	// return DefaultMarketData rather than an error when no signals exist.
	GetMarketData(ctx context.Context, eventID string) (*MarketData, error)

	// GetSimilarTickets returns available listings comparable to the given
	// ticket (same event and section).
	GetSimilarTickets(ctx context.Context, ticketID string) ([]*TicketData, error)

	// GetPriceHistory returns recorded price points for a ticket, oldest first.
	GetPriceHistory(ctx context.Context, ticketID string) ([]PricePoint, error)
}

// StateSink is the write target for derived results. A sink failure is a
// failed acknowledgement surfaced to the caller; it must never corrupt an
// already-computed decision result.
type StateSink interface {
	// SetTicketPrice persists a new listing price.
	SetTicketPrice(ctx context.Context, ticketID string, price float64) error

	// RecordPricePoint appends to a ticket's price history.
	RecordPricePoint(ctx context.Context, ticketID string, price float64, at time.Time) error

	// RecordNotification persists a delivered notification record.
	RecordNotification(ctx context.Context, n *Notification) error
}

// Notification is the record of one delivered user notification.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Kind      string         `json:"type"`    // e.g. "price_alert", "fraud_alert"
	Channel   string         `json:"channel"` // e.g. "email", "in_app"
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NotificationChannel delivers a message to a user. Concrete delivery (email,
// push) lives outside this core.
type NotificationChannel interface {
	Send(ctx context.Context, userID, message string, metadata map[string]any) error
}
