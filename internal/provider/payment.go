// Package provider holds the payment and ticket source adapters.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ticketmesh/kite/internal/domain"
)

// ErrUnsupportedProvider is returned by NewPaymentProvider for unknown
// provider names.
var ErrUnsupportedProvider = fmt.Errorf("unsupported payment provider")

// PaymentStatus tracks a payment through its lifecycle.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// PaymentDetails describes one payment to process.
type PaymentDetails struct {
	UserID        string  `json:"userId"`
	TicketID      string  `json:"ticketId"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"paymentMethod"`
	IPAddress     string  `json:"ipAddress,omitempty"`
	DeviceID      string  `json:"deviceId,omitempty"`
}

// PaymentResult is the outcome of processing one payment.
type PaymentResult struct {
	Success   bool          `json:"success"`
	PaymentID string        `json:"paymentId,omitempty"`
	Error     string        `json:"error,omitempty"`
	Status    PaymentStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// RefundResult is the outcome of one refund.
type RefundResult struct {
	Success   bool      `json:"success"`
	RefundID  string    `json:"refundId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentProvider is the uniform surface over concrete payment gateways.
// Settled and rejected payments surface on the event bus as
// payment.completed and payment.failed.
type PaymentProvider interface {
	ProcessPayment(ctx context.Context, details *PaymentDetails) (*PaymentResult, error)
	RefundPayment(ctx context.Context, paymentID string, amount float64) (*RefundResult, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error)
}

// NewPaymentProvider selects a gateway by configuration value. Unsupported
// names fail fast.
func NewPaymentProvider(name string, bus domain.EventBus, logger *slog.Logger) (PaymentProvider, error) {
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch name {
	case "stripe", "paypal":
		return &gatewayProvider{
			name:     name,
			bus:      bus,
			logger:   logger.With("component", "payments", "provider", name),
			payments: make(map[string]*paymentRecord),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
}

type paymentRecord struct {
	details  PaymentDetails
	status   PaymentStatus
	refunded float64
}

// gatewayProvider settles payments locally and keeps its own ledger for
// status and refund lookups. The event publishing contract matches what a
// real gateway integration would emit from its webhook handler.
type gatewayProvider struct {
	name   string
	bus    domain.EventBus
	logger *slog.Logger

	mu       sync.Mutex
	payments map[string]*paymentRecord
}

func (p *gatewayProvider) ProcessPayment(ctx context.Context, details *PaymentDetails) (*PaymentResult, error) {
	if details == nil {
		return nil, fmt.Errorf("payment details are required")
	}

	now := time.Now().UTC()

	if reason := validateDetails(details); reason != "" {
		p.publishFailed(ctx, details, reason, now)
		return &PaymentResult{
			Success:   false,
			Error:     reason,
			Status:    PaymentFailed,
			Timestamp: now,
		}, nil
	}

	paymentID := uuid.New().String()

	p.mu.Lock()
	p.payments[paymentID] = &paymentRecord{details: *details, status: PaymentSucceeded}
	p.mu.Unlock()

	p.publishCompleted(ctx, paymentID, details, now)

	p.logger.Info("payment processed",
		"payment_id", paymentID,
		"user_id", details.UserID,
		"amount", details.Amount,
	)

	return &PaymentResult{
		Success:   true,
		PaymentID: paymentID,
		Status:    PaymentSucceeded,
		Timestamp: now,
	}, nil
}

func (p *gatewayProvider) RefundPayment(ctx context.Context, paymentID string, amount float64) (*RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", paymentID, domain.ErrNotFound)
	}
	if record.status == PaymentFailed {
		return nil, fmt.Errorf("payment %s was never settled", paymentID)
	}

	// A zero amount refunds the remainder.
	remaining := record.details.Amount - record.refunded
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("refund amount %.2f exceeds refundable %.2f", amount, remaining)
	}

	record.refunded += amount
	if record.refunded >= record.details.Amount {
		record.status = PaymentRefunded
	} else {
		record.status = PaymentPartiallyRefunded
	}

	p.logger.Info("payment refunded", "payment_id", paymentID, "amount", amount)

	return &RefundResult{
		Success:   true,
		RefundID:  uuid.New().String(),
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *gatewayProvider) GetPaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.payments[paymentID]
	if !ok {
		return "", fmt.Errorf("payment %s: %w", paymentID, domain.ErrNotFound)
	}
	return record.status, nil
}

func validateDetails(details *PaymentDetails) string {
	switch {
	case details.UserID == "":
		return "userId is required"
	case details.TicketID == "":
		return "ticketId is required"
	case details.Amount <= 0:
		return "amount must be positive"
	case details.PaymentMethod == "":
		return "paymentMethod is required"
	default:
		return ""
	}
}

func (p *gatewayProvider) publishCompleted(ctx context.Context, paymentID string, details *PaymentDetails, at time.Time) {
	payload, err := json.Marshal(domain.PaymentCompletedEvent{
		PaymentID:     paymentID,
		UserID:        details.UserID,
		TicketID:      details.TicketID,
		Amount:        details.Amount,
		PaymentMethod: details.PaymentMethod,
		Timestamp:     at,
		IPAddress:     details.IPAddress,
		DeviceID:      details.DeviceID,
	})
	if err != nil {
		p.logger.Error("failed to marshal payment event", "payment_id", paymentID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicPaymentCompleted, payload); err != nil {
		p.logger.Error("failed to publish payment event", "payment_id", paymentID, "error", err)
	}
}

func (p *gatewayProvider) publishFailed(ctx context.Context, details *PaymentDetails, reason string, at time.Time) {
	payload, err := json.Marshal(domain.PaymentFailedEvent{
		UserID:    details.UserID,
		TicketID:  details.TicketID,
		Amount:    details.Amount,
		Reason:    reason,
		Timestamp: at,
	})
	if err != nil {
		p.logger.Error("failed to marshal payment failure", "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicPaymentFailed, payload); err != nil {
		p.logger.Error("failed to publish payment failure", "error", err)
	}
}
