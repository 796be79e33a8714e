package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ticketmesh/kite/internal/domain"
)

// Observer watches price and fraud events for one user and pushes
// notifications through its channel. A price change below the percentage
// threshold is ignored; fraud alerts always go out.
type Observer struct {
	mu      sync.Mutex
	userID  string
	kind    string // channel kind, recorded with each notification
	channel domain.NotificationChannel
	sink    domain.StateSink
	bus     domain.EventBus
	logger  *slog.Logger

	// threshold is the minimum absolute percent change worth notifying.
	threshold float64

	subs []domain.Subscription
}

// NewObserver creates an observer for one user. The sink is optional; without
// one, deliveries are not recorded.
func NewObserver(userID, channelKind string, threshold float64, bus domain.EventBus, sink domain.StateSink, logger *slog.Logger) (*Observer, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if threshold < 0 {
		return nil, fmt.Errorf("threshold must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}

	channel, err := NewChannel(channelKind, logger)
	if err != nil {
		return nil, err
	}

	return &Observer{
		userID:    userID,
		kind:      channelKind,
		channel:   channel,
		sink:      sink,
		bus:       bus,
		logger:    logger.With("component", "notify", "user_id", userID),
		threshold: threshold,
	}, nil
}

// Start subscribes the observer to price.changed and fraud.detected.
func (o *Observer) Start() error {
	price, err := o.bus.Subscribe(domain.TopicPriceChanged, o.handlePriceChanged)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicPriceChanged, err)
	}

	fraud, err := o.bus.Subscribe(domain.TopicFraudDetected, o.handleFraudDetected)
	if err != nil {
		price.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicFraudDetected, err)
	}

	o.mu.Lock()
	o.subs = append(o.subs, price, fraud)
	o.mu.Unlock()

	return nil
}

// Stop removes the observer's bus subscriptions.
func (o *Observer) Stop() {
	o.mu.Lock()
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (o *Observer) handlePriceChanged(ctx context.Context, evt *domain.Event) error {
	var pc domain.PriceChangedEvent
	if err := json.Unmarshal(evt.Payload, &pc); err != nil {
		o.logger.Error("malformed price event", "event_id", evt.ID, "error", err)
		return nil
	}

	if math.Abs(pc.PercentChange) < o.threshold {
		return nil
	}

	direction := "increased"
	if pc.PercentChange < 0 {
		direction = "decreased"
	}
	message := fmt.Sprintf("Ticket %s price %s by %.1f%% to %.2f",
		pc.TicketID, direction, math.Abs(pc.PercentChange), pc.NewPrice)

	o.deliver(ctx, "price_alert", message, map[string]any{
		"ticketId":      pc.TicketID,
		"oldPrice":      pc.OldPrice,
		"newPrice":      pc.NewPrice,
		"percentChange": pc.PercentChange,
	})
	return nil
}

func (o *Observer) handleFraudDetected(ctx context.Context, evt *domain.Event) error {
	var fd domain.FraudDetectedEvent
	if err := json.Unmarshal(evt.Payload, &fd); err != nil {
		o.logger.Error("malformed fraud event", "event_id", evt.ID, "error", err)
		return nil
	}

	message := fmt.Sprintf("High-risk transaction %s flagged (score %.1f)",
		fd.Transaction.ID, fd.Result.Score)

	o.deliver(ctx, "fraud_alert", message, map[string]any{
		"transactionId": fd.Transaction.ID,
		"score":         fd.Result.Score,
		"riskLevel":     string(fd.Result.RiskLevel),
	})
	return nil
}

// deliver sends over the channel and records the delivery. Either failure is
// logged; neither propagates into the bus.
func (o *Observer) deliver(ctx context.Context, kind, message string, metadata map[string]any) {
	if err := o.channel.Send(ctx, o.userID, message, metadata); err != nil {
		o.logger.Error("notification delivery failed", "kind", kind, "error", err)
		return
	}

	if o.sink == nil {
		return
	}

	n := &domain.Notification{
		ID:        uuid.New().String(),
		UserID:    o.userID,
		Kind:      kind,
		Channel:   o.kind,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sink.RecordNotification(ctx, n); err != nil {
		o.logger.Error("failed to record notification", "kind", kind, "error", err)
	}
}
