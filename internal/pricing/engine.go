// Package pricing provides the weighted-factor dynamic pricing engine.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ticketmesh/kite/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kite-pricing")

// Engine computes suggested prices from an ordered list of weighted factors.
//
// Like the fraud engine, factors are appended in registration order, weights
// are static once registered, and duplicate names are evaluated twice.
type Engine struct {
	mu      sync.RWMutex
	factors []domain.PricingFactor

	facts  domain.FactProvider
	sink   domain.StateSink
	bus    domain.EventBus
	logger *slog.Logger

	fetchTimeout   time.Duration
	predictionDays int

	now func() time.Time

	subs []domain.Subscription
}

// Options configures engine construction beyond the required collaborators.
type Options struct {
	FetchTimeout   time.Duration // per context fetch, default 2s
	PredictionDays int           // default prediction horizon, default 30
	Now            func() time.Time
}

// NewEngine creates a pricing engine with the default factors registered.
func NewEngine(facts domain.FactProvider, sink domain.StateSink, bus domain.EventBus, logger *slog.Logger, opts Options) (*Engine, error) {
	if facts == nil {
		return nil, fmt.Errorf("fact provider is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("state sink is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Second
	}

	predictionDays := opts.PredictionDays
	if predictionDays <= 0 {
		predictionDays = 30
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		facts:          facts,
		sink:           sink,
		bus:            bus,
		logger:         logger.With("component", "pricing"),
		fetchTimeout:   fetchTimeout,
		predictionDays: predictionDays,
		now:            now,
	}
	e.factors = append(e.factors, DefaultFactors(now)...)

	return e, nil
}

// RegisterFactor appends a factor. Registration order is evaluation order;
// there is no de-duplication by name.
func (e *Engine) RegisterFactor(factor domain.PricingFactor) error {
	if factor.Calculate == nil {
		return fmt.Errorf("factor %q has no calculate function", factor.Name)
	}
	if factor.Weight < 0 {
		return fmt.Errorf("factor %q has negative weight", factor.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.factors = append(e.factors, factor)

	e.logger.Info("registered pricing factor", "factor", factor.Name, "weight", factor.Weight)
	return nil
}

// FactorsCount returns the number of registered factors.
func (e *Engine) FactorsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.factors)
}

// CalculatePrice computes a suggested price for a listing. Market data is
// fetched best-effort; absent signals degrade to conservative defaults.
func (e *Engine) CalculatePrice(ctx context.Context, ticket *domain.TicketData) (*domain.PricingResult, error) {
	if ticket == nil || ticket.ID == "" {
		return nil, fmt.Errorf("ticket with ID is required")
	}

	ctx, span := tracer.Start(ctx, "pricing.calculate")
	defer span.End()
	span.SetAttributes(attribute.String("ticket.id", ticket.ID))

	market := e.fetchMarketData(ctx, ticket.EventID)

	basePrice := ticket.BasePrice
	if basePrice == 0 {
		basePrice = market.AveragePrice
	}
	if basePrice == 0 {
		basePrice = 100
	}

	e.mu.RLock()
	factors := make([]domain.PricingFactor, len(e.factors))
	copy(factors, e.factors)
	e.mu.RUnlock()

	adjusted := basePrice
	breakdown := make([]domain.FactorImpact, 0, len(factors))

	for _, factor := range factors {
		value := e.safeCalculate(factor, ticket, market)
		impact := basePrice * value * factor.Weight
		adjusted += impact

		breakdown = append(breakdown, domain.FactorImpact{
			Name:       factor.Name,
			Impact:     impact,
			Percentage: value * factor.Weight * 100,
		})
	}

	if adjusted < 1 {
		adjusted = 1
	}
	suggested := math.Round(adjusted)

	result := &domain.PricingResult{
		BasePrice:       basePrice,
		SuggestedPrice:  suggested,
		Confidence:      confidence(breakdown),
		FactorBreakdown: breakdown,
	}

	e.logger.Info("price calculated",
		"ticket_id", ticket.ID,
		"base_price", basePrice,
		"suggested_price", suggested,
		"confidence", result.Confidence,
	)

	return result, nil
}

// safeCalculate runs one factor, converting a panic into a zero adjustment.
func (e *Engine) safeCalculate(factor domain.PricingFactor, ticket *domain.TicketData, market *domain.MarketData) (value float64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pricing factor panicked", "factor", factor.Name, "panic", r)
			value = 0
		}
	}()
	return factor.Calculate(ticket, market)
}

// confidence maps factor agreement onto [0.5, 0.9]. Factors pulling in the
// same direction raise it; factors fighting each other lower it.
func confidence(breakdown []domain.FactorImpact) float64 {
	var total, net float64
	for _, f := range breakdown {
		total += math.Abs(f.Impact)
		net += f.Impact
	}

	agreement := 0.0
	if total > 0 {
		agreement = math.Abs(net) / total
	}
	return 0.5 + agreement*0.4
}

// UpdatePrice persists a new price and publishes price.changed. A zero old
// price (brand-new listing) yields PercentChange 0 with BaselineUnknown set
// rather than a divide-by-zero.
func (e *Engine) UpdatePrice(ctx context.Context, ticketID string, newPrice, oldPrice float64) error {
	if ticketID == "" {
		return fmt.Errorf("ticketID is required")
	}
	if newPrice <= 0 {
		return fmt.Errorf("newPrice must be positive")
	}

	if err := e.sink.SetTicketPrice(ctx, ticketID, newPrice); err != nil {
		return fmt.Errorf("failed to persist price: %w", err)
	}

	now := e.now().UTC()
	if err := e.sink.RecordPricePoint(ctx, ticketID, newPrice, now); err != nil {
		e.logger.Error("failed to record price point", "ticket_id", ticketID, "error", err)
	}

	evt := domain.PriceChangedEvent{
		TicketID:  ticketID,
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
		Timestamp: now,
	}
	if oldPrice == 0 {
		evt.BaselineUnknown = true
	} else {
		evt.PercentChange = (newPrice - oldPrice) / oldPrice * 100
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal price event: %w", err)
	}
	if err := e.bus.Publish(ctx, domain.TopicPriceChanged, payload); err != nil {
		return fmt.Errorf("failed to publish price event: %w", err)
	}

	e.logger.Info("price updated",
		"ticket_id", ticketID,
		"old_price", oldPrice,
		"new_price", newPrice,
		"percent_change", evt.PercentChange,
	)

	return nil
}

// GetPriceHistory returns recorded price points for a ticket, oldest first.
func (e *Engine) GetPriceHistory(ctx context.Context, ticketID string) ([]domain.PricePoint, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("ticketID is required")
	}
	return e.facts.GetPriceHistory(ctx, ticketID)
}

// GetPricePrediction projects a ticket's price over the horizon by
// compounding the market trend as a daily drift. Confidence decays toward
// 0.5 as the projection reaches further out.
func (e *Engine) GetPricePrediction(ctx context.Context, ticketID string, days int) (*domain.PricePrediction, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("ticketID is required")
	}
	if days <= 0 {
		days = e.predictionDays
	}

	ticket, err := e.facts.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	market := e.fetchMarketData(ctx, ticket.EventID)

	// priceTrend ~ [-1,1]; scale to a daily drift of at most 0.5%.
	dailyDrift := market.PriceTrend * 0.005

	now := e.now().UTC()
	points := make([]domain.PredictionPoint, 0, days)
	price := ticket.Price

	for d := 1; d <= days; d++ {
		price = price * (1 + dailyDrift)
		if price < 1 {
			price = 1
		}
		points = append(points, domain.PredictionPoint{
			Price:      math.Round(price*100) / 100,
			Date:       now.AddDate(0, 0, d),
			Confidence: pointConfidence(d, days),
		})
	}

	overall := 0.5
	if len(points) > 0 {
		overall = points[len(points)-1].Confidence
	}

	return &domain.PricePrediction{
		TicketID:     ticketID,
		CurrentPrice: ticket.Price,
		Points:       points,
		Confidence:   overall,
	}, nil
}

// pointConfidence decays linearly from 0.9 on day one toward 0.5 at the
// horizon.
func pointConfidence(day, horizon int) float64 {
	if horizon <= 1 {
		return 0.9
	}
	progress := float64(day-1) / float64(horizon-1)
	return math.Round((0.9-progress*0.4)*100) / 100
}

func (e *Engine) fetchMarketData(ctx context.Context, eventID string) *domain.MarketData {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	market, err := e.facts.GetMarketData(fetchCtx, eventID)
	if err != nil || market == nil {
		e.logger.Debug("market data unavailable", "event_id", eventID, "error", err)
		return domain.DefaultMarketData(eventID)
	}
	return market
}

// Start subscribes the engine to ticket.created and ticket.sold. Handler
// failures are logged, never re-thrown into the bus.
func (e *Engine) Start() error {
	created, err := e.bus.Subscribe(domain.TopicTicketCreated, e.handleTicketCreated)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTicketCreated, err)
	}

	sold, err := e.bus.Subscribe(domain.TopicTicketSold, e.handleTicketSold)
	if err != nil {
		created.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTicketSold, err)
	}

	e.mu.Lock()
	e.subs = append(e.subs, created, sold)
	e.mu.Unlock()

	return nil
}

// Stop removes the engine's bus subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// handleTicketCreated prices a brand-new listing and applies the result.
func (e *Engine) handleTicketCreated(ctx context.Context, evt *domain.Event) error {
	var created domain.TicketCreatedEvent
	if err := json.Unmarshal(evt.Payload, &created); err != nil {
		e.logger.Error("malformed ticket event", "event_id", evt.ID, "error", err)
		return nil
	}

	ticket := created.Ticket
	result, err := e.CalculatePrice(ctx, &ticket)
	if err != nil {
		e.logger.Error("failed to price new ticket", "ticket_id", ticket.ID, "error", err)
		return nil
	}

	if err := e.UpdatePrice(ctx, ticket.ID, result.SuggestedPrice, ticket.Price); err != nil {
		e.logger.Error("failed to apply initial price", "ticket_id", ticket.ID, "error", err)
	}
	return nil
}

// handleTicketSold reprices every similar listing independently; one failing
// ticket does not abort the batch.
func (e *Engine) handleTicketSold(ctx context.Context, evt *domain.Event) error {
	var sold domain.TicketSoldEvent
	if err := json.Unmarshal(evt.Payload, &sold); err != nil {
		e.logger.Error("malformed ticket event", "event_id", evt.ID, "error", err)
		return nil
	}

	similar, err := e.facts.GetSimilarTickets(ctx, sold.Ticket.ID)
	if err != nil {
		e.logger.Error("failed to fetch similar tickets", "ticket_id", sold.Ticket.ID, "error", err)
		return nil
	}

	for _, ticket := range similar {
		result, err := e.CalculatePrice(ctx, ticket)
		if err != nil {
			e.logger.Error("failed to reprice ticket", "ticket_id", ticket.ID, "error", err)
			continue
		}
		if err := e.UpdatePrice(ctx, ticket.ID, result.SuggestedPrice, ticket.Price); err != nil {
			e.logger.Error("failed to apply reprice", "ticket_id", ticket.ID, "error", err)
		}
	}
	return nil
}
