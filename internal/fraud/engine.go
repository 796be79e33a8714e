// Package fraud provides the weighted-rule fraud decision engine.
package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ticketmesh/kite/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kite-fraud")

// ErrInvalidThreshold is returned by SetRiskThreshold for values outside
// [0,100].
var ErrInvalidThreshold = fmt.Errorf("risk threshold must be between 0 and 100")

// TransactionRecorder persists evaluated transactions. Records made here feed
// the velocity signal of later evaluations.
type TransactionRecorder interface {
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
}

// Engine evaluates transactions against an ordered list of weighted rules.
//
// Rules are appended in registration order and never rebalanced; aggregation
// is weight-normalized, so adding a rule does not require rescaling the
// others. Two rules may share a name; both are evaluated.
type Engine struct {
	mu            sync.RWMutex
	rules         []domain.FraudRule
	riskThreshold float64

	facts    domain.FactProvider
	recorder TransactionRecorder
	bus      domain.EventBus
	logger   *slog.Logger

	fetchTimeout time.Duration
	evalTimeout  time.Duration
	maxWorkers   int

	subs []domain.Subscription
}

// Options configures engine construction beyond the required collaborators.
type Options struct {
	RiskThreshold float64       // default 70
	FetchTimeout  time.Duration // per context fetch, default 2s
	EvalTimeout   time.Duration // whole evaluation, default 10s
	MaxWorkers    int           // rule evaluation concurrency, default 10
	Recorder      TransactionRecorder
}

// NewEngine creates a fraud engine with the default rules registered.
func NewEngine(facts domain.FactProvider, bus domain.EventBus, logger *slog.Logger, opts Options) (*Engine, error) {
	if facts == nil {
		return nil, fmt.Errorf("fact provider is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	threshold := opts.RiskThreshold
	if threshold == 0 {
		threshold = 70
	}
	if threshold < 0 || threshold > 100 {
		return nil, ErrInvalidThreshold
	}

	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Second
	}

	evalTimeout := opts.EvalTimeout
	if evalTimeout <= 0 {
		evalTimeout = 10 * time.Second
	}

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	e := &Engine{
		riskThreshold: threshold,
		facts:         facts,
		recorder:      opts.Recorder,
		bus:           bus,
		logger:        logger.With("component", "fraud"),
		fetchTimeout:  fetchTimeout,
		evalTimeout:   evalTimeout,
		maxWorkers:    maxWorkers,
	}
	e.rules = append(e.rules, DefaultRules()...)

	return e, nil
}

// RegisterRule appends a rule. Registration order is evaluation order; there
// is no de-duplication by name.
func (e *Engine) RegisterRule(rule domain.FraudRule) error {
	if rule.Evaluate == nil {
		return fmt.Errorf("rule %q has no evaluate function", rule.Name)
	}
	if rule.Weight < 0 {
		return fmt.Errorf("rule %q has negative weight", rule.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)

	e.logger.Info("registered fraud rule", "rule", rule.Name, "weight", rule.Weight)
	return nil
}

// SetRiskThreshold updates the high-risk cutoff. Valid range is [0,100].
func (e *Engine) SetRiskThreshold(threshold float64) error {
	if threshold < 0 || threshold > 100 {
		return ErrInvalidThreshold
	}

	e.mu.Lock()
	e.riskThreshold = threshold
	e.mu.Unlock()

	e.logger.Info("risk threshold updated", "threshold", threshold)
	return nil
}

// RiskThreshold returns the current high-risk cutoff.
func (e *Engine) RiskThreshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.riskThreshold
}

// RulesCount returns the number of registered rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// EvaluateTransaction scores a transaction against all registered rules.
//
// Context is fetched best-effort: a missing user history or ticket degrades
// to each rule's conservative fallback rather than failing the evaluation.
// The whole evaluation is bounded by the eval timeout; rules that have not
// finished when it expires count as zero score. On a high-risk outcome a
// fraud.detected event is published.
func (e *Engine) EvaluateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.FraudResult, error) {
	if tx == nil || tx.ID == "" {
		return nil, fmt.Errorf("transaction with ID is required")
	}

	ctx, span := tracer.Start(ctx, "fraud.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.Float64("transaction.amount", tx.Amount),
	)

	ctx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	fc := e.fetchContext(ctx, tx)

	e.mu.RLock()
	rules := make([]domain.FraudRule, len(e.rules))
	copy(rules, e.rules)
	threshold := e.riskThreshold
	e.mu.RUnlock()

	ruleResults := e.evaluateRules(ctx, rules, tx, fc)

	var totalScore, totalWeight float64
	for i, rule := range rules {
		totalScore += ruleResults[i].WeightedScore
		totalWeight += rule.Weight
	}

	score := 0.0
	if totalWeight > 0 {
		score = totalScore / totalWeight * 100
	}

	level := riskLevel(score, threshold)
	span.SetAttributes(
		attribute.Float64("fraud.score", score),
		attribute.String("fraud.risk_level", string(level)),
	)

	result := &domain.FraudResult{
		TransactionID:  tx.ID,
		Score:          score,
		RiskLevel:      level,
		Approved:       level != domain.RiskHigh,
		ReviewRequired: level == domain.RiskMedium,
		RuleResults:    ruleResults,
	}

	e.logger.Info("transaction evaluated",
		"transaction_id", tx.ID,
		"score", score,
		"risk_level", level,
		"approved", result.Approved,
	)

	if e.recorder != nil {
		if err := e.recorder.SaveTransaction(ctx, tx); err != nil {
			e.logger.Error("failed to record transaction", "transaction_id", tx.ID, "error", err)
		}
	}

	if level == domain.RiskHigh {
		e.publishFraudDetected(ctx, tx, result)
	}

	return result, nil
}

// evaluateRules runs every rule concurrently, bounded by maxWorkers. Results
// keep registration order. When the context expires before every rule has
// reported, the rules still in flight keep a zero score and the evaluation
// proceeds on what finished.
func (e *Engine) evaluateRules(ctx context.Context, rules []domain.FraudRule, tx *domain.Transaction, fc *domain.FraudContext) []domain.RuleResult {
	results := make([]domain.RuleResult, len(rules))
	for i, rule := range rules {
		results[i] = domain.RuleResult{RuleName: rule.Name}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r domain.FraudRule) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			score := e.safeEvaluate(r, tx, fc)

			mu.Lock()
			results[idx].Score = score
			results[idx].WeightedScore = score * r.Weight
			mu.Unlock()
		}(i, rule)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return results
	case <-ctx.Done():
		e.logger.Warn("rule evaluation timed out", "transaction_id", tx.ID, "error", ctx.Err())

		// Straggler goroutines may still write into results; hand the
		// caller a stable copy.
		mu.Lock()
		snapshot := make([]domain.RuleResult, len(results))
		copy(snapshot, results)
		mu.Unlock()
		return snapshot
	}
}

// safeEvaluate runs one rule, converting a panic into a zero score.
func (e *Engine) safeEvaluate(rule domain.FraudRule, tx *domain.Transaction, fc *domain.FraudContext) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("fraud rule panicked", "rule", rule.Name, "panic", r)
			score = 0
		}
	}()
	return rule.Evaluate(tx, fc)
}

// fetchContext gathers user history, ticket, and market data. User history
// and the ticket lookup run concurrently; market data depends on the ticket's
// event. Every fetch is bounded and best-effort.
func (e *Engine) fetchContext(ctx context.Context, tx *domain.Transaction) *domain.FraudContext {
	fc := &domain.FraudContext{}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()

		fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()

		history, err := e.facts.GetUserHistory(fetchCtx, tx.UserID)
		if err != nil {
			e.logger.Debug("user history unavailable", "user_id", tx.UserID, "error", err)
			return
		}
		fc.UserHistory = history
	}()

	go func() {
		defer wg.Done()

		fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()

		ticket, err := e.facts.GetTicket(fetchCtx, tx.TicketID)
		if err != nil {
			e.logger.Debug("ticket unavailable", "ticket_id", tx.TicketID, "error", err)
			return
		}
		fc.Ticket = ticket

		marketCtx, cancel2 := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel2()

		market, err := e.facts.GetMarketData(marketCtx, ticket.EventID)
		if err != nil {
			e.logger.Debug("market data unavailable", "event_id", ticket.EventID, "error", err)
			return
		}
		fc.Market = market
	}()

	wg.Wait()
	return fc
}

func (e *Engine) publishFraudDetected(ctx context.Context, tx *domain.Transaction, result *domain.FraudResult) {
	payload, err := json.Marshal(domain.FraudDetectedEvent{
		Transaction: *tx,
		Result:      *result,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("failed to marshal fraud event", "transaction_id", tx.ID, "error", err)
		return
	}

	if err := e.bus.Publish(ctx, domain.TopicFraudDetected, payload); err != nil {
		e.logger.Error("failed to publish fraud event", "transaction_id", tx.ID, "error", err)
	}
}

// Start subscribes the engine to payment.completed. Evaluation failures are
// logged, never re-thrown into the bus.
func (e *Engine) Start() error {
	sub, err := e.bus.Subscribe(domain.TopicPaymentCompleted, e.handlePaymentCompleted)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicPaymentCompleted, err)
	}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
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

func (e *Engine) handlePaymentCompleted(ctx context.Context, evt *domain.Event) error {
	var payment domain.PaymentCompletedEvent
	if err := json.Unmarshal(evt.Payload, &payment); err != nil {
		e.logger.Error("malformed payment event", "event_id", evt.ID, "error", err)
		return nil
	}

	tx := &domain.Transaction{
		ID:            payment.PaymentID,
		UserID:        payment.UserID,
		TicketID:      payment.TicketID,
		Amount:        payment.Amount,
		PaymentMethod: payment.PaymentMethod,
		Timestamp:     payment.Timestamp,
		IPAddress:     payment.IPAddress,
		DeviceID:      payment.DeviceID,
		Metadata:      payment.Metadata,
	}

	if _, err := e.EvaluateTransaction(ctx, tx); err != nil {
		e.logger.Error("failed to evaluate payment", "payment_id", payment.PaymentID, "error", err)
	}
	return nil
}

func riskLevel(score, threshold float64) domain.RiskLevel {
	switch {
	case score >= threshold:
		return domain.RiskHigh
	case score >= threshold*0.7:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
