package fraud

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/ticketmesh/kite/internal/bus"
	"github.com/ticketmesh/kite/internal/domain"
)

// fakeFacts serves canned context. Nil fields surface as ErrNotFound, the
// shape rules must tolerate.
type fakeFacts struct {
	history *domain.UserHistory
	ticket  *domain.TicketData
	market  *domain.MarketData
}

func (f *fakeFacts) GetUserHistory(ctx context.Context, userID string) (*domain.UserHistory, error) {
	if f.history == nil {
		return nil, domain.ErrNotFound
	}
	return f.history, nil
}

func (f *fakeFacts) GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error) {
	if f.ticket == nil {
		return nil, domain.ErrNotFound
	}
	return f.ticket, nil
}

func (f *fakeFacts) GetMarketData(ctx context.Context, eventID string) (*domain.MarketData, error) {
	if f.market == nil {
		return domain.DefaultMarketData(eventID), nil
	}
	return f.market, nil
}

func (f *fakeFacts) GetSimilarTickets(ctx context.Context, ticketID string) ([]*domain.TicketData, error) {
	return nil, nil
}

func (f *fakeFacts) GetPriceHistory(ctx context.Context, ticketID string) ([]domain.PricePoint, error) {
	return nil, nil
}

type fakeRecorder struct {
	saved []*domain.Transaction
	err   error
}

func (r *fakeRecorder) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, tx)
	return nil
}

func newTestEngine(t *testing.T, facts domain.FactProvider, opts Options) (*Engine, *bus.MemoryBus) {
	t.Helper()

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	e, err := NewEngine(facts, b, slog.Default(), opts)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, b
}

func TestEvaluateTransaction(t *testing.T) {
	ctx := context.Background()

	riskyTx := &domain.Transaction{
		ID:            "tx-1",
		UserID:        "user-1",
		TicketID:      "ticket-1",
		Amount:        6000,
		PaymentMethod: "crypto",
		Timestamp:     time.Now(),
	}

	t.Run("HighRiskWithoutHistory", func(t *testing.T) {
		e, b := newTestEngine(t, &fakeFacts{}, Options{})
		if err := e.SetRiskThreshold(60); err != nil {
			t.Fatalf("failed to set threshold: %v", err)
		}

		var detected []*domain.Event
		b.Subscribe(domain.TopicFraudDetected, func(ctx context.Context, evt *domain.Event) error {
			detected = append(detected, evt)
			return nil
		})

		result, err := e.EvaluateTransaction(ctx, riskyTx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		// New User 1.0(w.15) + Amount 0.9(w.20) + Velocity 0.5(w.25) +
		// IP 0.3(w.15) + Device 0.3(w.15) + Payment 0.8(w.10) = 62.5
		if math.Abs(result.Score-62.5) > 0.001 {
			t.Errorf("expected score 62.5, got %f", result.Score)
		}
		if result.RiskLevel != domain.RiskHigh {
			t.Errorf("expected high risk, got %s", result.RiskLevel)
		}
		if result.Approved {
			t.Error("expected high-risk transaction to be declined")
		}
		if len(detected) != 1 {
			t.Fatalf("expected 1 fraud.detected event, got %d", len(detected))
		}
		if len(result.RuleResults) != 6 {
			t.Errorf("expected 6 rule results, got %d", len(result.RuleResults))
		}
	})

	t.Run("MediumRiskAtDefaultThreshold", func(t *testing.T) {
		e, b := newTestEngine(t, &fakeFacts{}, Options{})

		result, err := e.EvaluateTransaction(ctx, riskyTx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		// 62.5 sits between 70*0.7=49 and 70.
		if result.RiskLevel != domain.RiskMedium {
			t.Errorf("expected medium risk, got %s", result.RiskLevel)
		}
		if !result.ReviewRequired {
			t.Error("expected medium risk to require review")
		}
		if !result.Approved {
			t.Error("expected medium risk to remain approved")
		}
		if b.SubscriberCount(domain.TopicFraudDetected) != 0 {
			t.Fatal("test setup leaked a subscription")
		}
	})

	t.Run("EstablishedUserLowRisk", func(t *testing.T) {
		facts := &fakeFacts{
			history: &domain.UserHistory{
				UserID:               "user-1",
				AccountAgeDays:       365,
				PreviousTransactions: 40,
				RecentTransactions:   0,
				LastLoginIPAddress:   "10.0.0.1",
				LastLoginDeviceID:    "device-a",
			},
		}
		e, _ := newTestEngine(t, facts, Options{})

		tx := &domain.Transaction{
			ID:            "tx-2",
			UserID:        "user-1",
			TicketID:      "ticket-1",
			Amount:        100,
			PaymentMethod: "credit_card",
			IPAddress:     "10.0.0.1",
			DeviceID:      "device-a",
			Timestamp:     time.Now(),
		}

		result, err := e.EvaluateTransaction(ctx, tx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		// Only Payment Method contributes: 0.3*0.10 = 3.0.
		if math.Abs(result.Score-3.0) > 0.001 {
			t.Errorf("expected score 3.0, got %f", result.Score)
		}
		if result.RiskLevel != domain.RiskLow || !result.Approved || result.ReviewRequired {
			t.Errorf("expected approved low risk, got %+v", result)
		}
	})

	t.Run("VelocityBuckets", func(t *testing.T) {
		history := &domain.UserHistory{
			UserID:             "user-1",
			AccountAgeDays:     365,
			LastLoginIPAddress: "10.0.0.1",
			LastLoginDeviceID:  "device-a",
		}
		facts := &fakeFacts{history: history}
		e, _ := newTestEngine(t, facts, Options{})

		tx := &domain.Transaction{
			ID:            "tx-3",
			UserID:        "user-1",
			TicketID:      "ticket-1",
			Amount:        100,
			PaymentMethod: "bank_transfer",
			IPAddress:     "10.0.0.1",
			DeviceID:      "device-a",
			Timestamp:     time.Now(),
		}

		history.RecentTransactions = 0
		quiet, _ := e.EvaluateTransaction(ctx, tx)

		history.RecentTransactions = 7
		busy, _ := e.EvaluateTransaction(ctx, tx)

		history.RecentTransactions = 20
		burst, _ := e.EvaluateTransaction(ctx, tx)

		if !(quiet.Score < busy.Score && busy.Score < burst.Score) {
			t.Errorf("expected scores to increase with velocity: %f, %f, %f",
				quiet.Score, busy.Score, burst.Score)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeFacts{}, Options{})

		first, err := e.EvaluateTransaction(ctx, riskyTx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		second, err := e.EvaluateTransaction(ctx, riskyTx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}

		if first.Score != second.Score || first.RiskLevel != second.RiskLevel {
			t.Errorf("expected identical results, got %f/%s and %f/%s",
				first.Score, first.RiskLevel, second.Score, second.RiskLevel)
		}
	})

	t.Run("ZeroWeightGuard", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeFacts{}, Options{})
		e.rules = nil

		result, err := e.EvaluateTransaction(ctx, riskyTx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if result.Score != 0 {
			t.Errorf("expected score 0 with no rules, got %f", result.Score)
		}
		if result.RiskLevel != domain.RiskLow {
			t.Errorf("expected low risk, got %s", result.RiskLevel)
		}
	})

	t.Run("PanickingRuleIsolated", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeFacts{}, Options{})
		e.RegisterRule(domain.FraudRule{
			Name:   "Broken",
			Weight: 0.5,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				panic("boom")
			},
		})

		result, err := e.EvaluateTransaction(ctx, riskyTx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if len(result.RuleResults) != 7 {
			t.Errorf("expected 7 rule results, got %d", len(result.RuleResults))
		}
		// The broken rule contributes weight but zero score.
		if result.Score >= 62.5 {
			t.Errorf("expected panicking rule to drag the normalized score down, got %f", result.Score)
		}
	})

	t.Run("RecordsTransaction", func(t *testing.T) {
		rec := &fakeRecorder{}
		e, _ := newTestEngine(t, &fakeFacts{}, Options{Recorder: rec})

		if _, err := e.EvaluateTransaction(ctx, riskyTx); err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if len(rec.saved) != 1 || rec.saved[0].ID != "tx-1" {
			t.Errorf("expected transaction to be recorded, got %+v", rec.saved)
		}
	})

	t.Run("RecorderFailureDoesNotFailEvaluation", func(t *testing.T) {
		rec := &fakeRecorder{err: errors.New("db down")}
		e, _ := newTestEngine(t, &fakeFacts{}, Options{Recorder: rec})

		if _, err := e.EvaluateTransaction(ctx, riskyTx); err != nil {
			t.Fatalf("expected evaluation to survive recorder failure, got %v", err)
		}
	})

	t.Run("NilTransaction", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeFacts{}, Options{})
		if _, err := e.EvaluateTransaction(ctx, nil); err == nil {
			t.Error("expected error for nil transaction")
		}
	})
}

func TestEvaluationTimeout(t *testing.T) {
	tx := &domain.Transaction{
		ID:            "tx-slow",
		UserID:        "user-1",
		TicketID:      "ticket-1",
		Amount:        100,
		PaymentMethod: "credit_card",
		Timestamp:     time.Now(),
	}

	// A rule that never returns on its own; released only at cleanup so the
	// goroutine does not leak past the test.
	newStalledRule := func(t *testing.T) domain.FraudRule {
		t.Helper()
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		return domain.FraudRule{
			Name:   "Stalled",
			Weight: 0.5,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				<-release
				return 1.0
			},
		}
	}

	t.Run("StalledRuleDoesNotHangEvaluation", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeFacts{}, Options{EvalTimeout: 50 * time.Millisecond})
		if err := e.RegisterRule(newStalledRule(t)); err != nil {
			t.Fatalf("failed to register rule: %v", err)
		}

		start := time.Now()
		result, err := e.EvaluateTransaction(context.Background(), tx)
		if err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Fatalf("evaluation should have returned at the deadline, took %s", elapsed)
		}

		// The stalled rule counts weight but no score; the finished rules
		// still report.
		if len(result.RuleResults) != 7 {
			t.Fatalf("expected 7 rule results, got %d", len(result.RuleResults))
		}
		for _, rr := range result.RuleResults {
			if rr.RuleName == "Stalled" && rr.Score != 0 {
				t.Errorf("expected stalled rule to score zero, got %f", rr.Score)
			}
		}
	})

	t.Run("CallerCancellationUnblocks", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeFacts{}, Options{})
		if err := e.RegisterRule(newStalledRule(t)); err != nil {
			t.Fatalf("failed to register rule: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		if _, err := e.EvaluateTransaction(ctx, tx); err != nil {
			t.Fatalf("evaluation failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Fatalf("evaluation should have returned on cancellation, took %s", elapsed)
		}
	})
}

func TestSetRiskThreshold(t *testing.T) {
	e, _ := newTestEngine(t, &fakeFacts{}, Options{})

	if err := e.SetRiskThreshold(85); err != nil {
		t.Fatalf("expected valid threshold to be accepted: %v", err)
	}
	if e.RiskThreshold() != 85 {
		t.Errorf("expected threshold 85, got %f", e.RiskThreshold())
	}

	for _, invalid := range []float64{-1, 101, 200} {
		if err := e.SetRiskThreshold(invalid); !errors.Is(err, ErrInvalidThreshold) {
			t.Errorf("expected ErrInvalidThreshold for %f, got %v", invalid, err)
		}
	}
}

func TestRegisterRule(t *testing.T) {
	e, _ := newTestEngine(t, &fakeFacts{}, Options{})

	base := e.RulesCount()

	rule := domain.FraudRule{
		Name:   "Always Half",
		Weight: 0.1,
		Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
			return 0.5
		},
	}

	// Duplicate names are legal; both registrations are evaluated.
	if err := e.RegisterRule(rule); err != nil {
		t.Fatalf("failed to register rule: %v", err)
	}
	if err := e.RegisterRule(rule); err != nil {
		t.Fatalf("failed to register duplicate rule: %v", err)
	}
	if e.RulesCount() != base+2 {
		t.Errorf("expected %d rules, got %d", base+2, e.RulesCount())
	}

	result, err := e.EvaluateTransaction(context.Background(), &domain.Transaction{
		ID: "tx-1", UserID: "u", TicketID: "t", Amount: 10, PaymentMethod: "bank_transfer",
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	var halves int
	for _, rr := range result.RuleResults {
		if rr.RuleName == "Always Half" {
			halves++
		}
	}
	if halves != 2 {
		t.Errorf("expected both duplicate registrations evaluated, got %d", halves)
	}

	if err := e.RegisterRule(domain.FraudRule{Name: "NoFunc", Weight: 0.1}); err == nil {
		t.Error("expected error for rule without evaluate function")
	}
}

func TestPaymentCompletedSubscription(t *testing.T) {
	rec := &fakeRecorder{}
	e, b := newTestEngine(t, &fakeFacts{}, Options{Recorder: rec})

	if err := e.Start(); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	defer e.Stop()

	ctx := context.Background()

	payload := []byte(`{
		"paymentId": "pay-1",
		"userId": "user-1",
		"ticketId": "ticket-1",
		"amount": 250,
		"paymentMethod": "credit_card",
		"timestamp": "2026-08-01T12:00:00Z"
	}`)
	if err := b.Publish(ctx, domain.TopicPaymentCompleted, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(rec.saved) != 1 {
		t.Fatalf("expected payment to be evaluated and recorded, got %d", len(rec.saved))
	}
	if rec.saved[0].ID != "pay-1" || rec.saved[0].Amount != 250 {
		t.Errorf("unexpected transaction: %+v", rec.saved[0])
	}

	// Malformed payloads are logged, never re-thrown into the bus.
	if err := b.Publish(ctx, domain.TopicPaymentCompleted, []byte("{not json")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	e.Stop()
	if b.SubscriberCount(domain.TopicPaymentCompleted) != 0 {
		t.Error("expected Stop to remove the subscription")
	}
}

func TestNewEngineValidation(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	if _, err := NewEngine(nil, b, nil, Options{}); err == nil {
		t.Error("expected error for missing fact provider")
	}
	if _, err := NewEngine(&fakeFacts{}, nil, nil, Options{}); err == nil {
		t.Error("expected error for missing bus")
	}
	if _, err := NewEngine(&fakeFacts{}, b, nil, Options{RiskThreshold: 150}); !errors.Is(err, ErrInvalidThreshold) {
		t.Error("expected ErrInvalidThreshold for out-of-range option")
	}
}
