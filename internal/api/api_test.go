package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ticketmesh/kite/internal/bus"
	"github.com/ticketmesh/kite/internal/cache"
	"github.com/ticketmesh/kite/internal/domain"
	"github.com/ticketmesh/kite/internal/fraud"
	"github.com/ticketmesh/kite/internal/pricing"
	"github.com/ticketmesh/kite/internal/provider"
)

const testSecret = "test-secret"

type stubFacts struct {
	tickets map[string]*domain.TicketData
	history []domain.PricePoint
}

func (s *stubFacts) GetUserHistory(ctx context.Context, userID string) (*domain.UserHistory, error) {
	return nil, domain.ErrNotFound
}

func (s *stubFacts) GetTicket(ctx context.Context, ticketID string) (*domain.TicketData, error) {
	if t, ok := s.tickets[ticketID]; ok {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubFacts) GetMarketData(ctx context.Context, eventID string) (*domain.MarketData, error) {
	return domain.DefaultMarketData(eventID), nil
}

func (s *stubFacts) GetSimilarTickets(ctx context.Context, ticketID string) ([]*domain.TicketData, error) {
	return nil, nil
}

func (s *stubFacts) GetPriceHistory(ctx context.Context, ticketID string) ([]domain.PricePoint, error) {
	return s.history, nil
}

func (s *stubFacts) ListTickets(ctx context.Context, filter domain.TicketFilter) ([]*domain.TicketData, error) {
	var out []*domain.TicketData
	for _, t := range s.tickets {
		out = append(out, t)
	}
	return out, nil
}

func (s *stubFacts) SaveTicket(ctx context.Context, t *domain.TicketData) error {
	if s.tickets == nil {
		s.tickets = make(map[string]*domain.TicketData)
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *stubFacts) SetTicketPrice(ctx context.Context, ticketID string, price float64) error {
	t, ok := s.tickets[ticketID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Price = price
	return nil
}

func (s *stubFacts) RecordPricePoint(ctx context.Context, ticketID string, price float64, at time.Time) error {
	s.history = append(s.history, domain.PricePoint{Price: price, Timestamp: at})
	return nil
}

func (s *stubFacts) RecordNotification(ctx context.Context, n *domain.Notification) error {
	return nil
}

func (s *stubFacts) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, rateLimit int) (*Server, *stubFacts) {
	t.Helper()

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	c := cache.NewLRUCache(1000)
	t.Cleanup(func() { c.Close() })

	facts := &stubFacts{
		tickets: map[string]*domain.TicketData{
			"ticket-1": {
				ID:        "ticket-1",
				EventID:   "event-1",
				Section:   "Floor A",
				BasePrice: 100,
				Price:     100,
				EventDate: time.Now().Add(72 * time.Hour),
				SellerID:  "seller-1",
				Status:    domain.TicketAvailable,
			},
		},
	}

	fraudEngine, err := fraud.NewEngine(facts, b, nil, fraud.Options{})
	if err != nil {
		t.Fatalf("failed to create fraud engine: %v", err)
	}

	pricingEngine, err := pricing.NewEngine(facts, facts, b, nil, pricing.Options{})
	if err != nil {
		t.Fatalf("failed to create pricing engine: %v", err)
	}

	tickets, err := provider.NewTicketSource(provider.SourceConfig{Name: "internal"}, facts, b, nil)
	if err != nil {
		t.Fatalf("failed to create ticket source: %v", err)
	}

	payments, err := provider.NewPaymentProvider("stripe", b, nil)
	if err != nil {
		t.Fatalf("failed to create payment provider: %v", err)
	}

	handler := NewHandler(fraudEngine, pricingEngine, tickets, payments, facts, c, "test")

	srv := NewServer(
		domain.ServerConfig{Host: "127.0.0.1", Port: 0},
		domain.GatewayConfig{
			AllowedOrigins: []string{"*"},
			RateLimit:      rateLimit,
			RateWindowSecs: 60,
			JWTSecret:      testSecret,
		},
		handler, c, nil,
	)
	return srv, facts
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:1000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/ready", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestFraudEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	t.Run("Evaluate", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/fraud/evaluate", map[string]any{
			"id":            "tx-1",
			"userId":        "user-1",
			"ticketId":      "ticket-1",
			"amount":        6000,
			"paymentMethod": "crypto",
		}, "")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var result domain.FraudResult
		if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if result.TransactionID != "tx-1" || result.Score <= 0 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("InvalidBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/fraud/evaluate", bytes.NewReader([]byte("{not json")))
		req.RemoteAddr = "192.0.2.1:1000"
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("ThresholdRequiresAuth", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPut, "/fraud/threshold", map[string]float64{"threshold": 80}, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}

		rec = doRequest(t, srv, http.MethodPut, "/fraud/threshold", map[string]float64{"threshold": 80}, signTestToken(t, "admin-1"))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		rec = doRequest(t, srv, http.MethodPut, "/fraud/threshold", map[string]float64{"threshold": 300}, signTestToken(t, "admin-1"))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for out-of-range threshold, got %d", rec.Code)
		}
	})
}

func TestPricingEndpoints(t *testing.T) {
	srv, facts := newTestServer(t, 100)

	t.Run("Calculate", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodPost, "/pricing/calculate", facts.tickets["ticket-1"], "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var result domain.PricingResult
		if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if result.SuggestedPrice <= 100 {
			t.Errorf("expected suggested price above base, got %f", result.SuggestedPrice)
		}
	})

	t.Run("UpdateRequiresAuth", func(t *testing.T) {
		body := map[string]any{"ticketId": "ticket-1", "newPrice": 130.0, "oldPrice": 100.0}

		rec := doRequest(t, srv, http.MethodPost, "/pricing/update", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}

		rec = doRequest(t, srv, http.MethodPost, "/pricing/update", body, signTestToken(t, "seller-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if facts.tickets["ticket-1"].Price != 130 {
			t.Errorf("expected price persisted, got %f", facts.tickets["ticket-1"].Price)
		}
	})

	t.Run("HistoryAndPrediction", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/pricing/history?ticketId=ticket-1", nil, "")
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}

		rec = doRequest(t, srv, http.MethodGet, "/pricing/predict?ticketId=ticket-1&days=7", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var pred domain.PricePrediction
		if err := json.Unmarshal(rec.Body.Bytes(), &pred); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(pred.Points) != 7 {
			t.Errorf("expected 7 prediction points, got %d", len(pred.Points))
		}

		rec = doRequest(t, srv, http.MethodGet, "/pricing/predict?ticketId=nope", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}

		rec = doRequest(t, srv, http.MethodGet, "/pricing/history", nil, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 without ticketId, got %d", rec.Code)
		}
	})
}

func TestTicketEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	t.Run("List", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/tickets?eventId=event-1", nil, "")
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("CreateRequiresAuth", func(t *testing.T) {
		body := map[string]any{
			"eventId": "event-2",
			"section": "Balcony",
			"price":   60.0,
		}

		rec := doRequest(t, srv, http.MethodPost, "/tickets", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}

		rec = doRequest(t, srv, http.MethodPost, "/tickets", body, signTestToken(t, "seller-2"))
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var listing domain.TicketData
		if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if listing.SellerID != "seller-2" {
			t.Errorf("expected seller from token, got %s", listing.SellerID)
		}
	})

	t.Run("UnknownRoute", func(t *testing.T) {
		rec := doRequest(t, srv, http.MethodGet, "/unknown", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestPaymentEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	body := map[string]any{
		"ticketId":      "ticket-1",
		"amount":        100.0,
		"currency":      "USD",
		"paymentMethod": "credit_card",
	}

	rec := doRequest(t, srv, http.MethodPost, "/payments", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/payments", body, signTestToken(t, "buyer-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result provider.PaymentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !result.Success || result.PaymentID == "" {
		t.Errorf("unexpected result: %+v", result)
	}

	rec = doRequest(t, srv, http.MethodGet, "/payments/status?paymentId="+result.PaymentID, nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGatewayBehaviorsOverHTTP(t *testing.T) {
	t.Run("Preflight", func(t *testing.T) {
		srv, _ := newTestServer(t, 100)

		req := httptest.NewRequest(http.MethodOptions, "/tickets", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.RemoteAddr = "192.0.2.1:1000"

		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("expected CORS header, got %v", rec.Header())
		}
	})

	t.Run("RateLimit", func(t *testing.T) {
		srv, _ := newTestServer(t, 2)

		for i := 0; i < 2; i++ {
			rec := doRequest(t, srv, http.MethodGet, "/tickets", nil, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d unexpectedly failed: %d", i+1, rec.Code)
			}
		}

		rec := doRequest(t, srv, http.MethodGet, "/tickets", nil, "")
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Reset") == "" {
			t.Error("expected reset metadata on 429")
		}
	})
}
