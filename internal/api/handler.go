package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ticketmesh/kite/internal/domain"
	"github.com/ticketmesh/kite/internal/fraud"
	"github.com/ticketmesh/kite/internal/gateway"
	"github.com/ticketmesh/kite/internal/pricing"
	"github.com/ticketmesh/kite/internal/provider"
)

// Pinger is the readiness surface of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	fraud    *fraud.Engine
	pricing  *pricing.Engine
	tickets  provider.TicketSource
	payments provider.PaymentProvider
	facts    Pinger
	cache    Pinger
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(fraudEngine *fraud.Engine, pricingEngine *pricing.Engine, tickets provider.TicketSource, payments provider.PaymentProvider, facts, cache Pinger, version string) *Handler {
	return &Handler{
		fraud:    fraudEngine,
		pricing:  pricingEngine,
		tickets:  tickets,
		payments: payments,
		facts:    facts,
		cache:    cache,
		version:  version,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready: checks the backing stores.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := http.StatusOK

	if h.facts != nil {
		if err := h.facts.Ping(ctx); err != nil {
			checks["facts"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["facts"] = "ok"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["cache"] = "ok"
		}
	}

	writeJSON(w, status, checks)
}

// EvaluateFraud handles POST /fraud/evaluate.
func (h *Handler) EvaluateFraud(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	var tx domain.Transaction
	if err := json.Unmarshal(req.Body, &tx); err != nil {
		return gateway.ErrorResponse(http.StatusBadRequest, "invalid JSON request body")
	}
	if tx.ID == "" || tx.UserID == "" {
		return gateway.ErrorResponse(http.StatusBadRequest, "id and userId are required")
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	result, err := h.fraud.EvaluateTransaction(ctx, &tx)
	if err != nil {
		return gateway.ErrorResponse(http.StatusInternalServerError, "evaluation failed")
	}
	return gateway.JSONResponse(http.StatusOK, result)
}

// SetRiskThreshold handles PUT /fraud/threshold.
func (h *Handler) SetRiskThreshold(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	var body struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return gateway.ErrorResponse(http.StatusBadRequest, "invalid JSON request body")
	}

	if err := h.fraud.SetRiskThreshold(body.Threshold); err != nil {
		if errors.Is(err, fraud.ErrInvalidThreshold) {
			return gateway.ErrorResponse(http.StatusBadRequest, err.Error())
		}
		return gateway.ErrorResponse(http.StatusInternalServerError, "failed to update threshold")
	}
	return gateway.JSONResponse(http.StatusOK, map[string]float64{"threshold": body.Threshold})
}

// CalculatePrice handles POST /pricing/calculate.
func (h *Handler) CalculatePrice(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	var ticket domain.TicketData
	if err := json.Unmarshal(req.Body, &ticket); err != nil {
		return gateway.ErrorResponse(http.StatusBadRequest, "invalid JSON request body")
	}
	if ticket.ID == "" {
		return gateway.ErrorResponse(http.StatusBadRequest, "ticket id is required")
	}

	result, err := h.pricing.CalculatePrice(ctx, &ticket)
	if err != nil {
		return gateway.ErrorResponse(http.StatusInternalServerError, "calculation failed")
	}
	return gateway.JSONResponse(http.StatusOK, result)
}

// UpdatePrice handles POST /pricing/update.
func (h *Handler) UpdatePrice(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	var body struct {
		TicketID string  `json:"ticketId"`
		NewPrice float64 `json:"newPrice"`
		OldPrice float64 `json:"oldPrice"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return gateway.ErrorResponse(http.StatusBadRequest, "invalid JSON request body")
	}
	if body.TicketID == "" || body.NewPrice <= 0 {
		return gateway.ErrorResponse(http.StatusBadRequest, "ticketId and a positive newPrice are required")
	}

	if err := h.pricing.UpdatePrice(ctx, body.TicketID, body.NewPrice, body.OldPrice); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gateway.ErrorResponse(http.StatusNotFound, "ticket not found")
		}
		return gateway.ErrorResponse(http.StatusInternalServerError, "update failed")
	}
	return gateway.JSONResponse(http.StatusOK, map[string]any{
		"ticketId": body.TicketID,
		"price":    body.NewPrice,
	})
}

// PriceHistory handles GET /pricing/history.
func (h *Handler) PriceHistory(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	ticketID := req.Query["ticketId"]
	if ticketID == "" {
		return gateway.ErrorResponse(http.StatusBadRequest, "ticketId parameter is required")
	}

	history, err := h.pricing.GetPriceHistory(ctx, ticketID)
	if err != nil {
		return gateway.ErrorResponse(http.StatusInternalServerError, "history lookup failed")
	}
	return gateway.JSONResponse(http.StatusOK, map[string]any{
		"ticketId": ticketID,
		"history":  history,
	})
}

// PricePrediction handles GET /pricing/predict.
func (h *Handler) PricePrediction(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	ticketID := req.Query["ticketId"]
	if ticketID == "" {
		return gateway.ErrorResponse(http.StatusBadRequest, "ticketId parameter is required")
	}

	days := 0
	if raw := req.Query["days"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return gateway.ErrorResponse(http.StatusBadRequest, "days must be a non-negative integer")
		}
		days = parsed
	}

	prediction, err := h.pricing.GetPricePrediction(ctx, ticketID, days)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gateway.ErrorResponse(http.StatusNotFound, "ticket not found")
		}
		return gateway.ErrorResponse(http.StatusInternalServerError, "prediction failed")
	}
	return gateway.JSONResponse(http.StatusOK, prediction)
}

// ListTickets handles GET /tickets.
func (h *Handler) ListTickets(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	filter := domain.TicketFilter{
		EventID:  req.Query["eventId"],
		Section:  req.Query["section"],
		SellerID: req.Query["sellerId"],
		Status:   domain.TicketStatus(req.Query["status"]),
	}
	if raw := req.Query["minPrice"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinPrice = v
		}
	}
	if raw := req.Query["maxPrice"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MaxPrice = v
		}
	}

	tickets, err := h.tickets.GetTickets(ctx, filter)
	if err != nil {
		return gateway.ErrorResponse(http.StatusInternalServerError, "listing lookup failed")
	}
	if tickets == nil {
		tickets = []*domain.TicketData{}
	}
	return gateway.JSONResponse(http.StatusOK, map[string]any{"tickets": tickets})
}

// GetTicket handles GET /tickets/get.
func (h *Handler) GetTicket(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	ticketID := req.Query["ticketId"]
	if ticketID == "" {
		return gateway.ErrorResponse(http.StatusBadRequest, "ticketId parameter is required")
	}

	ticket, err := h.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gateway.ErrorResponse(http.StatusNotFound, "ticket not found")
		}
		return gateway.ErrorResponse(http.StatusInternalServerError, "ticket lookup failed")
	}
	return gateway.JSONResponse(http.StatusOK, ticket)
}

// CreateListing handles POST /tickets. Requires authentication; the seller is
// the authenticated user.
func (h *Handler) CreateListing(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	var ticket domain.TicketData
	if err := json.Unmarshal(req.Body, &ticket); err != nil {
		return gateway.ErrorResponse(http.StatusBadRequest, "invalid JSON request body")
	}
	ticket.SellerID = rc.UserID

	listing, err := h.tickets.CreateListing(ctx, &ticket)
	if err != nil {
		if errors.Is(err, provider.ErrReadOnlySource) {
			return gateway.ErrorResponse(http.StatusNotImplemented, "listings cannot be created on this source")
		}
		return gateway.ErrorResponse(http.StatusBadRequest, err.Error())
	}
	return gateway.JSONResponse(http.StatusCreated, listing)
}

// ProcessPayment handles POST /payments. Requires authentication; the payer
// is the authenticated user.
func (h *Handler) ProcessPayment(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	var details provider.PaymentDetails
	if err := json.Unmarshal(req.Body, &details); err != nil {
		return gateway.ErrorResponse(http.StatusBadRequest, "invalid JSON request body")
	}
	details.UserID = rc.UserID

	result, err := h.payments.ProcessPayment(ctx, &details)
	if err != nil {
		return gateway.ErrorResponse(http.StatusInternalServerError, "payment processing failed")
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	return gateway.JSONResponse(status, result)
}

// PaymentStatus handles GET /payments/status.
func (h *Handler) PaymentStatus(ctx context.Context, req *gateway.Request, rc *gateway.Context) *gateway.Response {
	paymentID := req.Query["paymentId"]
	if paymentID == "" {
		return gateway.ErrorResponse(http.StatusBadRequest, "paymentId parameter is required")
	}

	status, err := h.payments.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gateway.ErrorResponse(http.StatusNotFound, "payment not found")
		}
		return gateway.ErrorResponse(http.StatusInternalServerError, "status lookup failed")
	}
	return gateway.JSONResponse(http.StatusOK, map[string]string{
		"paymentId": paymentID,
		"status":    string(status),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
