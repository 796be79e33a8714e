package domain

import (
	"time"
)

// TicketStatus tracks a listing through its lifecycle.
type TicketStatus string

const (
	TicketAvailable TicketStatus = "available"
	TicketPending   TicketStatus = "pending"
	TicketSold      TicketStatus = "sold"
	TicketCancelled TicketStatus = "cancelled"
)

// TicketData holds the listing attributes the pricing engine operates on.
type TicketData struct {
	ID        string       `json:"id"`
	EventID   string       `json:"eventId"`
	Section   string       `json:"section"`
	Row       string       `json:"row,omitempty"`
	Seat      string       `json:"seat,omitempty"`
	BasePrice float64      `json:"basePrice"`
	Price     float64      `json:"price"`
	EventDate time.Time    `json:"eventDate"`
	SellerID  string       `json:"sellerId"`
	Status    TicketStatus `json:"status"`
}

// TicketFilter narrows a listing query. Zero-valued fields are ignored.
type TicketFilter struct {
	EventID  string       `json:"eventId,omitempty"`
	Section  string       `json:"section,omitempty"`
	SellerID string       `json:"sellerId,omitempty"`
	Status   TicketStatus `json:"status,omitempty"`
	MinPrice float64      `json:"minPrice,omitempty"`
	MaxPrice float64      `json:"maxPrice,omitempty"`
}

// MarketData holds aggregate demand signals for an event.
type MarketData struct {
	EventID      string  `json:"eventId"`
	AveragePrice float64 `json:"averagePrice"`
	PriceTrend   float64 `json:"priceTrend"` // signed, roughly -1..1
	Views        int     `json:"views"`
	Watchlists   int     `json:"watchlists"`
	SellerRating float64 `json:"sellerRating"`
}

// DefaultMarketData is the conservative fallback used when no market signals
// are available for an event.
func DefaultMarketData(eventID string) *MarketData {
	return &MarketData{
		EventID:      eventID,
		AveragePrice: 100,
		PriceTrend:   0,
		Views:        0,
		Watchlists:   0,
		SellerRating: 3,
	}
}

// PricingFactor is a named, weighted pure function mapping a ticket and market
// data to a signed adjustment value, roughly in [-1,1].
type PricingFactor struct {
	Name      string
	Weight    float64
	Calculate func(ticket *TicketData, market *MarketData) float64
}

// FactorImpact records one factor's contribution to a suggested price.
type FactorImpact struct {
	Name       string  `json:"name"`
	Impact     float64 `json:"impact"`
	Percentage float64 `json:"percentage"`
}

// PricingResult is the outcome of a price calculation.
type PricingResult struct {
	BasePrice       float64        `json:"basePrice"`
	SuggestedPrice  float64        `json:"suggestedPrice"`
	Confidence      float64        `json:"confidence"` // [0.5, 0.9]
	FactorBreakdown []FactorImpact `json:"factorBreakdown"`
}

// PricePoint is one entry of a ticket's price history.
type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PredictionPoint is one projected price on a future date.
type PredictionPoint struct {
	Price      float64   `json:"price"`
	Date       time.Time `json:"date"`
	Confidence float64   `json:"confidence"`
}

// PricePrediction projects a ticket's price over a horizon.
type PricePrediction struct {
	TicketID     string            `json:"ticketId"`
	CurrentPrice float64           `json:"currentPrice"`
	Points       []PredictionPoint `json:"predictions"`
	Confidence   float64           `json:"confidence"`
}
