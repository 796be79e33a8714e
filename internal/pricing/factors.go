package pricing

import (
	"strconv"
	"strings"
	"time"

	"github.com/ticketmesh/kite/internal/domain"
)

// premiumSections are the section-name keywords that earn a seat quality
// boost.
var premiumSections = []string{"Floor", "VIP", "Box", "Front Row"}

// DefaultFactors returns the built-in pricing factors. Each produces a signed
// value roughly in [-1,1] before weighting; weights need not sum to 1.
//
// Time-to-event distances are computed against now, injected so tests can pin
// the clock.
func DefaultFactors(now func() time.Time) []domain.PricingFactor {
	return []domain.PricingFactor{
		{
			Name:   "Time to Event",
			Weight: 0.30,
			Calculate: func(ticket *domain.TicketData, market *domain.MarketData) float64 {
				daysToEvent := ticket.EventDate.Sub(now()).Hours() / 24
				if daysToEvent < 0 {
					daysToEvent = 0
				}
				switch {
				case daysToEvent < 7:
					return 0.5 // last week premium
				case daysToEvent < 30:
					return 0.2
				default:
					return -0.1 // discount for far-future events
				}
			},
		},
		{
			Name:   "Demand",
			Weight: 0.25,
			Calculate: func(ticket *domain.TicketData, market *domain.MarketData) float64 {
				switch {
				case market.Views > 1000 || market.Watchlists > 100:
					return 0.4
				case market.Views > 500 || market.Watchlists > 50:
					return 0.2
				default:
					return 0
				}
			},
		},
		{
			Name:   "Seat Quality",
			Weight: 0.20,
			Calculate: func(ticket *domain.TicketData, market *domain.MarketData) float64 {
				for _, section := range premiumSections {
					if strings.Contains(ticket.Section, section) {
						return 0.5
					}
				}
				switch row := rowNumber(ticket.Row); {
				case row < 5:
					return 0.3
				case row < 15:
					return 0.1
				default:
					return 0
				}
			},
		},
		{
			Name:   "Market Trend",
			Weight: 0.15,
			Calculate: func(ticket *domain.TicketData, market *domain.MarketData) float64 {
				return market.PriceTrend
			},
		},
		{
			Name:   "Seller Reputation",
			Weight: 0.10,
			Calculate: func(ticket *domain.TicketData, market *domain.MarketData) float64 {
				rating := market.SellerRating
				if rating == 0 {
					rating = 3
				}
				// 5-star = +0.2, 1-star = -0.2
				return (rating - 3) * 0.1
			},
		},
	}
}

// rowNumber extracts the numeric part of a row label; unparseable rows rank
// last.
func rowNumber(row string) int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, row)

	n, err := strconv.Atoi(digits)
	if err != nil {
		return 999
	}
	return n
}
