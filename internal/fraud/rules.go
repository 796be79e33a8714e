package fraud

import (
	"github.com/ticketmesh/kite/internal/domain"
)

// DefaultRules returns the built-in fraud rules. Each produces a score in
// [0,1] before weighting and tolerates absent context.
func DefaultRules() []domain.FraudRule {
	return []domain.FraudRule{
		{
			Name:   "New User",
			Weight: 0.15,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				if fc.UserHistory == nil {
					return 1.0 // unknown user, treat as brand new
				}
				switch age := fc.UserHistory.AccountAgeDays; {
				case age < 1:
					return 1.0
				case age < 7:
					return 0.7
				case age < 30:
					return 0.3
				default:
					return 0.0
				}
			},
		},
		{
			Name:   "Transaction Amount",
			Weight: 0.20,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				switch amount := tx.Amount; {
				case amount > 5000:
					return 0.9
				case amount > 2000:
					return 0.6
				case amount > 1000:
					return 0.3
				default:
					return 0.0
				}
			},
		},
		{
			Name:   "Transaction Velocity",
			Weight: 0.25,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				if fc.UserHistory == nil {
					return 0.5 // no history, moderate risk
				}
				switch recent := fc.UserHistory.RecentTransactions; {
				case recent > 10:
					return 0.9
				case recent > 5:
					return 0.5
				default:
					return 0.0
				}
			},
		},
		{
			Name:   "IP Address Change",
			Weight: 0.15,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				if fc.UserHistory == nil || fc.UserHistory.LastLoginIPAddress == "" || tx.IPAddress == "" {
					return 0.3 // missing data, slight risk
				}
				if fc.UserHistory.LastLoginIPAddress != tx.IPAddress {
					return 0.7
				}
				return 0.0
			},
		},
		{
			Name:   "Device Change",
			Weight: 0.15,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				if fc.UserHistory == nil || fc.UserHistory.LastLoginDeviceID == "" || tx.DeviceID == "" {
					return 0.3
				}
				if fc.UserHistory.LastLoginDeviceID != tx.DeviceID {
					return 0.7
				}
				return 0.0
			},
		},
		{
			Name:   "Payment Method Risk",
			Weight: 0.10,
			Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
				switch tx.PaymentMethod {
				case "credit_card":
					return 0.3
				case "paypal":
					return 0.2
				case "bank_transfer":
					return 0.1
				case "crypto":
					return 0.8
				default:
					return 0.5
				}
			},
		},
	}
}
