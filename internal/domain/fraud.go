package domain

import (
	"time"
)

// Transaction is the fraud evaluation subject. Created once from an inbound
// payment.completed event and never mutated.
type Transaction struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	TicketID      string         `json:"ticketId"`
	Amount        float64        `json:"amount"`
	PaymentMethod string         `json:"paymentMethod"`
	Timestamp     time.Time      `json:"timestamp"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	DeviceID      string         `json:"deviceId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// UserHistory is the per-user context fetched for fraud evaluation.
type UserHistory struct {
	UserID                   string    `json:"userId"`
	AccountAgeDays           float64   `json:"accountAgeDays"`
	PreviousTransactions     int       `json:"previousTransactions"`
	AverageTransactionAmount float64   `json:"averageTransactionAmount"`
	RecentTransactions       int       `json:"recentTransactions"`
	LastLoginAt              time.Time `json:"lastLoginAt,omitempty"`
	LastLoginIPAddress       string    `json:"lastLoginIpAddress,omitempty"`
	LastLoginDeviceID        string    `json:"lastLoginDeviceId,omitempty"`
}

// FraudContext carries the facts available to fraud rules. Every field is
// optional; rules must produce a defined, conservative score when data is
// absent.
type FraudContext struct {
	UserHistory *UserHistory `json:"userHistory,omitempty"`
	Ticket      *TicketData  `json:"ticketData,omitempty"`
	Market      *MarketData  `json:"marketData,omitempty"`
}

// FraudRule is a named, weighted pure function mapping a transaction and its
// context to a score in [0,1]. Immutable once registered.
type FraudRule struct {
	Name     string
	Weight   float64
	Evaluate func(tx *Transaction, fc *FraudContext) float64
}

// RiskLevel classifies an aggregated fraud score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RuleResult is the per-rule contribution to a fraud evaluation.
type RuleResult struct {
	RuleName      string  `json:"ruleName"`
	Score         float64 `json:"score"`
	WeightedScore float64 `json:"weightedScore"`
}

// FraudResult is the aggregated outcome of a fraud evaluation. It is derived
// data: the engine hands it to callers and the state sink, it keeps nothing.
type FraudResult struct {
	TransactionID  string       `json:"transactionId"`
	Score          float64      `json:"score"` // 0-100
	RiskLevel      RiskLevel    `json:"riskLevel"`
	Approved       bool         `json:"approved"`
	ReviewRequired bool         `json:"reviewRequired"`
	RuleResults    []RuleResult `json:"ruleResults"`
}
