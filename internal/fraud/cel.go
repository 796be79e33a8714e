package fraud

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/ticketmesh/kite/internal/domain"
)

// celEnv builds the CEL environment custom rules compile against. The
// variable set mirrors what the built-in rules can see.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("has_history", cel.BoolType),
		cel.Variable("account_age_days", cel.DoubleType),
		cel.Variable("previous_transactions", cel.IntType),
		cel.Variable("recent_transactions", cel.IntType),
		cel.Variable("average_amount", cel.DoubleType),
	)
}

// CompileRule compiles an operator-supplied CEL expression into a fraud rule.
// The expression must return bool, int, or double; the result is clamped to
// [0,1] before weighting.
func CompileRule(cfg domain.CustomRuleConfig) (domain.FraudRule, error) {
	if cfg.Name == "" {
		return domain.FraudRule{}, fmt.Errorf("custom rule requires a name")
	}
	if cfg.Weight <= 0 {
		return domain.FraudRule{}, fmt.Errorf("custom rule %q requires a positive weight", cfg.Name)
	}

	env, err := celEnv()
	if err != nil {
		return domain.FraudRule{}, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return domain.FraudRule{}, fmt.Errorf("failed to compile rule %q: %w", cfg.Name, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return domain.FraudRule{}, fmt.Errorf("rule %q: expression must return bool, int, or double, got %s", cfg.Name, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return domain.FraudRule{}, fmt.Errorf("failed to create program for rule %q: %w", cfg.Name, err)
	}

	return domain.FraudRule{
		Name:   cfg.Name,
		Weight: cfg.Weight,
		Evaluate: func(tx *domain.Transaction, fc *domain.FraudContext) float64 {
			out, _, err := program.Eval(activation(tx, fc))
			if err != nil {
				return 0
			}
			return clamp01(toScore(out))
		},
	}, nil
}

// CompileRules compiles all configured custom rules, failing on the first
// invalid expression.
func CompileRules(configs []domain.CustomRuleConfig) ([]domain.FraudRule, error) {
	rules := make([]domain.FraudRule, 0, len(configs))
	for _, cfg := range configs {
		rule, err := CompileRule(cfg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func activation(tx *domain.Transaction, fc *domain.FraudContext) map[string]any {
	act := map[string]any{
		"amount":                tx.Amount,
		"payment_method":        tx.PaymentMethod,
		"ip_address":            tx.IPAddress,
		"device_id":             tx.DeviceID,
		"has_history":           false,
		"account_age_days":      0.0,
		"previous_transactions": int64(0),
		"recent_transactions":   int64(0),
		"average_amount":        0.0,
	}

	if fc != nil && fc.UserHistory != nil {
		h := fc.UserHistory
		act["has_history"] = true
		act["account_age_days"] = h.AccountAgeDays
		act["previous_transactions"] = int64(h.PreviousTransactions)
		act["recent_transactions"] = int64(h.RecentTransactions)
		act["average_amount"] = h.AverageTransactionAmount
	}

	return act
}

func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
