// Package budget compares actual and projected spend against monthly budgets.
package budget

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/forecast"
)

// Budget defines a monthly spending limit for an account.
type Budget struct {
	Name         string          `json:"name"`
	AccountID    string          `json:"account_id,omitempty"` // empty applies to every account
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	AlertAt      []int           `json:"alert_at"`
	NotifyEmails []string        `json:"notify_emails,omitempty"`
	Source       string          `json:"source"`
}

// Matches reports whether the budget covers accountID.
func (b Budget) Matches(accountID string) bool {
	return b.AccountID == "" || b.AccountID == "*" || b.AccountID == accountID
}

// Source supplies budgets.
type Source interface {
	Name() string
	Budgets(ctx context.Context) ([]Budget, error)
}

// StaticSource serves budgets declared in configuration.
type StaticSource struct {
	budgets []Budget
}

// FromConfig builds a source from the budgets config section.
func FromConfig(budgets []config.Budget) *StaticSource {
	out := make([]Budget, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, Budget{
			Name:         b.Name,
			AccountID:    b.AccountID,
			MonthlyLimit: decimal.NewFromFloat(b.MonthlyLimit),
			AlertAt:      append([]int(nil), b.AlertAt...),
			NotifyEmails: append([]string(nil), b.NotifyEmails...),
			Source:       "config",
		})
	}
	return &StaticSource{budgets: out}
}

// Name returns the source name
func (s *StaticSource) Name() string {
	return "config"
}

// Budgets returns a copy of the configured budgets.
func (s *StaticSource) Budgets(context.Context) ([]Budget, error) {
	return append([]Budget(nil), s.budgets...), nil
}

// Status is the projected standing of a budget.
type Status string

const (
	StatusUnder  Status = "under"
	StatusAtRisk Status = "at_risk"
	StatusOver   Status = "over"
)

// atRiskPct is the share of the limit at which a budget counts as at risk.
var atRiskPct = decimal.NewFromInt(90)

// Evaluation is a budget checked against one month of spend.
type Evaluation struct {
	Budget         Budget          `json:"budget"`
	Month          time.Time       `json:"month"`
	Actual         decimal.Decimal `json:"actual"`
	PercentUsed    decimal.Decimal `json:"percent_used"`
	Projected      decimal.Decimal `json:"projected"`
	ProjectedPct   decimal.Decimal `json:"projected_pct"`
	Status         Status          `json:"status"`
	AlertThreshold int             `json:"alert_threshold,omitempty"` // highest alert_at crossed
	Severity       string          `json:"severity"`
}

// Evaluate compares the month's actual spend and the next forecast month against the budget.
// Without a forecast the projection equals the actual spend.
func Evaluate(b Budget, month time.Time, actual decimal.Decimal, projection []forecast.Point) Evaluation {
	projected := actual
	if len(projection) > 0 {
		projected = projection[0].ForecastValue
	}

	ev := Evaluation{
		Budget:       b,
		Month:        month,
		Actual:       actual.Round(2),
		Projected:    projected.Round(2),
		PercentUsed:  percentOf(actual, b.MonthlyLimit),
		ProjectedPct: percentOf(projected, b.MonthlyLimit),
		Severity:     "info",
	}

	switch {
	case actual.GreaterThanOrEqual(b.MonthlyLimit):
		ev.Status = StatusOver
	case projected.GreaterThanOrEqual(b.MonthlyLimit) || ev.PercentUsed.GreaterThanOrEqual(atRiskPct):
		ev.Status = StatusAtRisk
	default:
		ev.Status = StatusUnder
	}

	// Check each alert threshold
	thresholds := append([]int(nil), b.AlertAt...)
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))
	for _, alertAt := range thresholds {
		if ev.PercentUsed.GreaterThanOrEqual(decimal.NewFromInt(int64(alertAt))) {
			ev.AlertThreshold = alertAt
			ev.Severity = severityFor(alertAt)
			break // Only alert once per budget
		}
	}
	return ev
}

func severityFor(alertAt int) string {
	switch {
	case alertAt >= 90:
		return "high"
	case alertAt >= 75:
		return "medium"
	case alertAt >= 50:
		return "low"
	}
	return "info"
}

func percentOf(v, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.Zero
	}
	return v.Div(limit).Mul(decimal.NewFromInt(100)).Round(2)
}

// Checker resolves the budgets that apply to an account across sources.
type Checker struct {
	sources []Source
	logger  *zap.Logger
}

// NewChecker creates a checker over sources, queried in order.
func NewChecker(logger *zap.Logger, sources ...Source) *Checker {
	return &Checker{sources: sources, logger: logger}
}

// ForAccount returns every budget matching accountID.
func (c *Checker) ForAccount(ctx context.Context, accountID string) ([]Budget, error) {
	var matched []Budget
	for _, src := range c.sources {
		budgets, err := src.Budgets(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load budgets from %s: %w", src.Name(), err)
		}
		for _, b := range budgets {
			if b.Matches(accountID) {
				matched = append(matched, b)
			}
		}
	}
	c.logger.Debug("Resolved budgets",
		zap.String("account", accountID),
		zap.Int("budgets", len(matched)),
	)
	return matched, nil
}
