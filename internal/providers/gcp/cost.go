// Package gcp provides GCP Cloud Billing budget integration
package gcp

import (
	"context"
	"fmt"
	"math"
	"strings"

	billing "cloud.google.com/go/billing/budgets/apiv1"
	"cloud.google.com/go/billing/budgets/apiv1/budgetspb"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lvonguyen/finops-analytics/internal/budget"
	"github.com/lvonguyen/finops-analytics/internal/config"
)

// BudgetLister lists the budgets of a billing account.
type BudgetLister interface {
	List(ctx context.Context, parent string) ([]*budgetspb.Budget, error)
	Close() error
}

type clientLister struct {
	client *billing.BudgetClient
}

func (l *clientLister) List(ctx context.Context, parent string) ([]*budgetspb.Budget, error) {
	var out []*budgetspb.Budget
	it := l.client.ListBudgets(ctx, &budgetspb.ListBudgetsRequest{Parent: parent})
	for {
		b, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list budgets: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (l *clientLister) Close() error {
	return l.client.Close()
}

// BudgetSource implements budget.Source for GCP
type BudgetSource struct {
	lister BudgetLister
	config config.GCPConfig
	logger *zap.Logger
}

// NewBudgetSource creates a new GCP budget source
func NewBudgetSource(ctx context.Context, cfg config.GCPConfig, logger *zap.Logger) (*BudgetSource, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("GCP provider is disabled")
	}

	var opts []option.ClientOption

	// Use Workload Identity Federation if configured
	if cfg.WIFConfigPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.WIFConfigPath))
	}

	budgetClient, err := billing.NewBudgetClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget client: %w", err)
	}

	return NewWithLister(&clientLister{client: budgetClient}, cfg, logger), nil
}

// NewWithLister creates a source around an existing lister.
func NewWithLister(lister BudgetLister, cfg config.GCPConfig, logger *zap.Logger) *BudgetSource {
	return &BudgetSource{lister: lister, config: cfg, logger: logger}
}

// Name returns the provider name
func (s *BudgetSource) Name() string {
	return "gcp"
}

// Budgets retrieves budgets from the billing account. A budget scoped to projects
// yields one entry per project; an unscoped budget applies to every account.
func (s *BudgetSource) Budgets(ctx context.Context) ([]budget.Budget, error) {
	parent := fmt.Sprintf("billingAccounts/%s", s.config.BillingAccount)
	listed, err := s.lister.List(ctx, parent)
	if err != nil {
		return nil, err
	}

	out := make([]budget.Budget, 0, len(listed))
	for _, b := range listed {
		amount := b.GetAmount().GetSpecifiedAmount()
		if amount == nil {
			s.logger.Debug("Skipping budget without a specified amount", zap.String("budget", b.GetDisplayName()))
			continue
		}
		limit := decimal.NewFromInt(amount.GetUnits()).Add(decimal.New(int64(amount.GetNanos()), -9))

		var alertAt []int
		for _, rule := range b.GetThresholdRules() {
			alertAt = append(alertAt, int(math.Round(rule.GetThresholdPercent()*100)))
		}

		base := budget.Budget{
			Name:         b.GetDisplayName(),
			MonthlyLimit: limit,
			AlertAt:      alertAt,
			Source:       "gcp",
		}
		projects := b.GetBudgetFilter().GetProjects()
		if len(projects) == 0 {
			out = append(out, base)
			continue
		}
		for _, p := range projects {
			scoped := base
			scoped.AccountID = strings.TrimPrefix(p, "projects/")
			out = append(out, scoped)
		}
	}

	s.logger.Debug("Listed GCP budgets",
		zap.String("billing_account", s.config.BillingAccount),
		zap.Int("budgets", len(out)),
	)
	return out, nil
}

// Close closes the GCP clients
func (s *BudgetSource) Close() error {
	return s.lister.Close()
}
