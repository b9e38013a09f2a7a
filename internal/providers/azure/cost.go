// Package azure provides Azure Cost Management integration
package azure

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/store"
)

func init() {
	store.MustRegister("azure", func(_ context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
		return NewCostProvider(cfg.Store.Azure, logger)
	})
}

// UsageAPI is the subset of the Cost Management query client the provider calls.
type UsageAPI interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition, options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

// CostProvider implements store.Store for Azure
type CostProvider struct {
	client        UsageAPI
	config        config.AzureConfig
	subscriptions map[string]bool
	logger        *zap.Logger
}

// NewCostProvider creates a new Azure cost provider
func NewCostProvider(cfg config.AzureConfig, logger *zap.Logger) (*CostProvider, error) {
	var cred *azidentity.DefaultAzureCredential
	var err error

	if cfg.UseMSI {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID: cfg.TenantID,
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	client, err := armcostmanagement.NewQueryClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost management client: %w", err)
	}

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient creates a provider around an existing query client.
func NewWithClient(client UsageAPI, cfg config.AzureConfig, logger *zap.Logger) *CostProvider {
	subs := make(map[string]bool, len(cfg.SubscriptionIDs))
	for _, id := range cfg.SubscriptionIDs {
		subs[strings.ToLower(id)] = true
	}
	return &CostProvider{client: client, config: cfg, subscriptions: subs, logger: logger}
}

// Name returns the provider name
func (p *CostProvider) Name() string {
	return "azure"
}

// FetchRecords retrieves daily cost and usage for one subscription from Azure Cost Management
func (p *CostProvider) FetchRecords(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error) {
	if err := store.CheckRequest(accountID, r, dim); err != nil {
		return nil, err
	}
	if len(p.subscriptions) > 0 && !p.subscriptions[strings.ToLower(accountID)] {
		return nil, apperr.NotFound("subscription %s is not configured", accountID)
	}

	scope := fmt.Sprintf("/subscriptions/%s", accountID)
	result, err := p.client.Usage(ctx, scope, p.buildQuery(r, dim), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query costs for %s: %w", accountID, err)
	}
	if result.Properties == nil {
		return []normalizer.MetricRecord{}, nil
	}

	records := p.parseRows(result.Properties.Columns, result.Properties.Rows, accountID, dim)
	p.logger.Debug("Fetched records from Cost Management",
		zap.String("subscription", accountID),
		zap.String("range", r.String()),
		zap.Int("rows", len(result.Properties.Rows)),
		zap.Int("records", len(records)),
	)
	return store.Finalize(records, r), nil
}

func (p *CostProvider) buildQuery(r normalizer.DateRange, dim normalizer.Dimension) armcostmanagement.QueryDefinition {
	granularity := armcostmanagement.GranularityType("Daily")
	from, to := normalizer.Day(r.Start), normalizer.Day(r.End)

	dataset := &armcostmanagement.QueryDataset{
		Granularity: &granularity,
		Aggregation: map[string]*armcostmanagement.QueryAggregation{
			"totalCost": {
				Name:     toPtr("Cost"),
				Function: toPtr(armcostmanagement.FunctionTypeSum),
			},
			"totalQuantity": {
				Name:     toPtr("UsageQuantity"),
				Function: toPtr(armcostmanagement.FunctionTypeSum),
			},
		},
	}
	if g := p.grouping(dim); g != nil {
		dataset.Grouping = []*armcostmanagement.QueryGrouping{g}
	}

	return armcostmanagement.QueryDefinition{
		Type:      toPtr(armcostmanagement.ExportTypeActualCost),
		Timeframe: toPtr(armcostmanagement.TimeframeTypeCustom),
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &from,
			To:   &to,
		},
		Dataset: dataset,
	}
}

func (p *CostProvider) grouping(dim normalizer.Dimension) *armcostmanagement.QueryGrouping {
	dimension := func(name string) *armcostmanagement.QueryGrouping {
		return &armcostmanagement.QueryGrouping{
			Type: toPtr(armcostmanagement.QueryColumnTypeDimension),
			Name: toPtr(name),
		}
	}
	switch dim {
	case normalizer.DimensionService:
		return dimension("ServiceName")
	case normalizer.DimensionRegion:
		return dimension("ResourceLocation")
	case normalizer.DimensionAccount:
		return dimension("ResourceGroupName")
	case normalizer.DimensionTag:
		return &armcostmanagement.QueryGrouping{
			Type: toPtr(armcostmanagement.QueryColumnType("Tag")),
			Name: toPtr(p.config.TagKey),
		}
	}
	return nil
}

// groupColumns lists, per dimension, the result columns that may carry its key.
var groupColumns = map[normalizer.Dimension][]string{
	normalizer.DimensionService: {"ServiceName"},
	normalizer.DimensionRegion:  {"ResourceLocation"},
	normalizer.DimensionAccount: {"ResourceGroupName"},
	normalizer.DimensionTag:     {"TagValue"},
}

// parseRows locates columns by name since their order follows the query, not a fixed layout.
func (p *CostProvider) parseRows(columns []*armcostmanagement.QueryColumn, rows [][]any, accountID string, dim normalizer.Dimension) []normalizer.MetricRecord {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if c != nil && c.Name != nil {
			index[strings.ToLower(*c.Name)] = i
		}
	}
	find := func(names ...string) int {
		for _, n := range names {
			if i, ok := index[strings.ToLower(n)]; ok {
				return i
			}
		}
		return -1
	}

	costCol := find("totalCost", "Cost", "PreTaxCost")
	usageCol := find("totalQuantity", "UsageQuantity")
	dateCol := find("UsageDate")
	keyCol := find(groupColumns[dim]...)
	if dateCol < 0 {
		p.logger.Warn("Cost Management result has no UsageDate column")
		return nil
	}

	records := make([]normalizer.MetricRecord, 0, len(rows)*2)
	for _, row := range rows {
		date, ok := parseUsageDate(cell(row, dateCol))
		if !ok {
			continue
		}
		key := normalizer.UntaggedKey
		if s, ok := cell(row, keyCol).(string); ok {
			key = normalizer.NormalizeKey(s)
		}
		switch {
		case dim == normalizer.DimensionService && key != normalizer.UntaggedKey:
			key = normalizer.NormalizeService("azure", key)
		case dim == normalizer.DimensionAccount && key == normalizer.UntaggedKey:
			key = accountID
		}

		if v, ok := toDecimal(cell(row, costCol)); ok {
			records = append(records, normalizer.MetricRecord{Timestamp: date, DimensionKey: key, Metric: normalizer.MetricCost, Value: v})
		}
		if v, ok := toDecimal(cell(row, usageCol)); ok {
			records = append(records, normalizer.MetricRecord{Timestamp: date, DimensionKey: key, Metric: normalizer.MetricUsage, Value: v})
		}
	}
	return records
}

func cell(row []any, i int) any {
	if i < 0 || i >= len(row) {
		return nil
	}
	return row[i]
}

// parseUsageDate accepts the numeric yyyymmdd form the API returns, as a number or string.
func parseUsageDate(v any) (time.Time, bool) {
	var s string
	switch d := v.(type) {
	case float64:
		s = strconv.FormatFloat(d, 'f', 0, 64)
	case int64:
		s = strconv.FormatInt(d, 10)
	case int:
		s = strconv.Itoa(d)
	case string:
		s = d
	default:
		return time.Time{}, false
	}
	if t, err := time.Parse("20060102", s); err == nil {
		return t.UTC(), true
	}
	t, err := normalizer.ParseDate(s)
	return t, err == nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func toPtr[T any](v T) *T {
	return &v
}
