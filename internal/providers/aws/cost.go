// Package aws provides AWS Cost Explorer integration
package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	internalConfig "github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/store"
)

// Cost Explorer metrics requested, in request order, and the record metrics they map to.
var ceMetricNames = []string{"UnblendedCost", "UsageQuantity"}

var ceMetrics = map[string]normalizer.MetricName{
	"UnblendedCost": normalizer.MetricCost,
	"UsageQuantity": normalizer.MetricUsage,
}

func init() {
	store.MustRegister("aws", func(ctx context.Context, cfg *internalConfig.Config, logger *zap.Logger) (store.Store, error) {
		return NewCostProvider(ctx, cfg.Store.AWS, logger)
	})
}

// CostExplorerAPI is the subset of the Cost Explorer client the provider calls.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// CostProvider implements store.Store for AWS
type CostProvider struct {
	client   CostExplorerAPI
	config   internalConfig.AWSConfig
	accounts map[string]bool
	logger   *zap.Logger
}

// NewCostProvider creates a new AWS cost provider
func NewCostProvider(ctx context.Context, cfg internalConfig.AWSConfig, logger *zap.Logger) (*CostProvider, error) {
	// Load AWS configuration
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// If role ARN specified, assume role
	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	return NewWithClient(costexplorer.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewWithClient creates a provider around an existing client.
func NewWithClient(client CostExplorerAPI, cfg internalConfig.AWSConfig, logger *zap.Logger) *CostProvider {
	accounts := make(map[string]bool, len(cfg.AccountIDs))
	for _, id := range cfg.AccountIDs {
		accounts[id] = true
	}
	return &CostProvider{client: client, config: cfg, accounts: accounts, logger: logger}
}

// Name returns the provider name
func (p *CostProvider) Name() string {
	return "aws"
}

// FetchRecords retrieves daily cost and usage for one linked account from Cost Explorer
func (p *CostProvider) FetchRecords(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error) {
	if err := store.CheckRequest(accountID, r, dim); err != nil {
		return nil, err
	}
	if len(p.accounts) > 0 && !p.accounts[accountID] {
		return nil, apperr.NotFound("account %s is not a configured linked account", accountID)
	}

	input := p.buildInput(accountID, r, dim)
	var records []normalizer.MetricRecord

	// Handle pagination manually
	for {
		output, err := p.client.GetCostAndUsage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get cost data: %w", err)
		}
		records = append(records, p.parseResults(output.ResultsByTime, accountID, dim)...)

		// Check for more pages
		if output.NextPageToken == nil {
			break
		}
		input.NextPageToken = output.NextPageToken
	}

	p.logger.Debug("Fetched records from Cost Explorer",
		zap.String("account", accountID),
		zap.String("range", r.String()),
		zap.Int("records", len(records)),
	)
	return store.Finalize(records, r), nil
}

func (p *CostProvider) buildInput(accountID string, r normalizer.DateRange, dim normalizer.Dimension) *costexplorer.GetCostAndUsageInput {
	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(normalizer.FormatDate(r.Start)),
			// End is exclusive in Cost Explorer
			End: aws.String(normalizer.FormatDate(r.End.AddDate(0, 0, 1))),
		},
		Granularity: types.GranularityDaily,
		Metrics:     ceMetricNames,
		Filter: &types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.DimensionLinkedAccount,
				Values: []string{accountID},
			},
		},
	}
	if g, ok := p.groupDefinition(dim); ok {
		input.GroupBy = []types.GroupDefinition{g}
	}
	return input
}

func (p *CostProvider) groupDefinition(dim normalizer.Dimension) (types.GroupDefinition, bool) {
	switch dim {
	case normalizer.DimensionService:
		return types.GroupDefinition{Type: types.GroupDefinitionTypeDimension, Key: aws.String(string(types.DimensionService))}, true
	case normalizer.DimensionRegion:
		return types.GroupDefinition{Type: types.GroupDefinitionTypeDimension, Key: aws.String(string(types.DimensionRegion))}, true
	case normalizer.DimensionAccount:
		return types.GroupDefinition{Type: types.GroupDefinitionTypeDimension, Key: aws.String(string(types.DimensionLinkedAccount))}, true
	case normalizer.DimensionTag:
		return types.GroupDefinition{Type: types.GroupDefinitionTypeTag, Key: aws.String(p.config.TagKey)}, true
	}
	// Cost Explorer has no compliance framework dimension
	return types.GroupDefinition{}, false
}

// parseResults converts AWS response to normalized records
func (p *CostProvider) parseResults(results []types.ResultByTime, accountID string, dim normalizer.Dimension) []normalizer.MetricRecord {
	var records []normalizer.MetricRecord

	for _, result := range results {
		if result.TimePeriod == nil || result.TimePeriod.Start == nil {
			continue
		}
		date, err := normalizer.ParseDate(*result.TimePeriod.Start)
		if err != nil {
			p.logger.Warn("Skipping result with bad period", zap.String("start", *result.TimePeriod.Start))
			continue
		}

		if len(result.Groups) == 0 && len(result.Total) > 0 {
			records = append(records, toRecords(date, normalizer.UntaggedKey, result.Total)...)
			continue
		}
		for _, group := range result.Groups {
			key := normalizer.UntaggedKey
			if len(group.Keys) > 0 {
				key = p.groupKey(group.Keys[0], dim)
			}
			if key == normalizer.UntaggedKey && dim == normalizer.DimensionAccount {
				key = accountID
			}
			records = append(records, toRecords(date, key, group.Metrics)...)
		}
	}

	return records
}

func (p *CostProvider) groupKey(raw string, dim normalizer.Dimension) string {
	switch dim {
	case normalizer.DimensionService:
		return normalizer.NormalizeKey(normalizer.NormalizeService("aws", raw))
	case normalizer.DimensionTag:
		// tag group keys arrive as "key$value"
		_, value, _ := strings.Cut(raw, "$")
		return normalizer.NormalizeKey(value)
	}
	return normalizer.NormalizeKey(raw)
}

func toRecords(date time.Time, key string, metrics map[string]types.MetricValue) []normalizer.MetricRecord {
	records := make([]normalizer.MetricRecord, 0, len(ceMetrics))
	for _, name := range ceMetricNames {
		mv, ok := metrics[name]
		if !ok || mv.Amount == nil {
			continue
		}
		value, err := decimal.NewFromString(*mv.Amount)
		if err != nil {
			continue
		}
		records = append(records, normalizer.MetricRecord{
			Timestamp:    date,
			DimensionKey: key,
			Metric:       ceMetrics[name],
			Value:        value,
		})
	}
	return records
}
