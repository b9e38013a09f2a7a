package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	internalConfig "github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

type fakeCE struct {
	pages  []*costexplorer.GetCostAndUsageOutput
	inputs []costexplorer.GetCostAndUsageInput
	err    error
}

func (f *fakeCE) GetCostAndUsage(_ context.Context, in *costexplorer.GetCostAndUsageInput, _ ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	f.inputs = append(f.inputs, *in)
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func metric(amount string) types.MetricValue {
	return types.MetricValue{Amount: aws.String(amount), Unit: aws.String("USD")}
}

func result(start string, groups ...types.Group) types.ResultByTime {
	return types.ResultByTime{TimePeriod: &types.DateInterval{Start: aws.String(start)}, Groups: groups}
}

func janRange() normalizer.DateRange {
	return normalizer.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
}

func TestFetchRecordsPaginatesAndNormalizes(t *testing.T) {
	ce := &fakeCE{pages: []*costexplorer.GetCostAndUsageOutput{
		{
			ResultsByTime: []types.ResultByTime{result("2024-01-02", types.Group{
				Keys:    []string{"Amazon Elastic Compute Cloud - Compute"},
				Metrics: map[string]types.MetricValue{"UnblendedCost": metric("12.34"), "UsageQuantity": metric("5")},
			})},
			NextPageToken: aws.String("page-2"),
		},
		{
			ResultsByTime: []types.ResultByTime{result("2024-01-01", types.Group{
				Keys:    []string{"AWS Lambda"},
				Metrics: map[string]types.MetricValue{"UnblendedCost": metric("1.5")},
			})},
		},
	}}
	p := NewWithClient(ce, internalConfig.AWSConfig{TagKey: "cost_center"}, zaptest.NewLogger(t))

	records, err := p.FetchRecords(context.Background(), "111122223333", janRange(), normalizer.DimensionService)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "Serverless", records[0].DimensionKey)
	assert.True(t, records[0].Value.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, "Compute", records[1].DimensionKey)
	assert.Equal(t, normalizer.MetricCost, records[1].Metric)
	assert.Equal(t, normalizer.MetricUsage, records[2].Metric)

	require.Len(t, ce.inputs, 2)
	assert.Equal(t, "2024-01-01", *ce.inputs[0].TimePeriod.Start)
	assert.Equal(t, "2024-02-01", *ce.inputs[0].TimePeriod.End)
	assert.Equal(t, []string{"111122223333"}, ce.inputs[0].Filter.Dimensions.Values)
	assert.Equal(t, "page-2", *ce.inputs[1].NextPageToken)
}

func TestFetchRecordsTagDimension(t *testing.T) {
	ce := &fakeCE{pages: []*costexplorer.GetCostAndUsageOutput{{
		ResultsByTime: []types.ResultByTime{result("2024-01-02",
			types.Group{Keys: []string{"cost_center$platform"}, Metrics: map[string]types.MetricValue{"UnblendedCost": metric("10")}},
			types.Group{Keys: []string{"cost_center$"}, Metrics: map[string]types.MetricValue{"UnblendedCost": metric("4")}},
		)},
	}}}
	p := NewWithClient(ce, internalConfig.AWSConfig{TagKey: "cost_center"}, zaptest.NewLogger(t))

	records, err := p.FetchRecords(context.Background(), "111122223333", janRange(), normalizer.DimensionTag)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, normalizer.UntaggedKey, records[0].DimensionKey)
	assert.Equal(t, "platform", records[1].DimensionKey)

	require.Len(t, ce.inputs[0].GroupBy, 1)
	assert.Equal(t, types.GroupDefinitionTypeTag, ce.inputs[0].GroupBy[0].Type)
	assert.Equal(t, "cost_center", *ce.inputs[0].GroupBy[0].Key)
}

func TestFetchRecordsFrameworkUsesTotals(t *testing.T) {
	ce := &fakeCE{pages: []*costexplorer.GetCostAndUsageOutput{{
		ResultsByTime: []types.ResultByTime{{
			TimePeriod: &types.DateInterval{Start: aws.String("2024-01-05")},
			Total:      map[string]types.MetricValue{"UnblendedCost": metric("99.99")},
		}},
	}}}
	p := NewWithClient(ce, internalConfig.AWSConfig{}, zaptest.NewLogger(t))

	records, err := p.FetchRecords(context.Background(), "111122223333", janRange(), normalizer.DimensionFramework)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, normalizer.UntaggedKey, records[0].DimensionKey)
	assert.Empty(t, ce.inputs[0].GroupBy)
}

func TestFetchRecordsUnknownAccount(t *testing.T) {
	ce := &fakeCE{}
	p := NewWithClient(ce, internalConfig.AWSConfig{AccountIDs: []string{"111122223333"}}, zaptest.NewLogger(t))

	_, err := p.FetchRecords(context.Background(), "999999999999", janRange(), normalizer.DimensionService)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	assert.Empty(t, ce.inputs)
}

func TestFetchRecordsAPIError(t *testing.T) {
	boom := errors.New("throttled")
	p := NewWithClient(&fakeCE{err: boom}, internalConfig.AWSConfig{}, zaptest.NewLogger(t))

	_, err := p.FetchRecords(context.Background(), "111122223333", janRange(), normalizer.DimensionService)
	assert.ErrorIs(t, err, boom)
}
