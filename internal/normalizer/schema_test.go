package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
)

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("APICALLS")
	require.NoError(t, err)
	assert.Equal(t, MetricAPICalls, m)

	_, err = ParseMetric("latency")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestParseDimension(t *testing.T) {
	d, err := ParseDimension("Region")
	require.NoError(t, err)
	assert.Equal(t, DimensionRegion, d)

	_, err = ParseDimension("team")
	assert.Error(t, err)
}

func TestDateRangeValidate(t *testing.T) {
	_, err := ParseDateRange("2024-03-01", "2024-01-01")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRange))

	r, err := ParseDateRange("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, 31, r.Days())
	assert.True(t, r.Contains(time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))

	_, err = ParseDateRange("2024-13-01", "2024-12-01")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidRange))
}

func TestDateRangeJSON(t *testing.T) {
	r := NewDateRange(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"2024-01-01","end":"2024-06-30"}`, string(data))

	var back DateRange
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r, back)
}

func TestMonthsBetween(t *testing.T) {
	a := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, MonthsBetween(a, b))
	assert.Equal(t, -3, MonthsBetween(b, a))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "1234.50", FormatValue(MetricCost, decimal.RequireFromString("1234.5")))
	assert.Equal(t, "87.33", FormatValue(MetricComplianceScore, decimal.RequireFromString("87.3333")))
	assert.Equal(t, "12", FormatValue(MetricViolations, decimal.NewFromInt(12)))
}

func TestNormalizeService(t *testing.T) {
	assert.Equal(t, "Compute", NormalizeService("aws", "Amazon Elastic Compute Cloud - Compute"))
	assert.Equal(t, "Custom Thing", NormalizeService("aws", "Custom Thing"))
	assert.Equal(t, UntaggedKey, NormalizeKey("  "))
}
