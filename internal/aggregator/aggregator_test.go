package aggregator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func rec(t time.Time, key string, metric normalizer.MetricName, v string) normalizer.MetricRecord {
	return normalizer.MetricRecord{Timestamp: t, DimensionKey: key, Metric: metric, Value: decimal.RequireFromString(v)}
}

func TestGranularityFor(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  Granularity
	}{
		{"single day", day(2024, 1, 1), day(2024, 1, 1), GranularityDay},
		{"exactly 90 days", day(2024, 1, 1), day(2024, 3, 30), GranularityDay},
		{"91 days", day(2024, 1, 1), day(2024, 3, 31), GranularityMonth},
		{"a year", day(2023, 1, 1), day(2023, 12, 31), GranularityMonth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GranularityFor(normalizer.NewDateRange(tt.start, tt.end)))
		})
	}
}

func TestAggregateSumsAndAverages(t *testing.T) {
	records := []normalizer.MetricRecord{
		rec(day(2024, 1, 5), "Compute", normalizer.MetricCost, "100.10"),
		rec(day(2024, 1, 20), "Compute", normalizer.MetricCost, "50.05"),
		rec(day(2024, 2, 1), "Compute", normalizer.MetricCost, "10"),
		rec(day(2024, 1, 3), "SOC2", normalizer.MetricComplianceScore, "90"),
		rec(day(2024, 1, 9), "SOC2", normalizer.MetricComplianceScore, "80"),
	}

	series := Aggregate(records, GranularityMonth, normalizer.DimensionService)
	require.Len(t, series, 2)

	compute := series[0]
	assert.Equal(t, "Compute", compute.DimensionKey)
	assert.Equal(t, GranularityMonth, compute.Granularity)
	require.Len(t, compute.Points, 2)
	assert.Equal(t, day(2024, 1, 1), compute.Points[0].BucketStart)
	assert.True(t, compute.Points[0].Value.Equal(decimal.RequireFromString("150.15")))
	assert.True(t, compute.Total().Equal(decimal.RequireFromString("160.15")))

	soc2 := series[1]
	require.Len(t, soc2.Points, 1)
	assert.True(t, soc2.Points[0].Value.Equal(decimal.NewFromInt(85)))
}

func TestAggregateIsSparseAndOrdered(t *testing.T) {
	records := []normalizer.MetricRecord{
		rec(day(2024, 1, 10), "b", normalizer.MetricCost, "1"),
		rec(day(2024, 1, 1), "b", normalizer.MetricCost, "1"),
		rec(day(2024, 1, 5), "a", normalizer.MetricUsage, "1"),
		rec(day(2024, 1, 5), "a", normalizer.MetricCost, "1"),
	}

	series := Aggregate(records, GranularityDay, normalizer.DimensionRegion)
	require.Len(t, series, 3)
	assert.Equal(t, "a", series[0].DimensionKey)
	assert.Equal(t, normalizer.MetricCost, series[0].Metric)
	assert.Equal(t, normalizer.MetricUsage, series[1].Metric)
	assert.Equal(t, "b", series[2].DimensionKey)
	require.Len(t, series[2].Points, 2)
	assert.Equal(t, day(2024, 1, 1), series[2].Points[0].BucketStart)
	assert.Equal(t, day(2024, 1, 10), series[2].Points[1].BucketStart)
}

func TestAggregateIdempotent(t *testing.T) {
	records := []normalizer.MetricRecord{
		rec(day(2024, 3, 2), "x", normalizer.MetricAPICalls, "7"),
		rec(day(2024, 3, 1), "y", normalizer.MetricViolations, "2"),
		rec(day(2024, 3, 2), "x", normalizer.MetricAPICalls, "3"),
		rec(day(2024, 3, 4), "y", normalizer.MetricSecurityFindings, "1"),
	}

	first := Aggregate(records, GranularityDay, normalizer.DimensionService)
	second := Aggregate(records, GranularityDay, normalizer.DimensionService)
	assert.Equal(t, first, second)
}

func TestAggregateEmpty(t *testing.T) {
	series := Aggregate(nil, GranularityDay, normalizer.DimensionService)
	assert.NotNil(t, series)
	assert.Empty(t, series)
}

func TestRollup(t *testing.T) {
	daily := Aggregate([]normalizer.MetricRecord{
		rec(day(2024, 1, 1), "k", normalizer.MetricCost, "10"),
		rec(day(2024, 1, 2), "k", normalizer.MetricCost, "20"),
		rec(day(2024, 2, 1), "k", normalizer.MetricCost, "5"),
	}, GranularityDay, normalizer.DimensionService)[0]

	monthly := Rollup(daily, GranularityMonth)
	assert.Equal(t, GranularityMonth, monthly.Granularity)
	require.Len(t, monthly.Points, 2)
	assert.True(t, monthly.Points[0].Value.Equal(decimal.NewFromInt(30)))
	assert.True(t, monthly.Points[1].Value.Equal(decimal.NewFromInt(5)))

	assert.Equal(t, monthly, Rollup(monthly, GranularityMonth))
}

func TestCombine(t *testing.T) {
	series := Aggregate([]normalizer.MetricRecord{
		rec(day(2024, 1, 1), "a", normalizer.MetricCost, "10"),
		rec(day(2024, 1, 1), "b", normalizer.MetricCost, "15"),
		rec(day(2024, 1, 2), "b", normalizer.MetricCost, "1"),
		rec(day(2024, 1, 1), "a", normalizer.MetricComplianceScore, "70"),
		rec(day(2024, 1, 1), "b", normalizer.MetricComplianceScore, "90"),
	}, GranularityDay, normalizer.DimensionFramework)

	combined := Combine("ALL", series...)
	require.Len(t, combined, 2)

	cost := combined[1]
	assert.Equal(t, normalizer.MetricCost, cost.Metric)
	assert.Equal(t, "ALL", cost.DimensionKey)
	require.Len(t, cost.Points, 2)
	assert.True(t, cost.Points[0].Value.Equal(decimal.NewFromInt(25)))

	score := combined[0]
	assert.Equal(t, normalizer.MetricComplianceScore, score.Metric)
	assert.True(t, score.Points[0].Value.Equal(decimal.NewFromInt(80)))

	assert.Nil(t, Combine("ALL"))
}

func TestZeroFill(t *testing.T) {
	s := Aggregate([]normalizer.MetricRecord{
		rec(day(2024, 1, 2), "k", normalizer.MetricCost, "4"),
	}, GranularityDay, normalizer.DimensionService)[0]

	dense := ZeroFill(s, normalizer.NewDateRange(day(2024, 1, 1), day(2024, 1, 4)))
	require.Len(t, dense.Points, 4)
	assert.True(t, dense.Points[0].Value.IsZero())
	assert.True(t, dense.Points[1].Value.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, day(2024, 1, 4), dense.Points[3].BucketStart)

	assert.Len(t, s.Points, 1)
}

func TestTopKeys(t *testing.T) {
	series := Aggregate([]normalizer.MetricRecord{
		rec(day(2024, 1, 1), "small", normalizer.MetricCost, "1"),
		rec(day(2024, 1, 1), "big", normalizer.MetricCost, "100"),
		rec(day(2024, 1, 1), "mid-a", normalizer.MetricCost, "10"),
		rec(day(2024, 1, 1), "mid-b", normalizer.MetricCost, "10"),
		rec(day(2024, 1, 1), "big", normalizer.MetricUsage, "1000"),
	}, GranularityDay, normalizer.DimensionService)

	top := TopKeys(series, normalizer.MetricCost, 3)
	require.Len(t, top, 3)
	assert.Equal(t, "big", top[0].DimensionKey)
	assert.Equal(t, "mid-a", top[1].DimensionKey)
	assert.Equal(t, "mid-b", top[2].DimensionKey)

	assert.Len(t, TopKeys(series, normalizer.MetricCost, -1), 4)
	assert.Len(t, Select(series, normalizer.MetricUsage), 1)
}

func TestMonthCoverage(t *testing.T) {
	r := normalizer.NewDateRange(day(2024, 1, 20), day(2024, 4, 10))
	tests := []struct {
		month   time.Time
		covered int
		days    int
	}{
		{day(2024, 1, 1), 12, 31},
		{day(2024, 2, 1), 29, 29},
		{day(2024, 3, 1), 31, 31},
		{day(2024, 4, 1), 10, 30},
		{day(2024, 5, 1), 0, 31},
	}
	for _, tt := range tests {
		t.Run(tt.month.Format("2006-01"), func(t *testing.T) {
			covered, days := MonthCoverage(r, tt.month)
			assert.Equal(t, tt.covered, covered)
			assert.Equal(t, tt.days, days)
		})
	}
}

func TestFullMonths(t *testing.T) {
	r := normalizer.NewDateRange(day(2024, 1, 20), day(2024, 4, 10))
	var records []normalizer.MetricRecord
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		records = append(records, rec(d, "Compute", normalizer.MetricCost, "100"))
	}
	daily := Aggregate(records, GranularityDay, normalizer.DimensionService)
	require.Len(t, daily, 1)

	monthly := FullMonths(daily[0], r)
	assert.Equal(t, GranularityMonth, monthly.Granularity)
	require.Len(t, monthly.Points, 4)
	for i, want := range []string{"3100", "2900", "3100", "3000"} {
		assert.True(t, monthly.Points[i].Value.Equal(decimal.RequireFromString(want)),
			"%s: got %s", monthly.Points[i].BucketStart.Format("2006-01"), monthly.Points[i].Value)
	}

	plain := FullMonths(daily[0], normalizer.DateRange{})
	assert.True(t, plain.Points[0].Value.Equal(decimal.NewFromInt(1200)))
}

func TestFullMonthsKeepsAveragedMetrics(t *testing.T) {
	r := normalizer.NewDateRange(day(2024, 1, 20), day(2024, 2, 29))
	s := Series{
		Metric:      normalizer.MetricComplianceScore,
		Granularity: GranularityMonth,
		Points: []Point{
			{BucketStart: day(2024, 1, 1), Value: decimal.NewFromInt(80)},
			{BucketStart: day(2024, 2, 1), Value: decimal.NewFromInt(90)},
		},
	}
	out := FullMonths(s, r)
	assert.True(t, out.Points[0].Value.Equal(decimal.NewFromInt(80)))
}

func TestCompleteMonths(t *testing.T) {
	r := normalizer.NewDateRange(day(2024, 1, 20), day(2024, 4, 10))
	s := Series{
		Metric:      normalizer.MetricCost,
		Granularity: GranularityMonth,
		Points: []Point{
			{BucketStart: day(2024, 1, 1), Value: decimal.NewFromInt(1200)},
			{BucketStart: day(2024, 2, 1), Value: decimal.NewFromInt(2900)},
			{BucketStart: day(2024, 3, 1), Value: decimal.NewFromInt(3100)},
			{BucketStart: day(2024, 4, 1), Value: decimal.NewFromInt(1000)},
		},
	}
	out := CompleteMonths(s, r)
	require.Len(t, out.Points, 2)
	assert.Equal(t, day(2024, 2, 1), out.Points[0].BucketStart)
	assert.Equal(t, day(2024, 3, 1), out.Points[1].BucketStart)
	assert.Len(t, s.Points, 4)

	s.Granularity = GranularityDay
	assert.Len(t, CompleteMonths(s, r).Points, 4)
}
