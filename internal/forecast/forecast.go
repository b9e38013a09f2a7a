// Package forecast projects monthly metric series with confidence intervals.
//
// The model fits a robust trend line to the monthly history and extrapolates it.
// Interval half-widths are z * sigma * sqrt(h), where sigma is the larger of the
// in-sample residual spread and a floor proportional to the forecast value, and h is
// the number of months ahead.
package forecast

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-analytics/internal/aggregator"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// Horizon and history bounds.
const (
	MinHorizon = 1
	MaxHorizon = 24
	MinPoints  = 2
)

// Confidence selects the nominal interval coverage.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// two-sided normal quantiles for 65%, 80% and 95% coverage
var confidenceZ = map[Confidence]float64{
	ConfidenceLow:    0.9346,
	ConfidenceMedium: 1.2816,
	ConfidenceHigh:   1.9600,
}

var confidencePct = map[Confidence]int{
	ConfidenceLow:    65,
	ConfidenceMedium: 80,
	ConfidenceHigh:   95,
}

// ParseConfidence validates a confidence level. Blank defaults to medium.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return ConfidenceMedium, nil
	}
	if _, ok := confidenceZ[c]; !ok {
		return "", apperr.InvalidArgument("unknown confidence level %q (want low, medium or high)", s)
	}
	return c, nil
}

// Pct returns the nominal coverage in percent.
func (c Confidence) Pct() int {
	return confidencePct[c]
}

// Trend is the classified direction of the fitted line.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Point is one projected month.
type Point struct {
	Month                   time.Time       `json:"month"`
	ForecastValue           decimal.Decimal `json:"forecast_value"`
	LowerBound              decimal.Decimal `json:"lower_bound"`
	UpperBound              decimal.Decimal `json:"upper_bound"`
	MonthOverMonthChangePct decimal.Decimal `json:"month_over_month_change_pct"`
}

// Result is a forecast with its fit diagnostics.
type Result struct {
	DimensionKey  string                `json:"dimension_key"`
	Metric        normalizer.MetricName `json:"metric"`
	Points        []Point               `json:"points"`
	Trend         Trend                 `json:"trend"`
	AccuracyScore float64               `json:"accuracy_score"`
	Confidence    Confidence            `json:"confidence"`
	ConfidencePct int                   `json:"confidence_pct"`
	TrendLine     TrendLine             `json:"trend_line"`
	History       aggregator.Series     `json:"history"`
}

// Model holds the tuning shared by every forecast.
type Model struct {
	stableThreshold float64
	minSpread       float64
}

// NewModel creates a model from configuration.
func NewModel(cfg config.ForecastConfig) *Model {
	return &Model{
		stableThreshold: cfg.StableThresholdPct / 100,
		minSpread:       cfg.MinSpreadPct / 100,
	}
}

// Forecast projects horizon months past the end of series.
//
// Day-granularity series are rolled up to months first. Fewer than two monthly points
// fail with insufficient_data; a horizon outside [1, 24] or an unknown confidence fail
// with invalid_argument.
func (m *Model) Forecast(series aggregator.Series, horizon int, confidence Confidence) (*Result, error) {
	if horizon < MinHorizon || horizon > MaxHorizon {
		return nil, apperr.InvalidArgument("horizon must be between %d and %d months, got %d", MinHorizon, MaxHorizon, horizon)
	}
	z, ok := confidenceZ[confidence]
	if !ok {
		return nil, apperr.InvalidArgument("unknown confidence level %q", confidence)
	}

	history := aggregator.Rollup(series, aggregator.GranularityMonth)
	if len(history.Points) < MinPoints {
		return nil, apperr.InsufficientData("forecast needs at least %d monthly points, got %d", MinPoints, len(history.Points))
	}

	line, err := FitTrend(history)
	if err != nil {
		return nil, err
	}

	ys := history.Values()
	residuals := Residuals(history, line)
	_, residualStd := MeanStdDev(residuals)
	meanY, _ := MeanStdDev(ys)

	result := &Result{
		DimensionKey:  history.DimensionKey,
		Metric:        history.Metric,
		Points:        make([]Point, 0, horizon),
		Trend:         m.classify(line, meanY),
		AccuracyScore: accuracy(residuals, ys),
		Confidence:    confidence,
		ConfidencePct: confidence.Pct(),
		TrendLine:     line,
		History:       history,
	}

	last, _ := history.Last()
	lastIndex := line.Index(last.BucketStart)
	previous := last.Value
	for h := 1; h <= horizon; h++ {
		f := math.Max(0, line.At(lastIndex+float64(h)))
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, apperr.InvalidArgument("forecast diverges %d months ahead", h)
		}
		sigma := math.Max(residualStd, m.minSpread*math.Abs(f))
		margin := z * sigma * math.Sqrt(float64(h))

		value := round(f)
		result.Points = append(result.Points, Point{
			Month:                   last.BucketStart.AddDate(0, h, 0),
			ForecastValue:           value,
			LowerBound:              round(math.Max(0, f-margin)),
			UpperBound:              round(f + margin),
			MonthOverMonthChangePct: changePct(previous, value),
		})
		previous = value
	}
	return result, nil
}

func (m *Model) classify(line TrendLine, mean float64) Trend {
	rel := line.RelativeSlope(mean)
	switch {
	case rel > m.stableThreshold:
		return TrendIncreasing
	case rel < -m.stableThreshold:
		return TrendDecreasing
	}
	return TrendStable
}

// accuracy is one minus the mean absolute error normalized by mean |y|, clamped to [0, 1].
func accuracy(residuals, ys []float64) float64 {
	mae := MeanAbs(residuals)
	scale := MeanAbs(ys)
	if scale == 0 {
		if mae == 0 {
			return 1
		}
		return 0
	}
	score := 1 - mae/scale
	return math.Max(0, math.Min(1, score))
}

func changePct(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from.Abs()).Mul(decimal.NewFromInt(100)).Round(2)
}

func round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
