// Package anomaly provides metric anomaly detection against a fitted trend.
package anomaly

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-analytics/internal/aggregator"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/forecast"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// Sensitivity levels for anomaly detection
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// madScale converts a median absolute deviation to a normal-consistent sigma.
const madScale = 1.4826

// sigmaFloorPct keeps perfectly regular series from flagging rounding noise.
const sigmaFloorPct = 1.0

var thresholds = map[Sensitivity]float64{
	SensitivityLow:    3.0, // 3 standard deviations
	SensitivityMedium: 2.0, // 2 standard deviations
	SensitivityHigh:   1.5, // 1.5 standard deviations
}

// ParseSensitivity validates a sensitivity. Blank defaults to medium.
func ParseSensitivity(s string) (Sensitivity, error) {
	v := Sensitivity(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return SensitivityMedium, nil
	}
	if _, ok := thresholds[v]; !ok {
		return "", apperr.InvalidArgument("unknown sensitivity %q (want low, medium or high)", s)
	}
	return v, nil
}

// DetectorConfig holds configuration for anomaly detection
type DetectorConfig struct {
	Sensitivity     Sensitivity
	MinDeviationPct float64 // departures smaller than this percentage of trend are ignored
}

// ConfigFrom converts the application config section.
func ConfigFrom(cfg config.AnomalyConfig) DetectorConfig {
	s, err := ParseSensitivity(cfg.Sensitivity)
	if err != nil {
		s = SensitivityMedium
	}
	return DetectorConfig{Sensitivity: s, MinDeviationPct: cfg.MinDeviationPct}
}

// Anomaly represents a historical bucket that departs from its trend
type Anomaly struct {
	// Month is the bucket start; for day-granularity series it is the day.
	Month        time.Time             `json:"month"`
	DimensionKey string                `json:"dimension_key"`
	Metric       normalizer.MetricName `json:"metric"`
	Actual       decimal.Decimal       `json:"actual"`
	Expected     decimal.Decimal       `json:"expected"`
	DeviationPct decimal.Decimal       `json:"deviation_pct"`
	Direction    string                `json:"direction"` // increase, decrease
	Score        float64               `json:"score"`     // residual in sigmas
	Reason       string                `json:"reason,omitempty"`
	Severity     string                `json:"severity"` // low, medium, high, critical
}

// Detector performs anomaly detection on aggregated series
type Detector struct {
	config DetectorConfig
	k      float64
}

// NewDetector creates a new anomaly detector
func NewDetector(cfg DetectorConfig) *Detector {
	k, ok := thresholds[cfg.Sensitivity]
	if !ok {
		cfg.Sensitivity = SensitivityMedium
		k = thresholds[SensitivityMedium]
	}
	return &Detector{config: cfg, k: k}
}

// DetectAnomalies runs a medium-sensitivity detector with a 10% minimum deviation.
func DetectAnomalies(series aggregator.Series, line forecast.TrendLine) []Anomaly {
	return NewDetector(DetectorConfig{Sensitivity: SensitivityMedium, MinDeviationPct: 10}).Detect(series, line)
}

// Detect flags points whose residual from line exceeds k sigma, where sigma is the
// MAD-scaled residual spread. Only the historical points of series are evaluated and
// results are chronological. A series with no anomalies yields an empty slice.
func (d *Detector) Detect(series aggregator.Series, line forecast.TrendLine) []Anomaly {
	anomalies := make([]Anomaly, 0)
	if len(series.Points) == 0 {
		return anomalies
	}

	residuals := forecast.Residuals(series, line)
	sigma := d.sigma(residuals, series.Values())
	if sigma == 0 {
		return anomalies // Can't detect anomaly without variance
	}

	for i, p := range series.Points {
		res := residuals[i]
		score := res / sigma
		if math.Abs(score) <= d.k {
			continue
		}

		expected := line.ValueAt(p.BucketStart)
		pct := 100.0
		if expected != 0 {
			pct = math.Abs(res) / math.Abs(expected) * 100
		}
		if pct < d.config.MinDeviationPct {
			continue
		}

		signed := pct
		direction := "increase"
		if res < 0 {
			direction = "decrease"
			signed = -pct
		}

		anomalies = append(anomalies, Anomaly{
			Month:        p.BucketStart,
			DimensionKey: series.DimensionKey,
			Metric:       series.Metric,
			Actual:       p.Value,
			Expected:     decimal.NewFromFloat(expected).Round(2),
			DeviationPct: decimal.NewFromFloat(pct).Round(2),
			Direction:    direction,
			Score:        math.Round(score*100) / 100,
			Reason:       determineReason(series.Metric, signed),
			Severity:     severity(score),
		})
	}
	return anomalies
}

func (d *Detector) sigma(residuals, values []float64) float64 {
	center := forecast.Median(residuals)
	abs := make([]float64, len(residuals))
	for i, r := range residuals {
		abs[i] = math.Abs(r - center)
	}
	sigma := madScale * forecast.Median(abs)
	floor := sigmaFloorPct / 100 * forecast.MeanAbs(values)
	return math.Max(sigma, floor)
}

func severity(score float64) string {
	z := math.Abs(score)
	switch {
	case z >= 4.0:
		return "critical"
	case z >= 3.0:
		return "high"
	case z >= 2.0:
		return "medium"
	}
	return "low"
}

// determineReason suggests possible reasons for the anomaly
func determineReason(metric normalizer.MetricName, percentChange float64) string {
	if metric != normalizer.MetricCost {
		switch {
		case percentChange > 100:
			return "Significant spike in " + string(metric)
		case percentChange < -50:
			return "Significant drop in " + string(metric)
		}
		return "Deviation of " + string(metric) + " from trend"
	}
	if percentChange > 100 {
		return "Significant cost spike - possible new workload or misconfiguration"
	} else if percentChange > 50 {
		return "Notable increase - check for scaling events or new resources"
	} else if percentChange < -50 {
		return "Significant decrease - resource termination or reduced usage"
	} else if percentChange > 20 {
		return "Moderate increase - normal variance or gradual growth"
	}
	return "Cost deviation from historical trend"
}

// SortBySeverity orders anomalies most severe first, keeping chronological order within a level.
func SortBySeverity(anomalies []Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		return severityRank(anomalies[i].Severity) > severityRank(anomalies[j].Severity)
	})
}

// severityRank returns numeric rank for sorting
func severityRank(severity string) int {
	switch severity {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
