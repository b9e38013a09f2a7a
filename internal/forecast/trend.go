package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/lvonguyen/finops-analytics/internal/aggregator"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// TrendLine is a fitted trend over a series, indexed by bucket offset from Origin.
//
// When Log is set the line was fitted to ln(y) and describes exponential growth;
// otherwise it is a straight line in the original units.
type TrendLine struct {
	Origin      time.Time              `json:"origin"`
	Granularity aggregator.Granularity `json:"granularity"`
	Intercept   float64                `json:"intercept"`
	Slope       float64                `json:"slope"`
	Log         bool                   `json:"log"`
}

// At evaluates the line at bucket index x.
func (l TrendLine) At(x float64) float64 {
	v := l.Intercept + l.Slope*x
	if l.Log {
		return math.Exp(v)
	}
	return v
}

// Index returns the bucket offset of t from the line's origin.
func (l TrendLine) Index(t time.Time) float64 {
	if l.Granularity == aggregator.GranularityMonth {
		return float64(normalizer.MonthsBetween(l.Origin, t))
	}
	return normalizer.Day(t).Sub(normalizer.Day(l.Origin)).Hours() / 24
}

// ValueAt evaluates the line at the bucket containing t.
func (l TrendLine) ValueAt(t time.Time) float64 {
	return l.At(l.Index(t))
}

// RelativeSlope is the fractional change per bucket implied by the line, relative to
// mean for linear fits.
func (l TrendLine) RelativeSlope(mean float64) float64 {
	if l.Log {
		return math.Exp(l.Slope) - 1
	}
	if mean == 0 {
		switch {
		case l.Slope > 0:
			return math.Inf(1)
		case l.Slope < 0:
			return math.Inf(-1)
		}
		return 0
	}
	return l.Slope / math.Abs(mean)
}

// FitTrend fits a Theil-Sen line through the series: the slope is the median of all
// pairwise slopes and the intercept the median of y - slope*x. It is robust to the
// outliers anomaly detection looks for. Strictly positive series are fitted in log space.
func FitTrend(s aggregator.Series) (TrendLine, error) {
	if len(s.Points) < MinPoints {
		return TrendLine{}, apperr.InsufficientData("need at least %d points to fit a trend, got %d", MinPoints, len(s.Points))
	}

	line := TrendLine{Origin: s.Points[0].BucketStart, Granularity: s.Granularity, Log: true}
	xs := make([]float64, len(s.Points))
	ys := s.Values()
	for i, p := range s.Points {
		xs[i] = line.Index(p.BucketStart)
		if ys[i] <= 0 {
			line.Log = false
		}
	}
	if line.Log {
		for i := range ys {
			ys[i] = math.Log(ys[i])
		}
	}

	slopes := make([]float64, 0, len(xs)*(len(xs)-1)/2)
	for i := 0; i < len(xs); i++ {
		for j := i + 1; j < len(xs); j++ {
			if dx := xs[j] - xs[i]; dx != 0 {
				slopes = append(slopes, (ys[j]-ys[i])/dx)
			}
		}
	}
	line.Slope = Median(slopes)

	intercepts := make([]float64, len(xs))
	for i := range xs {
		intercepts[i] = ys[i] - line.Slope*xs[i]
	}
	line.Intercept = Median(intercepts)
	return line, nil
}

// Median returns the median of values, or 0 when empty. The input is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// MeanStdDev returns the mean and population standard deviation of values.
func MeanStdDev(values []float64) (mean, stdDev float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}

	// Calculate mean
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	// Calculate standard deviation
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	stdDev = math.Sqrt(sumSquares / n)

	return mean, stdDev
}

// MeanAbs returns the mean of |v|.
func MeanAbs(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += math.Abs(v)
	}
	return sum / float64(len(values))
}

// Residuals returns y - trend for each point of s.
func Residuals(s aggregator.Series, line TrendLine) []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value.InexactFloat64() - line.ValueAt(p.BucketStart)
	}
	return out
}
