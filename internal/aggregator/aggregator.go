// Package aggregator provides metric aggregation into time-bucketed series
package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// MaxDailyRangeDays is the longest range still bucketed by day.
const MaxDailyRangeDays = 90

// Granularity is the width of an aggregation bucket.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// GranularityFor picks the bucket width for a range: days up to 90 days, months beyond.
func GranularityFor(r normalizer.DateRange) Granularity {
	if r.Days() <= MaxDailyRangeDays {
		return GranularityDay
	}
	return GranularityMonth
}

// BucketStart returns the start of the bucket containing t.
func (g Granularity) BucketStart(t time.Time) time.Time {
	if g == GranularityMonth {
		return normalizer.MonthStart(t)
	}
	return normalizer.Day(t)
}

// Next returns the start of the bucket after the one starting at t.
func (g Granularity) Next(t time.Time) time.Time {
	if g == GranularityMonth {
		return t.AddDate(0, 1, 0)
	}
	return t.AddDate(0, 0, 1)
}

// Point is one bucket of a series.
type Point struct {
	BucketStart time.Time       `json:"bucket_start"`
	Value       decimal.Decimal `json:"value"`
}

// Series is a chronological sequence of buckets for one dimension key and metric.
type Series struct {
	Dimension    normalizer.Dimension  `json:"dimension"`
	DimensionKey string                `json:"dimension_key"`
	Metric       normalizer.MetricName `json:"metric"`
	Granularity  Granularity           `json:"granularity"`
	Points       []Point               `json:"points"`
}

// Total sums the series. For averaged metrics it returns the mean of the points.
func (s Series) Total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Points {
		total = total.Add(p.Value)
	}
	if s.Metric.Averaged() && len(s.Points) > 0 {
		return total.Div(decimal.NewFromInt(int64(len(s.Points))))
	}
	return total
}

// Values returns the point values as float64 for statistics.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value.InexactFloat64()
	}
	return out
}

// Last returns the final point, or false for an empty series.
func (s Series) Last() (Point, bool) {
	if len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

type seriesID struct {
	key    string
	metric normalizer.MetricName
}

type bucket struct {
	sum   decimal.Decimal
	count int64
}

func (b *bucket) add(v decimal.Decimal) {
	b.sum = b.sum.Add(v)
	b.count++
}

func (b *bucket) value(m normalizer.MetricName) decimal.Decimal {
	if m.Averaged() && b.count > 0 {
		return b.sum.Div(decimal.NewFromInt(b.count))
	}
	return b.sum
}

// Aggregate groups records into one series per (dimension key, metric).
//
// Summed metrics add up within a bucket and complianceScore is averaged. Empty buckets
// are omitted. Series are ordered by key then metric, points chronologically; the input
// is not modified and the output depends only on the input values.
func Aggregate(records []normalizer.MetricRecord, g Granularity, dim normalizer.Dimension) []Series {
	grouped := make(map[seriesID]map[time.Time]*bucket)
	for _, r := range records {
		id := seriesID{key: r.DimensionKey, metric: r.Metric}
		buckets, ok := grouped[id]
		if !ok {
			buckets = make(map[time.Time]*bucket)
			grouped[id] = buckets
		}
		start := g.BucketStart(r.Timestamp)
		b, ok := buckets[start]
		if !ok {
			b = &bucket{sum: decimal.Zero}
			buckets[start] = b
		}
		b.add(r.Value)
	}
	return build(grouped, g, dim)
}

func build(grouped map[seriesID]map[time.Time]*bucket, g Granularity, dim normalizer.Dimension) []Series {
	ids := make([]seriesID, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].key != ids[j].key {
			return ids[i].key < ids[j].key
		}
		return ids[i].metric < ids[j].metric
	})

	out := make([]Series, 0, len(ids))
	for _, id := range ids {
		buckets := grouped[id]
		points := make([]Point, 0, len(buckets))
		for start, b := range buckets {
			points = append(points, Point{BucketStart: start, Value: b.value(id.metric)})
		}
		sort.Slice(points, func(i, j int) bool {
			return points[i].BucketStart.Before(points[j].BucketStart)
		})
		out = append(out, Series{
			Dimension:    dim,
			DimensionKey: id.key,
			Metric:       id.metric,
			Granularity:  g,
			Points:       points,
		})
	}
	return out
}

// Rollup re-buckets a series at a coarser granularity. Averaged metrics take the mean
// of the finer buckets.
func Rollup(s Series, g Granularity) Series {
	if s.Granularity == g || g == GranularityDay {
		return s
	}
	buckets := make(map[time.Time]*bucket)
	for _, p := range s.Points {
		start := g.BucketStart(p.BucketStart)
		b, ok := buckets[start]
		if !ok {
			b = &bucket{sum: decimal.Zero}
			buckets[start] = b
		}
		b.add(p.Value)
	}
	id := seriesID{key: s.DimensionKey, metric: s.Metric}
	return build(map[seriesID]map[time.Time]*bucket{id: buckets}, g, s.Dimension)[0]
}

// MonthCoverage returns how many days of the month containing month fall inside r,
// and the length of that month.
func MonthCoverage(r normalizer.DateRange, month time.Time) (covered, days int) {
	first := normalizer.MonthStart(month)
	last := first.AddDate(0, 1, -1)
	days = last.Day()

	from, to := first, last
	if start := normalizer.Day(r.Start); start.After(from) {
		from = start
	}
	if end := normalizer.Day(r.End); end.Before(to) {
		to = end
	}
	if to.Before(from) {
		return 0, days
	}
	return int(to.Sub(from).Hours()/24) + 1, days
}

// FullMonths rolls s up to months and extrapolates every month r covers only in part
// to the whole month at its observed daily rate. Averaged metrics are rates already
// and keep their values. A zero range returns the plain rollup.
func FullMonths(s Series, r normalizer.DateRange) Series {
	monthly := Rollup(s, GranularityMonth)
	if r.Start.IsZero() || r.End.IsZero() || s.Metric.Averaged() {
		return monthly
	}
	points := make([]Point, 0, len(monthly.Points))
	for _, p := range monthly.Points {
		covered, days := MonthCoverage(r, p.BucketStart)
		if covered > 0 && covered < days {
			p.Value = p.Value.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(covered)))
		}
		points = append(points, p)
	}
	monthly.Points = points
	return monthly
}

// CompleteMonths drops the month buckets r covers only in part. Day-granularity
// series and a zero range are returned unchanged.
func CompleteMonths(s Series, r normalizer.DateRange) Series {
	if s.Granularity != GranularityMonth || r.Start.IsZero() || r.End.IsZero() {
		return s
	}
	points := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if covered, days := MonthCoverage(r, p.BucketStart); covered == days {
			points = append(points, p)
		}
	}
	s.Points = points
	return s
}

// Combine merges series of different keys into one series per metric under key.
// Buckets of averaged metrics take the mean across keys.
func Combine(key string, series ...Series) []Series {
	if len(series) == 0 {
		return nil
	}
	g := series[0].Granularity
	dim := series[0].Dimension
	grouped := make(map[seriesID]map[time.Time]*bucket)
	for _, s := range series {
		id := seriesID{key: key, metric: s.Metric}
		buckets, ok := grouped[id]
		if !ok {
			buckets = make(map[time.Time]*bucket)
			grouped[id] = buckets
		}
		for _, p := range Rollup(s, g).Points {
			b, ok := buckets[p.BucketStart]
			if !ok {
				b = &bucket{sum: decimal.Zero}
				buckets[p.BucketStart] = b
			}
			b.add(p.Value)
		}
	}
	return build(grouped, g, dim)
}

// ZeroFill returns a dense copy of s with a zero point for every empty bucket in r.
func ZeroFill(s Series, r normalizer.DateRange) Series {
	existing := make(map[time.Time]decimal.Decimal, len(s.Points))
	for _, p := range s.Points {
		existing[p.BucketStart] = p.Value
	}

	out := s
	out.Points = nil
	end := s.Granularity.BucketStart(r.End)
	for t := s.Granularity.BucketStart(r.Start); !t.After(end); t = s.Granularity.Next(t) {
		v, ok := existing[t]
		if !ok {
			v = decimal.Zero
		}
		out.Points = append(out.Points, Point{BucketStart: t, Value: v})
	}
	return out
}

// KeyTotal is a dimension key with its total for one metric.
type KeyTotal struct {
	DimensionKey string          `json:"dimension_key"`
	Total        decimal.Decimal `json:"total"`
}

// TopKeys returns the n keys with the largest totals for metric, largest first.
// Ties are broken by key so results are stable.
func TopKeys(series []Series, metric normalizer.MetricName, n int) []KeyTotal {
	totals := make([]KeyTotal, 0, len(series))
	for _, s := range series {
		if s.Metric != metric {
			continue
		}
		totals = append(totals, KeyTotal{DimensionKey: s.DimensionKey, Total: s.Total()})
	}

	// Sort by total descending
	sort.Slice(totals, func(i, j int) bool {
		if c := totals[i].Total.Cmp(totals[j].Total); c != 0 {
			return c > 0
		}
		return totals[i].DimensionKey < totals[j].DimensionKey
	})

	if n >= 0 && n < len(totals) {
		totals = totals[:n]
	}
	return totals
}

// Select returns the series for metric, in their original order.
func Select(series []Series, metric normalizer.MetricName) []Series {
	out := make([]Series, 0, len(series))
	for _, s := range series {
		if s.Metric == metric {
			out = append(out, s)
		}
	}
	return out
}
