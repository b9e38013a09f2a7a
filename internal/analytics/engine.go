// Package analytics runs the query pipeline: fetch, aggregate, forecast, detect anomalies
// and compare against budgets.
package analytics

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/aggregator"
	"github.com/lvonguyen/finops-analytics/internal/anomaly"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/budget"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/forecast"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/store"
	"github.com/lvonguyen/finops-analytics/internal/telemetry"
)

// TotalKey is the dimension key of series combined across every key.
const TotalKey = "TOTAL"

// ForecastOptions controls the forecast stage.
type ForecastOptions struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	HorizonMonths int    `json:"horizon_months,omitempty" yaml:"horizon_months"`
	Confidence    string `json:"confidence,omitempty" yaml:"confidence"`
}

// AnomalyOptions controls the anomaly stage.
type AnomalyOptions struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Sensitivity string `json:"sensitivity,omitempty" yaml:"sensitivity"`
}

// Query selects the records and stages of one analytics request.
type Query struct {
	AccountID string                `json:"account_id"`
	DateRange normalizer.DateRange  `json:"date_range"`
	Dimension normalizer.Dimension  `json:"dimension"`
	Metric    normalizer.MetricName `json:"metric"`
	Forecast  ForecastOptions       `json:"forecast"`
	Anomalies AnomalyOptions        `json:"anomalies"`
	Budgets   bool                  `json:"budgets"`
}

// Stages selects the metric and derived outputs of Analyze. Range is the queried
// date range; months it covers only in part are corrected before forecasting,
// anomaly detection and budget comparison.
type Stages struct {
	Metric      normalizer.MetricName
	Dimension   normalizer.Dimension
	Granularity aggregator.Granularity
	Range       normalizer.DateRange
	Forecast    ForecastOptions
	Anomalies   AnomalyOptions
	Budgets     bool
}

// Insights are the derived outputs for one metric.
type Insights struct {
	Total     aggregator.Series     `json:"total"`
	Forecast  *forecast.Result      `json:"forecast,omitempty"`
	Anomalies []anomaly.Anomaly     `json:"anomalies"`
	Budgets   []budget.Evaluation   `json:"budgets,omitempty"`
	TopKeys   []aggregator.KeyTotal `json:"top_keys"`
}

// Result is the output of Query.
type Result struct {
	AccountID   string                 `json:"account_id"`
	DateRange   normalizer.DateRange   `json:"date_range"`
	Dimension   normalizer.Dimension   `json:"dimension"`
	Metric      normalizer.MetricName  `json:"metric"`
	Granularity aggregator.Granularity `json:"granularity"`
	Series      []aggregator.Series    `json:"series"`
	Insights
}

// Engine wires the store to the statistical stages. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	store          store.Store
	model          *forecast.Model
	anomalies      anomaly.DetectorConfig
	budgets        *budget.Checker
	defaultHorizon int
	topN           int
	logger         *zap.Logger
}

// NewEngine creates an engine. budgets may be nil.
func NewEngine(st store.Store, cfg *config.Config, budgets *budget.Checker, logger *zap.Logger) *Engine {
	return &Engine{
		store:          st,
		model:          forecast.NewModel(cfg.Forecast),
		anomalies:      anomaly.ConfigFrom(cfg.Anomaly),
		budgets:        budgets,
		defaultHorizon: cfg.Forecast.DefaultHorizonMonths,
		topN:           5,
		logger:         logger,
	}
}

// Fetch reads records from the store.
func (e *Engine) Fetch(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error) {
	records, err := e.store.FetchRecords(ctx, accountID, r, dim)
	telemetry.StoreFetchesTotal.WithLabelValues(e.store.Name(), telemetry.Status(err)).Inc()
	if err != nil {
		return nil, err
	}
	telemetry.StoreRecordsFetched.WithLabelValues(e.store.Name()).Add(float64(len(records)))
	return records, nil
}

// Query fetches, aggregates and analyzes one account.
func (e *Engine) Query(ctx context.Context, q Query) (*Result, error) {
	if q.Metric == "" {
		q.Metric = normalizer.MetricCost
	}
	if _, err := normalizer.ParseMetric(string(q.Metric)); err != nil {
		return nil, err
	}
	if err := store.CheckRequest(q.AccountID, q.DateRange, q.Dimension); err != nil {
		return nil, err
	}

	records, err := e.Fetch(ctx, q.AccountID, q.DateRange, q.Dimension)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g := aggregator.GranularityFor(q.DateRange)
	series := aggregator.Aggregate(records, g, q.Dimension)

	insights, err := e.Analyze(ctx, q.AccountID, series, Stages{
		Metric:      q.Metric,
		Dimension:   q.Dimension,
		Granularity: g,
		Range:       q.DateRange,
		Forecast:    q.Forecast,
		Anomalies:   q.Anomalies,
		Budgets:     q.Budgets,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Analytics query complete",
		zap.String("account", q.AccountID),
		zap.String("range", q.DateRange.String()),
		zap.String("dimension", string(q.Dimension)),
		zap.Int("records", len(records)),
		zap.Int("series", len(series)),
	)
	return &Result{
		AccountID:   q.AccountID,
		DateRange:   q.DateRange,
		Dimension:   q.Dimension,
		Metric:      q.Metric,
		Granularity: g,
		Series:      series,
		Insights:    *insights,
	}, nil
}

// Analyze derives the total series, forecast, anomalies and budget standing for one
// metric from already aggregated series.
func (e *Engine) Analyze(ctx context.Context, accountID string, series []aggregator.Series, st Stages) (*Insights, error) {
	metric := st.Metric
	if metric == "" {
		metric = normalizer.MetricCost
	}
	selected := aggregator.Select(series, metric)
	out := &Insights{
		Anomalies: make([]anomaly.Anomaly, 0),
		TopKeys:   aggregator.TopKeys(selected, metric, e.topN),
	}
	if combined := aggregator.Combine(TotalKey, selected...); len(combined) > 0 {
		out.Total = combined[0]
	} else {
		out.Total = aggregator.Series{
			Dimension:    st.Dimension,
			DimensionKey: TotalKey,
			Metric:       metric,
			Granularity:  st.Granularity,
			Points:       []aggregator.Point{},
		}
	}

	if st.Forecast.Enabled {
		res, err := e.forecast(aggregator.FullMonths(out.Total, st.Range), st.Forecast)
		if err != nil {
			return nil, err
		}
		out.Forecast = res
	}

	if st.Anomalies.Enabled {
		found, err := e.detect(ctx, selected, st.Range, st.Anomalies)
		if err != nil {
			return nil, err
		}
		out.Anomalies = found
	}

	if st.Budgets && e.budgets != nil && metric.Currency() {
		evals, err := e.evaluateBudgets(ctx, accountID, out.Total, st.Range, out.Forecast)
		if err != nil {
			return nil, err
		}
		out.Budgets = evals
	}
	return out, nil
}

func (e *Engine) forecast(total aggregator.Series, fo ForecastOptions) (*forecast.Result, error) {
	horizon := fo.HorizonMonths
	if horizon == 0 {
		horizon = e.defaultHorizon
	}
	confidence, err := forecast.ParseConfidence(fo.Confidence)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := e.model.Forecast(total, horizon, confidence)
	telemetry.ObserveSince(telemetry.ForecastDuration.WithLabelValues(string(total.Metric)), start)
	telemetry.ForecastsTotal.WithLabelValues(string(total.Metric), telemetry.Status(err)).Inc()
	return res, err
}

func (e *Engine) detect(ctx context.Context, series []aggregator.Series, r normalizer.DateRange, ao AnomalyOptions) ([]anomaly.Anomaly, error) {
	cfg := e.anomalies
	if ao.Sensitivity != "" {
		s, err := anomaly.ParseSensitivity(ao.Sensitivity)
		if err != nil {
			return nil, err
		}
		cfg.Sensitivity = s
	}
	detector := anomaly.NewDetector(cfg)

	found := make([]anomaly.Anomaly, 0)
	for _, s := range series {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s = aggregator.CompleteMonths(s, r)
		line, err := forecast.FitTrend(s)
		if apperr.Is(err, apperr.CodeInsufficientData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, detector.Detect(s, line)...)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].Month.Equal(found[j].Month) {
			return found[i].Month.Before(found[j].Month)
		}
		return found[i].DimensionKey < found[j].DimensionKey
	})
	for _, a := range found {
		telemetry.AnomaliesDetected.WithLabelValues(string(a.Metric), a.Severity).Inc()
	}
	return found, nil
}

// evaluateBudgets checks the last month of total. When r ends inside that month the
// projection is the month run rate rather than the next forecast month.
func (e *Engine) evaluateBudgets(ctx context.Context, accountID string, total aggregator.Series, r normalizer.DateRange, fc *forecast.Result) ([]budget.Evaluation, error) {
	budgets, err := e.budgets.ForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	monthly := aggregator.Rollup(total, aggregator.GranularityMonth)
	last, ok := monthly.Last()
	if !ok {
		return nil, nil
	}

	var projection []forecast.Point
	if fc != nil {
		projection = fc.Points
	}
	if covered, days := aggregator.MonthCoverage(r, last.BucketStart); !r.End.IsZero() && covered < days {
		full := aggregator.FullMonths(monthly, r)
		if rate, ok := full.Last(); ok {
			projection = []forecast.Point{{Month: rate.BucketStart, ForecastValue: rate.Value}}
		}
	}
	evals := make([]budget.Evaluation, 0, len(budgets))
	for _, b := range budgets {
		ev := budget.Evaluate(b, last.BucketStart, last.Value, projection)
		telemetry.BudgetPercentUsed.WithLabelValues(b.Name, accountID).Set(ev.PercentUsed.InexactFloat64())
		evals = append(evals, ev)
	}
	return evals, nil
}
