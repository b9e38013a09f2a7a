package report

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/aggregator"
	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/anomaly"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/budget"
	"github.com/lvonguyen/finops-analytics/internal/forecast"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/telemetry"
)

// topKeys is the number of keys listed in a report summary.
const topKeys = 5

// Report is an assembled report ready for export.
type Report struct {
	Config      *Config                `json:"config"`
	Columns     []Field                `json:"columns"`
	Rows        [][]string             `json:"rows"`
	Granularity aggregator.Granularity `json:"granularity"`
	Series      []aggregator.Series    `json:"series"`
	Total       aggregator.Series      `json:"total"`
	Forecast    *forecast.Result       `json:"forecast,omitempty"`
	Anomalies   []anomaly.Anomaly      `json:"anomalies,omitempty"`
	Budgets     []budget.Evaluation    `json:"budgets,omitempty"`
	Summary     Summary                `json:"summary"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// Title names the report for display.
func (r *Report) Title() string {
	if name := strings.TrimSpace(r.Config.Name); name != "" {
		return name
	}
	return "Untitled report"
}

// Period renders the report date range.
func (r *Report) Period() string {
	return normalizer.FormatDate(r.Config.DateRange.Start) + " to " + normalizer.FormatDate(r.Config.DateRange.End)
}

// Summary condenses the report metric.
type Summary struct {
	Metric      normalizer.MetricName `json:"metric"`
	Total       decimal.Decimal       `json:"total"`
	TopKeys     []KeyShare            `json:"top_keys"`
	RowCount    int                   `json:"row_count"`
	Granularity string                `json:"granularity"`
}

// KeyShare is a dimension key with its total and share of the report total.
type KeyShare struct {
	DimensionKey string          `json:"dimension_key"`
	Total        decimal.Decimal `json:"total"`
	SharePct     decimal.Decimal `json:"share_pct"`
}

// Fetcher reads records and derives insights. *analytics.Engine implements it.
type Fetcher interface {
	Fetch(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error)
	Analyze(ctx context.Context, accountID string, series []aggregator.Series, st analytics.Stages) (*analytics.Insights, error)
}

// Assembler builds reports from configurations.
type Assembler struct {
	engine Fetcher
	logger *zap.Logger
	now    func() time.Time
}

// NewAssembler creates an assembler over engine.
func NewAssembler(engine Fetcher, logger *zap.Logger) *Assembler {
	return &Assembler{engine: engine, logger: logger, now: time.Now}
}

// CheckConfig validates cfg for building. A blank name is accepted here and rejected
// only when persisting.
func CheckConfig(cfg *Config) error {
	if cfg == nil {
		return apperr.Validation("report config required")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if _, err := normalizer.ParseDimension(string(cfg.GroupBy)); err != nil {
		return apperr.Validation("group_by: %s", err.Error())
	}
	if cfg.Metric != "" {
		if _, err := normalizer.ParseMetric(string(cfg.Metric)); err != nil {
			return apperr.Validation("metric: %s", err.Error())
		}
	}
	if cfg.DateRange.Start.IsZero() || cfg.DateRange.End.IsZero() {
		return apperr.Validation("date_range requires start and end")
	}
	if err := cfg.DateRange.Validate(); err != nil {
		return err
	}
	c := catalogFor(cfg.GroupBy)
	if _, err := c.columns(cfg.Fields); err != nil {
		return err
	}
	for id, f := range cfg.Filters {
		if _, err := compile(id, f, c); err != nil {
			return err
		}
	}
	return nil
}

// Build fetches, filters, aggregates and analyzes the data described by cfg.
//
// Filters are applied as a conjunction over day-level facts before aggregation. Rows
// are ordered by dimension key then period and their cells follow cfg.Fields.
func (a *Assembler) Build(ctx context.Context, cfg *Config) (rep *Report, err error) {
	defer func() { telemetry.ReportsBuilt.WithLabelValues(telemetry.Status(err)).Inc() }()

	if err := CheckConfig(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	if cfg.Metric == "" {
		cfg.Metric = normalizer.MetricCost
	}

	c := catalogFor(cfg.GroupBy)
	columns, _ := c.columns(cfg.Fields)
	preds := make([]predicate, 0, len(cfg.Filters))
	for _, id := range sortedKeys(cfg.Filters) {
		p, _ := compile(id, cfg.Filters[id], c)
		preds = append(preds, p)
	}

	records, err := a.engine.Fetch(ctx, cfg.AccountID, cfg.DateRange, cfg.GroupBy)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kept := applyFilters(records, preds)

	g := aggregator.GranularityFor(cfg.DateRange)
	series := aggregator.Aggregate(kept, g, cfg.GroupBy)
	rows := buildRows(series, columns, g)

	insights, err := a.engine.Analyze(ctx, cfg.AccountID, series, analytics.Stages{
		Metric:      cfg.Metric,
		Dimension:   cfg.GroupBy,
		Granularity: g,
		Range:       cfg.DateRange,
		Forecast:    cfg.Forecast,
		Anomalies:   cfg.Anomalies,
		Budgets:     true,
	})
	if err != nil {
		return nil, err
	}

	rep = &Report{
		Config:      cfg,
		Columns:     columns,
		Rows:        rows,
		Granularity: g,
		Series:      series,
		Total:       insights.Total,
		Forecast:    insights.Forecast,
		Anomalies:   insights.Anomalies,
		Budgets:     insights.Budgets,
		Summary:     summarize(cfg.Metric, insights, len(rows), g),
		GeneratedAt: a.now().UTC(),
	}

	a.logger.Info("Report built",
		zap.String("report", cfg.ID),
		zap.String("account", cfg.AccountID),
		zap.String("columns", fieldList(columns)),
		zap.Int("records", len(records)),
		zap.Int("filtered", len(records)-len(kept)),
		zap.Int("rows", len(rows)),
	)
	return rep, nil
}

// cell identifies one row of the pivot.
type cell struct {
	key    string
	bucket time.Time
}

func buildRows(series []aggregator.Series, columns []Field, g aggregator.Granularity) [][]string {
	values := make(map[cell]map[normalizer.MetricName]decimal.Decimal)
	var cells []cell
	for _, s := range series {
		for _, p := range s.Points {
			c := cell{key: s.DimensionKey, bucket: p.BucketStart}
			m, ok := values[c]
			if !ok {
				m = make(map[normalizer.MetricName]decimal.Decimal)
				values[c] = m
				cells = append(cells, c)
			}
			m[s.Metric] = p.Value
		}
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].key != cells[j].key {
			return cells[i].key < cells[j].key
		}
		return cells[i].bucket.Before(cells[j].bucket)
	})

	rows := make([][]string, 0, len(cells))
	for _, c := range cells {
		row := make([]string, len(columns))
		for i, col := range columns {
			switch col.Type {
			case FieldString:
				row[i] = c.key
			case FieldDatetime:
				row[i] = formatPeriod(c.bucket, g)
			default:
				metric := normalizer.MetricName(col.ID)
				if v, ok := values[c][metric]; ok {
					row[i] = normalizer.FormatValue(metric, v)
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func formatPeriod(t time.Time, g aggregator.Granularity) string {
	if g == aggregator.GranularityMonth {
		return t.Format("2006-01")
	}
	return normalizer.FormatDate(t)
}

func summarize(metric normalizer.MetricName, in *analytics.Insights, rowCount int, g aggregator.Granularity) Summary {
	total := in.Total.Total()
	s := Summary{
		Metric:      metric,
		Total:       total.Round(2),
		TopKeys:     make([]KeyShare, 0, len(in.TopKeys)),
		RowCount:    rowCount,
		Granularity: string(g),
	}
	for _, kt := range in.TopKeys {
		share := decimal.Zero
		if !metric.Averaged() && !total.IsZero() {
			share = kt.Total.Div(total).Mul(decimal.NewFromInt(100)).Round(1)
		}
		s.TopKeys = append(s.TopKeys, KeyShare{DimensionKey: kt.DimensionKey, Total: kt.Total.Round(2), SharePct: share})
	}
	return s
}

func sortedKeys(m map[string]Filter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
