// Package influx reads metric records from an InfluxDB 2.x bucket.
//
// Points are expected in one measurement with the metric name as the field and the
// owning account plus every dimension stored as tags:
//
//	metrics,account_id=acct-1,service=Compute,region=us-east-1 cost=12.5,usage=3 1704067200000000000
package influx

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/store"
)

// AccountTag is the tag holding the owning account id.
const AccountTag = "account_id"

// dimensionTags maps each dimension to the tag that carries it.
var dimensionTags = map[normalizer.Dimension]string{
	normalizer.DimensionService:   "service",
	normalizer.DimensionRegion:    "region",
	normalizer.DimensionAccount:   "linked_account",
	normalizer.DimensionTag:       "cost_center",
	normalizer.DimensionFramework: "framework",
}

func init() {
	store.MustRegister("influx", func(_ context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
		c := cfg.Store.Influx
		if c.URL == "" || c.Token == "" || c.Org == "" || c.Bucket == "" {
			return nil, fmt.Errorf("influx url, token, org and bucket are required")
		}
		client := influxdb2.NewClient(c.URL, c.Token)
		return New(&queryAPIAdapter{api: client.QueryAPI(c.Org)}, c.Bucket, c.Measurement, logger), nil
	})
}

// Row is one decoded Flux record.
type Row struct {
	Time  time.Time
	Field string
	Value any
	Tags  map[string]string
}

// Querier runs a Flux query and returns its rows.
type Querier interface {
	Query(ctx context.Context, flux string) ([]Row, error)
}

type queryAPIAdapter struct {
	api api.QueryAPI
}

func (a *queryAPIAdapter) Query(ctx context.Context, flux string) ([]Row, error) {
	result, err := a.api.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("InfluxDB query failed: %w", err)
	}
	defer result.Close()

	var rows []Row
	for result.Next() {
		record := result.Record()
		tags := make(map[string]string)
		for k, v := range record.Values() {
			if s, ok := v.(string); ok && !strings.HasPrefix(k, "_") {
				tags[k] = s
			}
		}
		rows = append(rows, Row{
			Time:  record.Time(),
			Field: record.Field(),
			Value: record.Value(),
			Tags:  tags,
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading InfluxDB results: %w", result.Err())
	}
	return rows, nil
}

// Store is an InfluxDB-backed metric store.
type Store struct {
	querier     Querier
	bucket      string
	measurement string
	logger      *zap.Logger
}

// New creates a store querying bucket through q.
func New(q Querier, bucket, measurement string, logger *zap.Logger) *Store {
	return &Store{querier: q, bucket: bucket, measurement: measurement, logger: logger}
}

// Name returns the provider name
func (s *Store) Name() string {
	return "influx"
}

// FetchRecords runs a range query for the account and converts each row to a record.
func (s *Store) FetchRecords(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error) {
	if err := store.CheckRequest(accountID, r, dim); err != nil {
		return nil, err
	}

	rows, err := s.querier.Query(ctx, s.RangeQuery(accountID, r, dim))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		exists, err := s.querier.Query(ctx, s.ExistsQuery(accountID))
		if err != nil {
			return nil, err
		}
		if len(exists) == 0 {
			return nil, apperr.NotFound("account %s not found", accountID)
		}
		return []normalizer.MetricRecord{}, nil
	}

	tag := dimensionTags[dim]
	records := make([]normalizer.MetricRecord, 0, len(rows))
	for _, row := range rows {
		metric, err := normalizer.ParseMetric(row.Field)
		if err != nil {
			s.logger.Debug("Skipping unknown field", zap.String("field", row.Field))
			continue
		}
		value, ok := toDecimal(row.Value)
		if !ok {
			s.logger.Warn("Skipping non-numeric value",
				zap.String("field", row.Field),
				zap.Any("value", row.Value),
			)
			continue
		}
		key := row.Tags[tag]
		if key == "" && dim == normalizer.DimensionAccount {
			key = accountID
		}
		records = append(records, normalizer.MetricRecord{
			Timestamp:    row.Time,
			DimensionKey: normalizer.NormalizeKey(key),
			Metric:       metric,
			Value:        value,
		})
	}

	s.logger.Debug("Fetched records from InfluxDB",
		zap.String("account", accountID),
		zap.String("range", r.String()),
		zap.Int("rows", len(rows)),
		zap.Int("records", len(records)),
	)
	return store.Finalize(records, r), nil
}

// RangeQuery builds the Flux query for one account, range and dimension.
// Stop is exclusive in Flux, so it is pushed to the day after r.End.
func (s *Store) RangeQuery(accountID string, r normalizer.DateRange, dim normalizer.Dimension) string {
	start := normalizer.Day(r.Start).Format(time.RFC3339)
	stop := normalizer.Day(r.End).AddDate(0, 0, 1).Format(time.RFC3339)
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %s)
  |> filter(fn: (r) => r.%s == %s)
  |> keep(columns: ["_time", "_field", "_value", %s])
  |> sort(columns: ["_time"], desc: false)`,
		quote(s.bucket), start, stop, quote(s.measurement), AccountTag, quote(accountID), quote(dimensionTags[dim]))
}

// ExistsQuery builds a query returning at most one point for the account.
func (s *Store) ExistsQuery(accountID string) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %s)
  |> filter(fn: (r) => r.%s == %s)
  |> limit(n: 1)`,
		quote(s.bucket), quote(s.measurement), AccountTag, quote(accountID))
}

// quote renders s as a Flux string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, `${`, `\${`)
	return `"` + r.Replace(s) + `"`
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint64:
		return decimal.NewFromInt(int64(n)), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}
