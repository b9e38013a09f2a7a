// Package telemetry holds the Prometheus collectors for the analytics service.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finops_analytics_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route"},
	)

	// Metric store metrics
	StoreFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_store_fetches_total",
			Help: "Total number of metric store fetches",
		},
		[]string{"backend", "status"},
	)

	StoreRecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_store_records_total",
			Help: "Total number of metric records read from the store",
		},
		[]string{"backend"},
	)

	// Engine metrics
	ForecastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finops_analytics_forecast_duration_seconds",
			Help:    "Forecast computation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		},
		[]string{"metric"},
	)

	ForecastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_forecasts_total",
			Help: "Total number of forecasts computed",
		},
		[]string{"metric", "status"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_anomalies_detected_total",
			Help: "Total number of anomalies flagged",
		},
		[]string{"metric", "severity"},
	)

	// Report metrics
	ReportsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_reports_built_total",
			Help: "Total number of reports assembled",
		},
		[]string{"status"},
	)

	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_exports_total",
			Help: "Total number of report exports",
		},
		[]string{"format", "status"},
	)

	ExportBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finops_analytics_export_bytes",
			Help:    "Size of rendered exports in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
		},
		[]string{"format"},
	)

	// Schedule metrics
	ScheduleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finops_analytics_schedule_runs_total",
			Help: "Total number of scheduled report deliveries",
		},
		[]string{"frequency", "status"},
	)

	ActiveSchedules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finops_analytics_active_schedules",
			Help: "Number of active report schedules",
		},
	)

	// Budget metrics
	BudgetPercentUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finops_analytics_budget_percent_used",
			Help: "Share of the monthly budget consumed, in percent",
		},
		[]string{"budget", "account"},
	)
)

// Status renders an error as a status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveSince records the seconds elapsed since start.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
