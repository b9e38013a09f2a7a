package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/budget"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/delivery"
	"github.com/lvonguyen/finops-analytics/internal/export"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
	"github.com/lvonguyen/finops-analytics/internal/schedule"
	"github.com/lvonguyen/finops-analytics/internal/storage/badger"
	"github.com/lvonguyen/finops-analytics/internal/store/memory"
)

const token = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	var entries []memory.Entry
	for i, v := range []int64{1000, 1050, 5000, 1100} {
		entries = append(entries, memory.Entry{
			Date:    time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC),
			Service: "Compute",
			Region:  "us-east-1",
			Metric:  normalizer.MetricCost,
			Value:   decimal.NewFromInt(v),
		})
	}
	st := memory.New(memory.Account{ID: "acct-1", Entries: entries})

	cfg := config.Default()
	cfg.Server.BearerToken = token
	engine := analytics.NewEngine(st, cfg, budget.NewChecker(logger), logger)

	repo, err := badger.OpenRepository(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	catalog, err := report.NewCatalog(report.BuiltinTemplates()...)
	require.NoError(t, err)
	reports := report.NewService(repo, report.NewAssembler(engine, logger), catalog, logger)
	exporter := export.New(logger)
	scheduler, err := schedule.New(reports, exporter, delivery.NewLogNotifier(logger), cfg.Scheduler, logger)
	require.NoError(t, err)

	return NewServer(Deps{Engine: engine, Reports: reports, Scheduler: scheduler, Exporter: exporter}, cfg.Server, logger)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, w, &body)
	return body.Error.Code
}

func januaryReport() map[string]any {
	return map[string]any{
		"name":       "January spend",
		"account_id": "acct-1",
		"fields":     []string{"service", "period", "cost"},
		"group_by":   "service",
		"date_range": map[string]string{"start": "2024-01-01", "end": "2024-01-31"},
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	s := setupTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "finops_analytics_http_requests_total")
}

func TestBearerTokenRequired(t *testing.T) {
	s := setupTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorCode(t, w))

	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("Authorization", "bearer wrong")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("Authorization", "BEARER "+token)
	req.Header.Set(requestIDHeader, "req-42")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

func TestRequestIDGenerated(t *testing.T) {
	w := do(t, setupTestServer(t), http.MethodGet, "/reports", nil)
	assert.Len(t, w.Header().Get(requestIDHeader), 36)
}

func TestAnalyticsQuery(t *testing.T) {
	s := setupTestServer(t)

	w := do(t, s, http.MethodGet, "/analytics?account=acct-1&start=2024-01-01&end=2024-04-30&horizon=2&sensitivity=medium", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Granularity string `json:"granularity"`
		Series      []struct {
			DimensionKey string `json:"dimension_key"`
		} `json:"series"`
		Forecast struct {
			Points []json.RawMessage `json:"points"`
		} `json:"forecast"`
		Anomalies []struct {
			DimensionKey string `json:"dimension_key"`
		} `json:"anomalies"`
	}
	decode(t, w, &res)
	assert.Equal(t, "month", res.Granularity)
	require.Len(t, res.Series, 1)
	assert.Equal(t, "Compute", res.Series[0].DimensionKey)
	assert.Len(t, res.Forecast.Points, 2)
	require.Len(t, res.Anomalies, 1)
}

func TestAnalyticsErrors(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{"missing account", "start=2024-01-01&end=2024-01-31", http.StatusBadRequest, "invalid_argument"},
		{"unknown account", "account=nope&start=2024-01-01&end=2024-01-31", http.StatusNotFound, "not_found"},
		{"backwards range", "account=acct-1&start=2024-02-01&end=2024-01-01", http.StatusBadRequest, "invalid_range"},
		{"bad date", "account=acct-1&start=yesterday&end=2024-01-01", http.StatusBadRequest, "invalid_range"},
		{"bad dimension", "account=acct-1&start=2024-01-01&end=2024-01-31&dimension=planet", http.StatusBadRequest, "invalid_argument"},
		{"bad metric", "account=acct-1&start=2024-01-01&end=2024-01-31&metric=latency", http.StatusBadRequest, "invalid_argument"},
		{"bad horizon", "account=acct-1&start=2024-01-01&end=2024-04-30&horizon=abc", http.StatusBadRequest, "invalid_argument"},
		{"horizon out of range", "account=acct-1&start=2024-01-01&end=2024-04-30&horizon=30", http.StatusBadRequest, "invalid_argument"},
		{"insufficient data", "account=acct-1&start=2023-06-01&end=2023-06-30&forecast=true", http.StatusBadRequest, "insufficient_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodGet, "/analytics?"+tt.query, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestAnalyticsExport(t *testing.T) {
	s := setupTestServer(t)

	w := do(t, s, http.MethodPost, "/analytics/export", map[string]any{
		"account_id": "acct-1",
		"date_range": map[string]string{"start": "2024-01-01", "end": "2024-04-30"},
		"format":     "csv",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "untitled-report-")
	assert.Equal(t, "Service,Period,Cost\nCompute,2024-01,1000.00\nCompute,2024-02,1050.00\nCompute,2024-03,5000.00\nCompute,2024-04,1100.00\n", w.Body.String())

	w = do(t, s, http.MethodPost, "/analytics/export", map[string]any{"account_id": "acct-1", "format": "docx"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportLifecycle(t *testing.T) {
	s := setupTestServer(t)

	w := do(t, s, http.MethodPost, "/reports", januaryReport())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var saved report.Config
	decode(t, w, &saved)
	assert.Equal(t, report.StateSaved, saved.State)
	id := saved.ID

	w = do(t, s, http.MethodGet, "/reports/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPut, "/reports/"+id+"/fields", map[string]any{"fields": []string{"cost", "service", "period"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/reports/"+id+"/filters", map[string]any{"field": "cost", "operator": "greater_than", "value": "10"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		FilterID string        `json:"filter_id"`
		Report   report.Config `json:"report"`
	}
	decode(t, w, &created)
	assert.Contains(t, created.Report.Filters, created.FilterID)

	w = do(t, s, http.MethodGet, "/reports/"+id+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep struct {
		Rows [][]string `json:"rows"`
	}
	decode(t, w, &rep)
	assert.Equal(t, [][]string{{"1000.00", "Compute", "2024-01-01"}}, rep.Rows)

	w = do(t, s, http.MethodDelete, "/reports/"+id+"/filters/"+created.FilterID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodDelete, "/reports/"+id+"/filters/"+created.FilterID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/reports/"+id+"/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")

	stale := januaryReport()
	stale["version"] = 1
	w = do(t, s, http.MethodPut, "/reports/"+id, stale)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/reports/schedule", map[string]any{
		"report_config_id": id,
		"frequency":        "weekly",
		"recipients":       []string{"finops@example.com"},
		"format":           "pdf",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sc report.ScheduleConfig
	decode(t, w, &sc)
	assert.False(t, sc.NextRunAt.IsZero())

	w = do(t, s, http.MethodGet, "/reports/schedules?report="+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var schedules struct {
		Schedules []report.ScheduleConfig `json:"schedules"`
	}
	decode(t, w, &schedules)
	assert.Len(t, schedules.Schedules, 1)

	w = do(t, s, http.MethodDelete, "/reports/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deleted struct {
		Schedules []string `json:"schedules"`
	}
	decode(t, w, &deleted)
	assert.Equal(t, []string{sc.ID}, deleted.Schedules)

	w = do(t, s, http.MethodGet, "/reports/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodDelete, "/reports/schedules/"+sc.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveReportValidation(t *testing.T) {
	s := setupTestServer(t)

	cfg := januaryReport()
	cfg["fields"] = []string{}
	w := do(t, s, http.MethodPost, "/reports", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/reports", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, w))
}

func TestPreviewAndFields(t *testing.T) {
	s := setupTestServer(t)

	cfg := januaryReport()
	delete(cfg, "name")
	w := do(t, s, http.MethodPost, "/reports/preview", cfg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/reports", nil)
	var list struct {
		Reports []report.Config `json:"reports"`
	}
	decode(t, w, &list)
	assert.Empty(t, list.Reports)

	w = do(t, s, http.MethodGet, "/reports/fields?groupBy=region", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fields struct {
		Fields []report.Field `json:"fields"`
	}
	decode(t, w, &fields)
	assert.Equal(t, "region", fields.Fields[0].ID)

	w = do(t, s, http.MethodGet, "/reports/fields?groupBy=planet", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTemplates(t *testing.T) {
	s := setupTestServer(t)

	w := do(t, s, http.MethodGet, "/reports/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var templates struct {
		Templates []report.Template `json:"templates"`
	}
	decode(t, w, &templates)
	assert.Len(t, templates.Templates, len(report.BuiltinTemplates()))

	w = do(t, s, http.MethodPost, "/reports/templates/top-regions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var draft report.Config
	decode(t, w, &draft)
	assert.Equal(t, report.StateDraft, draft.State)

	w = do(t, s, http.MethodPost, "/reports/templates/top-regions?save=true", map[string]any{"name": "Regions", "account_id": "acct-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var saved report.Config
	decode(t, w, &saved)
	assert.Equal(t, "Regions", saved.Name)
	assert.Equal(t, report.StateSaved, saved.State)

	w = do(t, s, http.MethodPost, "/reports/templates/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleValidation(t *testing.T) {
	s := setupTestServer(t)

	w := do(t, s, http.MethodPost, "/reports", januaryReport())
	require.Equal(t, http.StatusCreated, w.Code)
	var saved report.Config
	decode(t, w, &saved)

	w = do(t, s, http.MethodPost, "/reports/schedule", map[string]any{
		"report_config_id": saved.ID,
		"frequency":        "daily",
		"format":           "csv",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, s, http.MethodPost, "/reports/schedule", map[string]any{
		"report_config_id": saved.ID,
		"frequency":        "daily",
		"recipients":       []string{"a@example.com"},
		"format":           "html",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
