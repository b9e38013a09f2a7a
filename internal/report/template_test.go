package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(BuiltinTemplates()...)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2024, time.July, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestBuiltinTemplatesAreBuildable(t *testing.T) {
	c := testCatalog(t)
	for _, tmpl := range c.List() {
		cfg, err := c.CreateFromTemplate(tmpl.ID, Overrides{AccountID: ptr("acct-1")})
		require.NoError(t, err, tmpl.ID)
		assert.NoError(t, CheckConfig(cfg), tmpl.ID)
		assert.Equal(t, StateDraft, cfg.State)
		assert.Equal(t, tmpl.ID, cfg.TemplateID)
	}
}

func TestCreateFromTemplateRange(t *testing.T) {
	c := testCatalog(t)
	cfg, err := c.CreateFromTemplate("daily-cost-anomalies", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC), cfg.DateRange.End)
	assert.Equal(t, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), cfg.DateRange.Start)
	assert.Equal(t, 30, cfg.DateRange.Days())
}

func TestCreateFromTemplateDeepCopies(t *testing.T) {
	c := testCatalog(t)

	cfg, err := c.CreateFromTemplate("top-regions", Overrides{})
	require.NoError(t, err)
	cfg.Fields[0] = "changed"
	cfg.Filters["min-cost"] = Filter{Field: "cost", Operator: OpLessThan, Value: "1"}
	cfg.Filters["extra"] = Filter{Field: "region", Operator: OpEquals, Value: "x"}

	again, err := c.CreateFromTemplate("top-regions", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "region", again.Fields[0])
	assert.Equal(t, OpGreaterThan, again.Filters["min-cost"].Operator)
	assert.NotContains(t, again.Filters, "extra")

	tmpl, err := c.Get("top-regions")
	require.NoError(t, err)
	assert.Len(t, tmpl.Filters, 1)
	assert.Equal(t, "region", tmpl.Fields[0])
}

func TestCreateFromTemplateOverrides(t *testing.T) {
	c := testCatalog(t)
	r := normalizer.NewDateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	region := normalizer.DimensionRegion

	cfg, err := c.CreateFromTemplate("monthly-cost-by-service", Overrides{
		Name:      ptr("Q1 by region"),
		AccountID: ptr("acct-1"),
		GroupBy:   &region,
		Filters:   map[string]Filter{"big": {Field: "cost", Operator: OpGreaterThan, Value: "1000"}},
		DateRange: &r,
		Forecast:  &analytics.ForecastOptions{Enabled: false},
	})
	require.NoError(t, err)

	assert.Equal(t, "Q1 by region", cfg.Name)
	assert.Equal(t, "acct-1", cfg.AccountID)
	assert.Equal(t, normalizer.DimensionRegion, cfg.GroupBy)
	assert.Equal(t, []string{"region", PeriodField, "cost", "usage"}, cfg.Fields)
	assert.Contains(t, cfg.Filters, "big")
	assert.Equal(t, r, cfg.DateRange)
	assert.False(t, cfg.Forecast.Enabled)
	assert.True(t, cfg.Anomalies.Enabled)

	cfg, err = c.CreateFromTemplate("monthly-cost-by-service", Overrides{Fields: []string{"cost"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cost"}, cfg.Fields)
}

func TestCreateFromUnknownTemplate(t *testing.T) {
	_, err := testCatalog(t).CreateFromTemplate("nope", Overrides{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestLoadTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: findings
    name: Findings by region
    metric: securityFindings
    group_by: region
    fields: [region, period, securityFindings]
    range_days: 14
    filters:
      noisy:
        field: securityFindings
        operator: greater_than
        value: "3"
    anomalies:
      enabled: true
      sensitivity: low
`), 0o644))

	loaded, err := LoadTemplates(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	c, err := NewCatalog(append(BuiltinTemplates(), loaded...)...)
	require.NoError(t, err)
	tmpl, err := c.Get("findings")
	require.NoError(t, err)
	assert.Equal(t, normalizer.MetricSecurityFindings, tmpl.Metric)
	assert.Equal(t, OpGreaterThan, tmpl.Filters["noisy"].Operator)
	assert.Equal(t, "low", tmpl.Anomalies.Sensitivity)

	_, err = NewCatalog(Template{ID: "bad", GroupBy: normalizer.DimensionService})
	assert.Error(t, err)
}

func TestFieldsCatalog(t *testing.T) {
	fields := Fields(normalizer.DimensionFramework)
	require.Len(t, fields, 2+len(normalizer.Metrics))
	assert.Equal(t, Field{ID: "framework", Label: "Framework", Type: FieldString}, fields[0])
	assert.Equal(t, FieldDatetime, fields[1].Type)

	types := map[string]FieldType{}
	for _, f := range fields {
		types[f.ID] = f.Type
	}
	assert.Equal(t, FieldCurrency, types["cost"])
	assert.Equal(t, FieldPercent, types["complianceScore"])
	assert.Equal(t, FieldNumeric, types["violations"])
}

func TestIsPermutation(t *testing.T) {
	current := []string{"a", "b", "c"}
	assert.NoError(t, isPermutation(current, []string{"c", "a", "b"}))
	assert.Error(t, isPermutation(current, []string{"a", "b"}))
	assert.Error(t, isPermutation(current, []string{"a", "a", "b"}))
	assert.Error(t, isPermutation(current, []string{"a", "b", "d"}))
}

func TestConfigClone(t *testing.T) {
	cfg := &Config{Fields: []string{"a"}, Filters: map[string]Filter{"f": {Field: "a"}}, ScheduleIDs: []string{"s"}}
	c := cfg.Clone()
	c.Fields[0] = "b"
	c.Filters["g"] = Filter{}
	c.ScheduleIDs[0] = "t"
	assert.Equal(t, "a", cfg.Fields[0])
	assert.Len(t, cfg.Filters, 1)
	assert.Equal(t, "s", cfg.ScheduleIDs[0])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatExcel, f)

	_, err = ParseFormat("docx")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func ptr[T any](v T) *T { return &v }
