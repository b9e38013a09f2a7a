package report

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// Template holds the defaults a report configuration is instantiated from.
type Template struct {
	ID          string                    `json:"id" yaml:"id"`
	Name        string                    `json:"name" yaml:"name"`
	Description string                    `json:"description" yaml:"description"`
	Metric      normalizer.MetricName     `json:"metric" yaml:"metric"`
	GroupBy     normalizer.Dimension      `json:"group_by" yaml:"group_by"`
	Fields      []string                  `json:"fields" yaml:"fields"`
	Filters     map[string]Filter         `json:"filters,omitempty" yaml:"filters"`
	RangeDays   int                       `json:"range_days" yaml:"range_days"` // trailing window ending yesterday
	Forecast    analytics.ForecastOptions `json:"forecast" yaml:"forecast"`
	Anomalies   analytics.AnomalyOptions  `json:"anomalies" yaml:"anomalies"`
}

// Overrides replace template defaults. Nil members keep the template value, Fields
// replaces the field list and Filters are merged by filter id.
type Overrides struct {
	Name        *string                    `json:"name,omitempty"`
	Description *string                    `json:"description,omitempty"`
	AccountID   *string                    `json:"account_id,omitempty"`
	Metric      *normalizer.MetricName     `json:"metric,omitempty"`
	GroupBy     *normalizer.Dimension      `json:"group_by,omitempty"`
	Fields      []string                   `json:"fields,omitempty"`
	Filters     map[string]Filter          `json:"filters,omitempty"`
	DateRange   *normalizer.DateRange      `json:"date_range,omitempty"`
	Forecast    *analytics.ForecastOptions `json:"forecast,omitempty"`
	Anomalies   *analytics.AnomalyOptions  `json:"anomalies,omitempty"`
}

// BuiltinTemplates returns the templates shipped with the engine.
func BuiltinTemplates() []Template {
	return []Template{
		{
			ID:          "monthly-cost-by-service",
			Name:        "Monthly cost by service",
			Description: "Six months of spend per service with a three month forecast",
			Metric:      normalizer.MetricCost,
			GroupBy:     normalizer.DimensionService,
			Fields:      []string{"service", PeriodField, "cost", "usage"},
			RangeDays:   180,
			Forecast:    analytics.ForecastOptions{Enabled: true, HorizonMonths: 3, Confidence: "medium"},
			Anomalies:   analytics.AnomalyOptions{Enabled: true, Sensitivity: "medium"},
		},
		{
			ID:          "daily-cost-anomalies",
			Name:        "Daily cost anomalies",
			Description: "Thirty days of daily spend per service, flagged against trend",
			Metric:      normalizer.MetricCost,
			GroupBy:     normalizer.DimensionService,
			Fields:      []string{PeriodField, "service", "cost"},
			RangeDays:   30,
			Anomalies:   analytics.AnomalyOptions{Enabled: true, Sensitivity: "high"},
		},
		{
			ID:          "top-regions",
			Name:        "Regional spend over 100",
			Description: "Quarterly spend per region for days above 100",
			Metric:      normalizer.MetricCost,
			GroupBy:     normalizer.DimensionRegion,
			Fields:      []string{"region", PeriodField, "cost"},
			Filters: map[string]Filter{
				"min-cost": {Field: "cost", Operator: OpGreaterThan, Value: "100"},
			},
			RangeDays: 90,
		},
		{
			ID:          "compliance-by-framework",
			Name:        "Compliance by framework",
			Description: "Average compliance score and violations per framework",
			Metric:      normalizer.MetricComplianceScore,
			GroupBy:     normalizer.DimensionFramework,
			Fields:      []string{"framework", PeriodField, "complianceScore", "violations"},
			RangeDays:   365,
			Forecast:    analytics.ForecastOptions{Enabled: true, HorizonMonths: 6, Confidence: "low"},
		},
		{
			ID:          "security-findings-by-account",
			Name:        "Security findings by account",
			Description: "Security findings per linked account",
			Metric:      normalizer.MetricSecurityFindings,
			GroupBy:     normalizer.DimensionAccount,
			Fields:      []string{"account", PeriodField, "securityFindings", "violations"},
			RangeDays:   90,
			Anomalies:   analytics.AnomalyOptions{Enabled: true},
		},
	}
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads additional templates from a YAML file.
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return f.Templates, nil
}

// Catalog holds the available templates.
type Catalog struct {
	templates map[string]Template
	now       func() time.Time
}

// NewCatalog indexes templates by id. Later templates replace earlier ones with the same id.
func NewCatalog(templates ...Template) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]Template, len(templates)), now: time.Now}
	for _, t := range templates {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("template %q has no id", t.Name)
		}
		if len(t.Fields) == 0 {
			return nil, fmt.Errorf("template %s has no fields", t.ID)
		}
		if _, err := normalizer.ParseDimension(string(t.GroupBy)); err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		c.templates[t.ID] = t
	}
	return c, nil
}

// List returns the templates sorted by id.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a template by id.
func (c *Catalog) Get(id string) (Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return Template{}, apperr.NotFound("template %s not found", id)
	}
	return t, nil
}

// CreateFromTemplate deep-copies a template into a draft configuration and applies
// overrides. The template itself is never modified.
func (c *Catalog) CreateFromTemplate(templateID string, o Overrides) (*Config, error) {
	t, err := c.Get(templateID)
	if err != nil {
		return nil, err
	}

	end := normalizer.Day(c.now()).AddDate(0, 0, -1)
	days := t.RangeDays
	if days <= 0 {
		days = 30
	}
	cfg := &Config{
		Name:        t.Name,
		Description: t.Description,
		Metric:      t.Metric,
		GroupBy:     t.GroupBy,
		Fields:      append([]string(nil), t.Fields...),
		Filters:     make(map[string]Filter, len(t.Filters)+len(o.Filters)),
		DateRange:   normalizer.NewDateRange(end.AddDate(0, 0, 1-days), end),
		Forecast:    t.Forecast,
		Anomalies:   t.Anomalies,
		TemplateID:  t.ID,
		State:       StateDraft,
	}
	for id, f := range t.Filters {
		cfg.Filters[id] = f
	}

	if o.Name != nil {
		cfg.Name = *o.Name
	}
	if o.Description != nil {
		cfg.Description = *o.Description
	}
	if o.AccountID != nil {
		cfg.AccountID = *o.AccountID
	}
	if o.Metric != nil {
		cfg.Metric = *o.Metric
	}
	if o.GroupBy != nil && *o.GroupBy != cfg.GroupBy {
		cfg.GroupBy = *o.GroupBy
		// The dimension column follows the grouping.
		for i, f := range cfg.Fields {
			if f == string(t.GroupBy) {
				cfg.Fields[i] = string(cfg.GroupBy)
			}
		}
	}
	if o.Fields != nil {
		cfg.Fields = append([]string(nil), o.Fields...)
	}
	for id, f := range o.Filters {
		cfg.Filters[id] = f
	}
	if o.DateRange != nil {
		cfg.DateRange = *o.DateRange
	}
	if o.Forecast != nil {
		cfg.Forecast = *o.Forecast
	}
	if o.Anomalies != nil {
		cfg.Anomalies = *o.Anomalies
	}
	return cfg, nil
}
