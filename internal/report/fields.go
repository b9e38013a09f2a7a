package report

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// FieldType determines how a field is rendered and which filter operators apply.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumeric  FieldType = "numeric"
	FieldCurrency FieldType = "currency"
	FieldPercent  FieldType = "percent"
	FieldDatetime FieldType = "datetime"
)

// PeriodField is the bucket start column.
const PeriodField = "period"

// Field describes one selectable report column.
type Field struct {
	ID    string    `json:"id"`
	Label string    `json:"label"`
	Type  FieldType `json:"type"`
}

var metricLabels = map[normalizer.MetricName]string{
	normalizer.MetricCost:             "Cost",
	normalizer.MetricUsage:            "Usage",
	normalizer.MetricAPICalls:         "API Calls",
	normalizer.MetricComplianceScore:  "Compliance Score",
	normalizer.MetricViolations:       "Violations",
	normalizer.MetricSecurityFindings: "Security Findings",
}

// Fields returns the field catalog for reports grouped by groupBy: the dimension key,
// the period, then every metric.
func Fields(groupBy normalizer.Dimension) []Field {
	fields := []Field{
		{ID: string(groupBy), Label: title(string(groupBy)), Type: FieldString},
		{ID: PeriodField, Label: "Period", Type: FieldDatetime},
	}
	for _, m := range normalizer.Metrics {
		fields = append(fields, Field{ID: string(m), Label: metricLabels[m], Type: metricType(m)})
	}
	return fields
}

func metricType(m normalizer.MetricName) FieldType {
	switch {
	case m.Currency():
		return FieldCurrency
	case m == normalizer.MetricComplianceScore:
		return FieldPercent
	}
	return FieldNumeric
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// catalog indexes the fields of one grouping.
type catalog map[string]Field

func catalogFor(groupBy normalizer.Dimension) catalog {
	c := make(catalog)
	for _, f := range Fields(groupBy) {
		c[f.ID] = f
	}
	return c
}

func (c catalog) lookup(id string) (Field, error) {
	f, ok := c[id]
	if !ok {
		return Field{}, apperr.Validation("unknown field %q", id)
	}
	return f, nil
}

// columns resolves ids in order.
func (c catalog) columns(ids []string) ([]Field, error) {
	out := make([]Field, 0, len(ids))
	for _, id := range ids {
		f, err := c.lookup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// isPermutation reports whether next holds exactly the ids of current.
func isPermutation(current, next []string) error {
	if len(current) != len(next) {
		return apperr.Validation("reorder must list all %d fields, got %d", len(current), len(next))
	}
	seen := make(map[string]int, len(current))
	for _, id := range current {
		seen[id]++
	}
	for _, id := range next {
		if seen[id] == 0 {
			return apperr.Validation("field %q is not part of the report or is repeated", id)
		}
		seen[id]--
	}
	return nil
}

func fieldList(fields []Field) string {
	ids := make([]string, len(fields))
	for i, f := range fields {
		ids[i] = f.ID
	}
	return fmt.Sprintf("[%s]", strings.Join(ids, ", "))
}
