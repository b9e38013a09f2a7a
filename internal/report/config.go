// Package report assembles analytics reports from persisted configurations and templates.
package report

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// State is the lifecycle state of a report configuration.
type State string

const (
	StateDraft     State = "draft"
	StateSaved     State = "saved"
	StateScheduled State = "scheduled"
	StateDeleted   State = "deleted"
)

// Config is a named, persistable report definition.
type Config struct {
	ID          string                    `json:"id,omitempty"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	AccountID   string                    `json:"account_id" validate:"required"`
	Metric      normalizer.MetricName     `json:"metric,omitempty"`
	Fields      []string                  `json:"fields" validate:"min=1,unique,dive,required"`
	Filters     map[string]Filter         `json:"filters,omitempty" validate:"dive,keys,required,endkeys"`
	GroupBy     normalizer.Dimension      `json:"group_by" validate:"required"`
	DateRange   normalizer.DateRange      `json:"date_range"`
	Forecast    analytics.ForecastOptions `json:"forecast"`
	Anomalies   analytics.AnomalyOptions  `json:"anomalies"`
	TemplateID  string                    `json:"template_id,omitempty"`
	State       State                     `json:"state"`
	Version     int64                     `json:"version"`
	ScheduleIDs []string                  `json:"schedule_ids,omitempty"`
	CreatedAt   time.Time                 `json:"created_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Fields = append([]string(nil), c.Fields...)
	out.ScheduleIDs = append([]string(nil), c.ScheduleIDs...)
	if c.Filters != nil {
		out.Filters = make(map[string]Filter, len(c.Filters))
		for id, f := range c.Filters {
			out.Filters[id] = f
		}
	}
	return &out
}

// Frequency is how often a schedule delivers.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Frequencies lists the supported schedule frequencies.
var Frequencies = []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyMonthly}

// Format is an export encoding.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatJSON  Format = "json"
	FormatHTML  Format = "html"
)

// ParseFormat validates an export format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatPDF, FormatCSV, FormatExcel, FormatJSON, FormatHTML:
		return f, nil
	case "xlsx", "xls":
		return FormatExcel, nil
	}
	return "", apperr.InvalidArgument("unknown export format %q (want pdf, csv, excel, json or html)", s)
}

// ScheduleConfig is a recurring delivery of one report configuration.
type ScheduleConfig struct {
	ID             string    `json:"id,omitempty"`
	ReportConfigID string    `json:"report_config_id"`
	Frequency      Frequency `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Recipients     []string  `json:"recipients" validate:"min=1,unique,dive,email"`
	Format         Format    `json:"format" validate:"required,oneof=pdf csv excel"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	NextRunAt      time.Time `json:"next_run_at,omitempty"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Clone returns a deep copy of s.
func (s *ScheduleConfig) Clone() *ScheduleConfig {
	if s == nil {
		return nil
	}
	out := *s
	out.Recipients = append([]string(nil), s.Recipients...)
	return &out
}

var validate = validator.New()

// Validate checks struct tags on v and converts failures into a validation error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.New(apperr.CodeValidation, "invalid input", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return apperr.Validation("%s", strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " needs at least " + fe.Param() + " entries"
	case "unique":
		return field + " contains duplicates"
	case "email":
		return field + " is not a valid email address"
	case "oneof":
		return field + " must be one of " + fe.Param()
	}
	return field + " failed " + fe.Tag()
}
