// Package normalizer provides the common schema for time-bucketed metric records.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
)

// DateLayout is the ISO-8601 calendar date layout used on the wire.
const DateLayout = "2006-01-02"

// UntaggedKey is the dimension key for records that carry no value for the requested dimension.
const UntaggedKey = "UNTAGGED"

// MetricName identifies what a record measures.
type MetricName string

const (
	MetricCost             MetricName = "cost"
	MetricUsage            MetricName = "usage"
	MetricAPICalls         MetricName = "apiCalls"
	MetricComplianceScore  MetricName = "complianceScore"
	MetricViolations       MetricName = "violations"
	MetricSecurityFindings MetricName = "securityFindings"
)

// Metrics lists every known metric in display order.
var Metrics = []MetricName{
	MetricCost,
	MetricUsage,
	MetricAPICalls,
	MetricComplianceScore,
	MetricViolations,
	MetricSecurityFindings,
}

// ParseMetric validates a metric name. Matching is case-insensitive.
func ParseMetric(s string) (MetricName, error) {
	for _, m := range Metrics {
		if strings.EqualFold(string(m), strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", apperr.InvalidArgument("unknown metric %q", s)
}

// Averaged reports whether the metric is averaged rather than summed within a bucket.
func (m MetricName) Averaged() bool {
	return m == MetricComplianceScore
}

// Currency reports whether the metric is a monetary amount.
func (m MetricName) Currency() bool {
	return m == MetricCost
}

// Dimension is the categorical axis records are grouped by.
type Dimension string

const (
	DimensionService   Dimension = "service"
	DimensionRegion    Dimension = "region"
	DimensionAccount   Dimension = "account"
	DimensionTag       Dimension = "tag"
	DimensionFramework Dimension = "framework"
)

// Dimensions lists every supported dimension.
var Dimensions = []Dimension{
	DimensionService,
	DimensionRegion,
	DimensionAccount,
	DimensionTag,
	DimensionFramework,
}

// ParseDimension validates a dimension name.
func ParseDimension(s string) (Dimension, error) {
	for _, d := range Dimensions {
		if strings.EqualFold(string(d), strings.TrimSpace(s)) {
			return d, nil
		}
	}
	return "", apperr.InvalidArgument("unknown dimension %q", s)
}

// MetricRecord is a single immutable measurement for one dimension key on one day.
type MetricRecord struct {
	Timestamp    time.Time       `json:"timestamp" yaml:"timestamp"`
	DimensionKey string          `json:"dimension_key" yaml:"dimension_key"`
	Metric       MetricName      `json:"metric" yaml:"metric"`
	Value        decimal.Decimal `json:"value" yaml:"value"`
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a range from two dates, truncating both to UTC days.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// ParseDateRange parses two ISO dates into a validated range.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := ParseDate(start)
	if err != nil {
		return DateRange{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return DateRange{}, err
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// Validate rejects zero dates and ranges whose start is after their end.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return apperr.InvalidRange("date range requires start and end")
	}
	if Day(r.Start).After(Day(r.End)) {
		return apperr.InvalidRange("start %s is after end %s", FormatDate(r.Start), FormatDate(r.End))
	}
	return nil
}

// Days returns the number of calendar days covered, counting both ends.
func (r DateRange) Days() int {
	return int(Day(r.End).Sub(Day(r.Start)).Hours()/24) + 1
}

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(r.Start)) && !d.After(Day(r.End))
}

// String renders the range as start..end.
func (r DateRange) String() string {
	return FormatDate(r.Start) + ".." + FormatDate(r.End)
}

type dateRangeJSON struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// MarshalJSON renders both ends as ISO dates.
func (r DateRange) MarshalJSON() ([]byte, error) {
	out := dateRangeJSON{}
	if !r.Start.IsZero() {
		out.Start = FormatDate(r.Start)
	}
	if !r.End.IsZero() {
		out.End = FormatDate(r.End)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"}.
func (r *DateRange) UnmarshalJSON(data []byte) error {
	var in dateRangeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	return r.fromStrings(in)
}

// UnmarshalYAML accepts the same shape as JSON.
func (r *DateRange) UnmarshalYAML(unmarshal func(any) error) error {
	var in dateRangeJSON
	if err := unmarshal(&in); err != nil {
		return err
	}
	return r.fromStrings(in)
}

func (r *DateRange) fromStrings(in dateRangeJSON) error {
	*r = DateRange{}
	if in.Start != "" {
		s, err := ParseDate(in.Start)
		if err != nil {
			return err
		}
		r.Start = s
	}
	if in.End != "" {
		e, err := ParseDate(in.End)
		if err != nil {
			return err
		}
		r.End = e
	}
	return nil
}

// ParseDate parses an ISO date (or RFC 3339 timestamp) into a UTC day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Day(t), nil
	}
	return time.Time{}, apperr.InvalidRange("invalid date %q, expected YYYY-MM-DD", s)
}

// FormatDate renders t as an ISO date.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of t's month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthsBetween returns the number of whole calendar months from a to b.
func MonthsBetween(a, b time.Time) int {
	a, b = a.UTC(), b.UTC()
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// FormatValue renders a metric value for display. Money is fixed to two fractional digits.
func FormatValue(m MetricName, v decimal.Decimal) string {
	if m.Currency() {
		return v.StringFixed(2)
	}
	return v.Round(2).String()
}

// ServiceMapping maps cloud-specific services to normalized names
var ServiceMapping = map[string]map[string]string{
	"aws": {
		"Amazon Elastic Compute Cloud - Compute": "Compute",
		"Amazon Relational Database Service":     "Database",
		"Amazon Simple Storage Service":          "Storage",
		"AWS Lambda":                             "Serverless",
		"Amazon Virtual Private Cloud":           "Networking",
		"Amazon CloudWatch":                      "Monitoring",
		"Amazon API Gateway":                     "API",
	},
	"azure": {
		"Virtual Machines":   "Compute",
		"Azure SQL Database": "Database",
		"Storage":            "Storage",
		"Azure Functions":    "Serverless",
		"Virtual Network":    "Networking",
		"Azure Monitor":      "Monitoring",
		"API Management":     "API",
	},
	"gcp": {
		"Compute Engine":        "Compute",
		"Cloud SQL":             "Database",
		"Cloud Storage":         "Storage",
		"Cloud Functions":       "Serverless",
		"Virtual Private Cloud": "Networking",
		"Cloud Monitoring":      "Monitoring",
		"API Gateway":           "API",
	},
}

// NormalizeService converts cloud-specific service names to normalized names
func NormalizeService(cloud, cloudService string) string {
	if mapping, ok := ServiceMapping[cloud]; ok {
		if normalized, ok := mapping[cloudService]; ok {
			return normalized
		}
	}
	return cloudService
}

// NormalizeKey returns the dimension key for a raw value, substituting UntaggedKey for blanks.
func NormalizeKey(raw string) string {
	if k := strings.TrimSpace(raw); k != "" {
		return k
	}
	return UntaggedKey
}

// Describe renders a record for logs.
func (r MetricRecord) Describe() string {
	return fmt.Sprintf("%s %s %s=%s", FormatDate(r.Timestamp), r.DimensionKey, r.Metric, r.Value.String())
}
