package report

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpAfter       Operator = "after"
	OpBefore      Operator = "before"
)

// Operators lists the operators valid for each field type.
var Operators = map[FieldType][]Operator{
	FieldString:   {OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith},
	FieldNumeric:  {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpBetween},
	FieldCurrency: {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpBetween},
	FieldPercent:  {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpBetween},
	FieldDatetime: {OpEquals, OpAfter, OpBefore, OpBetween},
}

// Filter is one predicate over a field. Between takes "low,high", both inclusive.
type Filter struct {
	Field    string   `json:"field" yaml:"field" validate:"required"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required"`
	Value    string   `json:"value" yaml:"value"`
}

// fact is every metric of one dimension key on one day.
type fact struct {
	day     time.Time
	key     string
	metrics map[normalizer.MetricName]decimal.Decimal
	records []normalizer.MetricRecord
}

// facts pivots records into one fact per (day, key), in first-seen order.
func facts(records []normalizer.MetricRecord) []*fact {
	type id struct {
		day time.Time
		key string
	}
	index := make(map[id]*fact)
	var out []*fact
	for _, r := range records {
		k := id{day: normalizer.Day(r.Timestamp), key: r.DimensionKey}
		f, ok := index[k]
		if !ok {
			f = &fact{day: k.day, key: k.key, metrics: make(map[normalizer.MetricName]decimal.Decimal)}
			index[k] = f
			out = append(out, f)
		}
		f.metrics[r.Metric] = f.metrics[r.Metric].Add(r.Value)
		f.records = append(f.records, r)
	}
	return out
}

type predicate func(f *fact) bool

// compile validates a filter against the field catalog and returns its predicate.
func compile(filterID string, flt Filter, c catalog) (predicate, error) {
	field, err := c.lookup(flt.Field)
	if err != nil {
		return nil, apperr.Validation("filter %s: unknown field %q", filterID, flt.Field)
	}
	if !allowed(field.Type, flt.Operator) {
		return nil, apperr.Validation("filter %s: operator %q does not apply to %s field %s", filterID, flt.Operator, field.Type, field.ID)
	}

	switch field.Type {
	case FieldString:
		return stringPredicate(flt.Operator, flt.Value), nil
	case FieldDatetime:
		return datePredicate(filterID, flt)
	default:
		return numberPredicate(filterID, normalizer.MetricName(field.ID), flt)
	}
}

func allowed(t FieldType, op Operator) bool {
	for _, o := range Operators[t] {
		if o == op {
			return true
		}
	}
	return false
}

// String comparisons ignore case.
func stringPredicate(op Operator, value string) predicate {
	want := strings.ToLower(value)
	return func(f *fact) bool {
		got := strings.ToLower(f.key)
		switch op {
		case OpEquals:
			return got == want
		case OpNotEquals:
			return got != want
		case OpContains:
			return strings.Contains(got, want)
		case OpStartsWith:
			return strings.HasPrefix(got, want)
		case OpEndsWith:
			return strings.HasSuffix(got, want)
		}
		return false
	}
}

// A fact without the filtered metric never matches.
func numberPredicate(filterID string, metric normalizer.MetricName, flt Filter) (predicate, error) {
	low, high, err := bounds(filterID, flt, func(s string) (decimal.Decimal, error) {
		return decimal.NewFromString(s)
	})
	if err != nil {
		return nil, err
	}
	return func(f *fact) bool {
		v, ok := f.metrics[metric]
		if !ok {
			return false
		}
		switch flt.Operator {
		case OpEquals:
			return v.Equal(low)
		case OpNotEquals:
			return !v.Equal(low)
		case OpGreaterThan:
			return v.GreaterThan(low)
		case OpLessThan:
			return v.LessThan(low)
		case OpBetween:
			return !v.LessThan(low) && !v.GreaterThan(high)
		}
		return false
	}, nil
}

func datePredicate(filterID string, flt Filter) (predicate, error) {
	low, high, err := bounds(filterID, flt, normalizer.ParseDate)
	if err != nil {
		return nil, err
	}
	return func(f *fact) bool {
		switch flt.Operator {
		case OpEquals:
			return f.day.Equal(low)
		case OpAfter:
			return f.day.After(low)
		case OpBefore:
			return f.day.Before(low)
		case OpBetween:
			return !f.day.Before(low) && !f.day.After(high)
		}
		return false
	}, nil
}

// bounds parses the filter value, or both ends of a between value.
func bounds[T any](filterID string, flt Filter, parse func(string) (T, error)) (low, high T, err error) {
	raw := []string{flt.Value}
	if flt.Operator == OpBetween {
		raw = strings.Split(flt.Value, ",")
		if len(raw) != 2 {
			return low, high, apperr.Validation("filter %s: between needs \"low,high\", got %q", filterID, flt.Value)
		}
	}
	parsed := make([]T, len(raw))
	for i, s := range raw {
		v, perr := parse(strings.TrimSpace(s))
		if perr != nil {
			return low, high, apperr.Validation("filter %s: invalid value %q for %s", filterID, s, flt.Field)
		}
		parsed[i] = v
	}
	low = parsed[0]
	high = parsed[len(parsed)-1]
	return low, high, nil
}

// applyFilters keeps the records of facts that satisfy every predicate.
func applyFilters(records []normalizer.MetricRecord, preds []predicate) []normalizer.MetricRecord {
	if len(preds) == 0 {
		return records
	}
	out := make([]normalizer.MetricRecord, 0, len(records))
	for _, f := range facts(records) {
		if matchesAll(f, preds) {
			out = append(out, f.records...)
		}
	}
	return out
}

func matchesAll(f *fact, preds []predicate) bool {
	for _, p := range preds {
		if !p(f) {
			return false
		}
	}
	return true
}
