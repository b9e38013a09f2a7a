package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

func encodeCSV(ctx context.Context, rep *report.Report) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(header(rep)); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for i, row := range rep.Rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

type jsonDocument struct {
	Title       string                `json:"title"`
	Period      string                `json:"period"`
	GeneratedAt string                `json:"generated_at"`
	Columns     []report.Field        `json:"columns"`
	Rows        []jsonRow             `json:"rows"`
	Summary     jsonSummary           `json:"summary"`
	Report      *report.Report        `json:"report"`
	Metric      normalizer.MetricName `json:"metric"`
}

type jsonSummary struct {
	Total    string `json:"total"`
	RowCount int    `json:"row_count"`
}

// jsonRow is one row keyed by field id. Keys are written in column order.
type jsonRow struct {
	ids    []string
	values []string
}

func (r jsonRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range r.ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeJSON keys each row by field id; monetary values keep their two decimals.
func encodeJSON(ctx context.Context, rep *report.Report) ([]byte, error) {
	doc := jsonDocument{
		Title:       rep.Title(),
		Period:      rep.Period(),
		GeneratedAt: rep.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Columns:     rep.Columns,
		Rows:        make([]jsonRow, 0, len(rep.Rows)),
		Summary: jsonSummary{
			Total:    normalizer.FormatValue(rep.Summary.Metric, rep.Summary.Total),
			RowCount: rep.Summary.RowCount,
		},
		Report: rep,
		Metric: rep.Summary.Metric,
	}
	for i, row := range rep.Rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		var jr jsonRow
		for j, col := range rep.Columns {
			if j < len(row) {
				jr.ids = append(jr.ids, col.ID)
				jr.values = append(jr.values, row[j])
			}
		}
		doc.Rows = append(doc.Rows, jr)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
