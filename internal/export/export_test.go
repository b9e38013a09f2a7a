package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/finops-analytics/internal/anomaly"
	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/budget"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

func sampleReport(rows ...[]string) *report.Report {
	return &report.Report{
		Config: &report.Config{
			Name:      "Cost by service",
			AccountID: "acct-1",
			GroupBy:   normalizer.DimensionService,
			DateRange: normalizer.NewDateRange(
				time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
			),
		},
		Columns: []report.Field{
			{ID: "service", Label: "Service", Type: report.FieldString},
			{ID: "cost", Label: "Cost", Type: report.FieldCurrency},
		},
		Rows: rows,
		Summary: report.Summary{
			Metric:   normalizer.MetricCost,
			Total:    decimal.NewFromInt(1000),
			RowCount: len(rows),
			TopKeys: []report.KeyShare{
				{DimensionKey: "B", Total: decimal.NewFromInt(600), SharePct: decimal.NewFromInt(60)},
			},
		},
		GeneratedAt: time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fullReport() *report.Report {
	rep := sampleReport([]string{"B", "600.00"}, []string{"A, Inc", "400.00"})
	rep.Anomalies = []anomaly.Anomaly{{
		Month:        time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC),
		DimensionKey: "B",
		Metric:       normalizer.MetricCost,
		Actual:       decimal.NewFromInt(600),
		Expected:     decimal.NewFromInt(200),
		DeviationPct: decimal.NewFromInt(200),
		Severity:     "high",
	}}
	rep.Budgets = []budget.Evaluation{{
		Budget:      budget.Budget{Name: "monthly", MonthlyLimit: decimal.NewFromInt(800)},
		Actual:      decimal.NewFromInt(1000),
		PercentUsed: decimal.NewFromInt(125),
		Status:      budget.StatusOver,
	}}
	return rep
}

func TestExportCSV(t *testing.T) {
	e := New(zaptest.NewLogger(t))

	p, err := e.Export(context.Background(), fullReport(), report.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "cost-by-service-20240201-120000.csv", p.Filename)
	assert.Equal(t, "text/csv; charset=utf-8", p.ContentType)

	records, err := csv.NewReader(bytes.NewReader(p.Data)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Service", "Cost"}, {"B", "600.00"}, {"A, Inc", "400.00"}}, records)
}

func TestExportZeroRowsIsHeadersOnly(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	ctx := context.Background()
	rep := sampleReport()

	p, err := e.Export(ctx, rep, report.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "Service,Cost\n", string(p.Data))

	p, err = e.Export(ctx, rep, report.FormatJSON)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(p.Data, &doc))
	assert.Equal(t, []any{}, doc["rows"])

	p, err = e.Export(ctx, rep, report.FormatExcel)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(p.Data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(dataSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Service", "Cost"}}, rows)

	p, err = e.Export(ctx, rep, report.FormatPDF)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(p.Data, []byte("%PDF-")))

	p, err = e.Export(ctx, rep, report.FormatHTML)
	require.NoError(t, err)
	assert.Contains(t, string(p.Data), "No rows matched this report.")
}

func TestExportJSON(t *testing.T) {
	p, err := New(zaptest.NewLogger(t)).Export(context.Background(), fullReport(), report.FormatJSON)
	require.NoError(t, err)

	var doc struct {
		Title   string              `json:"title"`
		Period  string              `json:"period"`
		Rows    []map[string]string `json:"rows"`
		Summary struct {
			Total    string `json:"total"`
			RowCount int    `json:"row_count"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(p.Data, &doc))
	assert.Equal(t, "Cost by service", doc.Title)
	assert.Equal(t, "2024-01-01 to 2024-01-31", doc.Period)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, map[string]string{"service": "B", "cost": "600.00"}, doc.Rows[0])
	assert.Equal(t, "1000.00", doc.Summary.Total)
	assert.Equal(t, 2, doc.Summary.RowCount)
}

func TestExportJSONRowsKeepColumnOrder(t *testing.T) {
	p, err := New(zaptest.NewLogger(t)).Export(context.Background(), fullReport(), report.FormatJSON)
	require.NoError(t, err)

	var doc struct {
		Rows []json.RawMessage `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(p.Data, &doc))
	require.NotEmpty(t, doc.Rows)

	var compact bytes.Buffer
	require.NoError(t, json.Compact(&compact, doc.Rows[0]))
	assert.Equal(t, `{"service":"B","cost":"600.00"}`, compact.String())
}

func TestExportExcel(t *testing.T) {
	p, err := New(zaptest.NewLogger(t)).Export(context.Background(), fullReport(), report.FormatExcel)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p.Filename, ".xlsx"))

	f, err := excelize.OpenReader(bytes.NewReader(p.Data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{dataSheet, summarySheet}, f.GetSheetList())

	rows, err := f.GetRows(dataSheet, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Service", "Cost"}, rows[0])
	assert.Equal(t, []string{"B", "600"}, rows[1])
	assert.Equal(t, "A, Inc", rows[2][0])

	title, err := f.GetCellValue(summarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "Cost by service", title)
}

func TestExportPDF(t *testing.T) {
	rep := fullReport()
	for i := 0; i < 120; i++ {
		rep.Rows = append(rep.Rows, []string{"svc", "1.00"})
	}
	p, err := New(zaptest.NewLogger(t)).Export(context.Background(), rep, report.FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", p.ContentType)
	assert.True(t, bytes.HasPrefix(p.Data, []byte("%PDF-")))
	assert.Contains(t, string(p.Data), "%%EOF")
}

func TestExportHTML(t *testing.T) {
	rep := fullReport()
	rep.Rows = append(rep.Rows, []string{"<script>", "1.00"})

	p, err := New(zaptest.NewLogger(t)).Export(context.Background(), rep, report.FormatHTML)
	require.NoError(t, err)
	html := string(p.Data)
	assert.Contains(t, html, "<title>Cost by service - 2024-01-01 to 2024-01-31</title>")
	assert.Contains(t, html, "<td>600.00</td>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "<td><script>")
	assert.Contains(t, html, `<span class="badge high">high</span>`)
	assert.Contains(t, html, `<span class="badge over">over</span>`)
	assert.Contains(t, html, "<td>60.0%</td>")
}

func TestExportUnsupportedFormat(t *testing.T) {
	_, err := New(zaptest.NewLogger(t)).Export(context.Background(), fullReport(), report.Format("docx"))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestExportCancelled(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, format := range []report.Format{report.FormatCSV, report.FormatJSON, report.FormatExcel, report.FormatPDF, report.FormatHTML} {
		_, err := e.Export(ctx, fullReport(), format)
		assert.ErrorIs(t, err, context.Canceled, string(format))
	}
}

func TestWriteFile(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	p, err := e.Export(context.Background(), fullReport(), report.FormatCSV)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	path, err := e.WriteFile(p, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, p.Filename), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, p.Data, data)
}

func TestFilenameFallsBackForBlankTitle(t *testing.T) {
	rep := sampleReport()
	rep.Config.Name = "!!!"
	assert.Equal(t, "report-20240201-120000.pdf", filename(rep, "pdf"))
}
