package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

const (
	rowHeight    = 7.0
	bottomMargin = 15.0
)

type pdfDoc struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func encodePDF(ctx context.Context, rep *report.Report) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(rep.Title(), true)
	pdf.SetCreator("finops-analytics", true)
	if !rep.GeneratedAt.IsZero() {
		pdf.SetCreationDate(rep.GeneratedAt)
	}
	pdf.SetAutoPageBreak(false, bottomMargin)
	doc := &pdfDoc{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, doc.tr(rep.Title()), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(100, 116, 139)
	pdf.CellFormat(0, 6, doc.tr(fmt.Sprintf("%s | Generated: %s", rep.Period(),
		rep.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, doc.tr(fmt.Sprintf("Total %s: %s | Rows: %d | Anomalies: %d | Budgets: %d",
		rep.Summary.Metric, normalizer.FormatValue(rep.Summary.Metric, rep.Summary.Total),
		rep.Summary.RowCount, len(rep.Anomalies), len(rep.Budgets))), "", 1, "L", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	if err := doc.table(ctx, header(rep), rep.Rows); err != nil {
		return nil, err
	}

	if len(rep.Anomalies) > 0 {
		rows := make([][]string, 0, len(rep.Anomalies))
		for _, a := range rep.Anomalies {
			rows = append(rows, []string{
				a.DimensionKey,
				normalizer.FormatDate(a.Month),
				normalizer.FormatValue(a.Metric, a.Actual),
				normalizer.FormatValue(a.Metric, a.Expected),
				a.DeviationPct.StringFixed(1) + "%",
				a.Severity,
			})
		}
		doc.section("Anomalies")
		if err := doc.table(ctx, []string{"Key", "Bucket", "Actual", "Expected", "Deviation", "Severity"}, rows); err != nil {
			return nil, err
		}
	}

	if len(rep.Budgets) > 0 {
		rows := make([][]string, 0, len(rep.Budgets))
		for _, b := range rep.Budgets {
			rows = append(rows, []string{
				b.Budget.Name,
				b.Actual.StringFixed(2),
				b.Budget.MonthlyLimit.StringFixed(2),
				b.PercentUsed.StringFixed(1) + "%",
				string(b.Status),
			})
		}
		doc.section("Budgets")
		if err := doc.table(ctx, []string{"Budget", "Spend", "Limit", "Used", "Status"}, rows); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *pdfDoc) section(title string) {
	d.breakFor(6 + 8 + 2*rowHeight)
	d.pdf.Ln(6)
	d.pdf.SetFont("Helvetica", "B", 12)
	d.pdf.CellFormat(0, 8, d.tr(title), "", 1, "L", false, 0, "")
}

// table draws a grid with equal column widths, repeating the header on each new page.
func (d *pdfDoc) table(ctx context.Context, head []string, rows [][]string) error {
	if len(head) == 0 {
		return nil
	}
	pageW, _ := d.pdf.GetPageSize()
	left, _, right, _ := d.pdf.GetMargins()
	width := (pageW - left - right) / float64(len(head))

	drawHeader := func() {
		d.pdf.SetFont("Helvetica", "B", 9)
		d.pdf.SetFillColor(59, 130, 246)
		d.pdf.SetTextColor(255, 255, 255)
		for _, h := range head {
			d.pdf.CellFormat(width, rowHeight, d.tr(h), "1", 0, "L", true, 0, "")
		}
		d.pdf.Ln(-1)
		d.pdf.SetFont("Helvetica", "", 9)
		d.pdf.SetTextColor(0, 0, 0)
	}

	drawHeader()
	for i, row := range rows {
		if err := checkCancel(ctx, i); err != nil {
			return err
		}
		if d.breakFor(rowHeight) {
			drawHeader()
		}
		for j := range head {
			v := ""
			if j < len(row) {
				v = row[j]
			}
			d.pdf.CellFormat(width, rowHeight, d.tr(v), "1", 0, "L", false, 0, "")
		}
		d.pdf.Ln(-1)
	}
	return d.pdf.Error()
}

// breakFor starts a new page when h millimetres no longer fit above the bottom margin.
func (d *pdfDoc) breakFor(h float64) bool {
	_, pageH := d.pdf.GetPageSize()
	if d.pdf.GetY()+h <= pageH-bottomMargin {
		return false
	}
	d.pdf.AddPage()
	return true
}
