package export

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

const (
	dataSheet    = "Report"
	summarySheet = "Summary"
)

func encodeExcel(ctx context.Context, rep *report.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", dataSheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#3B82F6"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return nil, fmt.Errorf("failed to create money style: %w", err)
	}

	head := make([]interface{}, len(rep.Columns))
	for i, h := range header(rep) {
		head[i] = h
	}
	if err := f.SetSheetRow(dataSheet, "A1", &head); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if len(rep.Columns) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(rep.Columns), 1)
		if err := f.SetCellStyle(dataSheet, "A1", last, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to style header: %w", err)
		}
	}

	for i, row := range rep.Rows {
		if err := checkCancel(ctx, i); err != nil {
			return nil, err
		}
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = cellValue(rep.Columns[j], v)
		}
		start, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(dataSheet, start, &cells); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	if len(rep.Rows) > 0 {
		for j, col := range rep.Columns {
			if col.Type != report.FieldCurrency {
				continue
			}
			top, _ := excelize.CoordinatesToCellName(j+1, 2)
			bottom, _ := excelize.CoordinatesToCellName(j+1, len(rep.Rows)+1)
			if err := f.SetCellStyle(dataSheet, top, bottom, moneyStyle); err != nil {
				return nil, fmt.Errorf("failed to style column %s: %w", col.ID, err)
			}
		}
	}

	if err := writeSummarySheet(f, rep); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// cellValue stores numeric columns as numbers so spreadsheets can sum them.
func cellValue(col report.Field, v string) interface{} {
	if v == "" || col.Type == report.FieldString || col.Type == report.FieldDatetime {
		return v
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

func writeSummarySheet(f *excelize.File, rep *report.Report) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to add summary sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Report", rep.Title()},
		{"Period", rep.Period()},
		{"Generated", rep.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST")},
		{"Metric", string(rep.Summary.Metric)},
		{"Total", normalizer.FormatValue(rep.Summary.Metric, rep.Summary.Total)},
		{"Rows", rep.Summary.RowCount},
		{},
		{"Top keys", "Total", "Share %"},
	}
	for _, k := range rep.Summary.TopKeys {
		rows = append(rows, []interface{}{
			k.DimensionKey,
			normalizer.FormatValue(rep.Summary.Metric, k.Total),
			k.SharePct.StringFixed(1),
		})
	}
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return nil
}
