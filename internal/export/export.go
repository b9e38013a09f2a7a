// Package export renders assembled reports as csv, json, excel, pdf or html payloads.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/report"
	"github.com/lvonguyen/finops-analytics/internal/telemetry"
)

// checkEvery is how many rows an encoder writes between cancellation checks.
const checkEvery = 256

// Payload is a rendered export.
type Payload struct {
	Format      report.Format `json:"format"`
	ContentType string        `json:"content_type"`
	Filename    string        `json:"filename"`
	Data        []byte        `json:"-"`
}

type encoder struct {
	contentType string
	extension   string
	encode      func(ctx context.Context, rep *report.Report) ([]byte, error)
}

var encoders = map[report.Format]encoder{
	report.FormatCSV:   {contentType: "text/csv; charset=utf-8", extension: "csv", encode: encodeCSV},
	report.FormatJSON:  {contentType: "application/json", extension: "json", encode: encodeJSON},
	report.FormatExcel: {contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", extension: "xlsx", encode: encodeExcel},
	report.FormatPDF:   {contentType: "application/pdf", extension: "pdf", encode: encodePDF},
	report.FormatHTML:  {contentType: "text/html; charset=utf-8", extension: "html", encode: encodeHTML},
}

// Exporter renders reports.
type Exporter struct {
	logger *zap.Logger
}

// New creates an Exporter
func New(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger}
}

// Export renders rep in format. A report without rows still yields a well-formed,
// headers-only payload.
func (e *Exporter) Export(ctx context.Context, rep *report.Report, format report.Format) (*Payload, error) {
	enc, ok := encoders[format]
	if !ok {
		return nil, apperr.InvalidArgument("unsupported export format %q", format)
	}
	if rep == nil {
		return nil, apperr.Validation("report required")
	}

	data, err := enc.encode(ctx, rep)
	telemetry.ExportsTotal.WithLabelValues(string(format), telemetry.Status(err)).Inc()
	if err != nil {
		return nil, err
	}
	telemetry.ExportBytes.WithLabelValues(string(format)).Observe(float64(len(data)))

	p := &Payload{
		Format:      format,
		ContentType: enc.contentType,
		Filename:    filename(rep, enc.extension),
		Data:        data,
	}
	e.logger.Debug("Report exported",
		zap.String("format", string(format)),
		zap.String("filename", p.Filename),
		zap.Int("bytes", len(data)),
	)
	return p, nil
}

// WriteFile stores p under dir and returns the path.
func (e *Exporter) WriteFile(p *Payload, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(dir, p.Filename)
	if err := os.WriteFile(outputPath, p.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	e.logger.Info("Report written", zap.String("path", outputPath))
	return outputPath, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func filename(rep *report.Report, ext string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(rep.Title()), "-"), "-")
	if slug == "" {
		slug = "report"
	}
	at := rep.GeneratedAt
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("%s-%s.%s", slug, at.UTC().Format("20060102-150405"), ext)
}

func header(rep *report.Report) []string {
	out := make([]string, len(rep.Columns))
	for i, c := range rep.Columns {
		out[i] = c.Label
	}
	return out
}

func checkCancel(ctx context.Context, i int) error {
	if i%checkEvery == 0 {
		return ctx.Err()
	}
	return nil
}
