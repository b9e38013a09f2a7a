package export

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

type htmlView struct {
	*report.Report
	Headers []string
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"value": normalizer.FormatValue,
	"money": func(v decimal.Decimal) string { return v.StringFixed(2) },
	"pct":   func(v decimal.Decimal) string { return v.StringFixed(1) },
	"date":  normalizer.FormatDate,
}).Parse(htmlTemplate))

func encodeHTML(ctx context.Context, rep *report.Report) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, htmlView{Report: rep, Headers: header(rep)}); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}} - {{.Period}}</title>
    <style>
        :root {
            --bg-dark: #0f172a;
            --bg-card: #1e293b;
            --text-primary: #f1f5f9;
            --text-secondary: #94a3b8;
            --accent-blue: #3b82f6;
            --accent-green: #22c55e;
            --accent-yellow: #eab308;
            --accent-red: #ef4444;
            --border: #334155;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: 'Inter', -apple-system, BlinkMacSystemFont, sans-serif;
            background: var(--bg-dark);
            color: var(--text-primary);
            line-height: 1.6;
            padding: 2rem;
        }
        .container { max-width: 1400px; margin: 0 auto; }
        h1 { font-size: 2rem; margin-bottom: 0.5rem; color: var(--accent-blue); }
        .subtitle { color: var(--text-secondary); margin-bottom: 2rem; }
        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(200px, 1fr));
            gap: 1rem;
            margin-bottom: 2rem;
        }
        .stat-card { background: var(--bg-card); border: 1px solid var(--border); border-radius: 12px; padding: 1.5rem; }
        .stat-label { color: var(--text-secondary); font-size: 0.875rem; }
        .stat-value { font-size: 2rem; font-weight: 700; }
        .stat-value.green { color: var(--accent-green); }
        .stat-value.yellow { color: var(--accent-yellow); }
        .stat-value.red { color: var(--accent-red); }
        .section { margin-bottom: 2rem; }
        .section-title { font-size: 1.25rem; margin-bottom: 1rem; padding-bottom: 0.5rem; border-bottom: 1px solid var(--border); }
        table { width: 100%; border-collapse: collapse; background: var(--bg-card); border-radius: 12px; overflow: hidden; }
        th, td { padding: 0.75rem 1rem; text-align: left; }
        th { background: rgba(59, 130, 246, 0.1); font-weight: 600; color: var(--accent-blue); }
        tr:not(:last-child) { border-bottom: 1px solid var(--border); }
        .badge { display: inline-block; padding: 0.25rem 0.75rem; border-radius: 9999px; font-size: 0.75rem; font-weight: 600; }
        .badge.low, .badge.under { background: rgba(34, 197, 94, 0.2); color: var(--accent-green); }
        .badge.medium, .badge.at_risk { background: rgba(234, 179, 8, 0.2); color: var(--accent-yellow); }
        .badge.high, .badge.critical, .badge.over { background: rgba(239, 68, 68, 0.2); color: var(--accent-red); }
        .empty { color: var(--text-secondary); padding: 1rem; }
        .footer { margin-top: 3rem; padding-top: 1rem; border-top: 1px solid var(--border); color: var(--text-secondary); font-size: 0.875rem; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        <p class="subtitle">{{.Period}} | Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>

        <div class="stats-grid">
            <div class="stat-card">
                <div class="stat-label">Total {{.Summary.Metric}}</div>
                <div class="stat-value">{{value .Summary.Metric .Summary.Total}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Rows</div>
                <div class="stat-value">{{.Summary.RowCount}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Anomalies</div>
                <div class="stat-value {{if gt (len .Anomalies) 0}}red{{else}}green{{end}}">{{len .Anomalies}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Budgets</div>
                <div class="stat-value {{if gt (len .Budgets) 0}}yellow{{else}}green{{end}}">{{len .Budgets}}</div>
            </div>
        </div>

        <div class="section">
            <h2 class="section-title">Data</h2>
            <table>
                <thead>
                    <tr>{{range .Headers}}<th>{{.}}</th>{{end}}</tr>
                </thead>
                <tbody>
                    {{range .Rows}}
                    <tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
                    {{end}}
                </tbody>
            </table>
            {{if not .Rows}}<p class="empty">No rows matched this report.</p>{{end}}
        </div>

        {{if .Summary.TopKeys}}
        <div class="section">
            <h2 class="section-title">Top {{.Config.GroupBy}} by {{.Summary.Metric}}</h2>
            <table>
                <thead>
                    <tr><th>{{.Config.GroupBy}}</th><th>Total</th><th>Share</th></tr>
                </thead>
                <tbody>
                    {{$metric := .Summary.Metric}}
                    {{range .Summary.TopKeys}}
                    <tr>
                        <td>{{.DimensionKey}}</td>
                        <td>{{value $metric .Total}}</td>
                        <td>{{pct .SharePct}}%</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Forecast}}
        <div class="section">
            <h2 class="section-title">Forecast ({{.Forecast.Trend}}, {{.Forecast.ConfidencePct}}% interval)</h2>
            <table>
                <thead>
                    <tr><th>Month</th><th>Forecast</th><th>Lower</th><th>Upper</th><th>Change</th></tr>
                </thead>
                <tbody>
                    {{$metric := .Forecast.Metric}}
                    {{range .Forecast.Points}}
                    <tr>
                        <td>{{.Month.Format "2006-01"}}</td>
                        <td>{{value $metric .ForecastValue}}</td>
                        <td>{{value $metric .LowerBound}}</td>
                        <td>{{value $metric .UpperBound}}</td>
                        <td>{{pct .MonthOverMonthChangePct}}%</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Anomalies}}
        <div class="section">
            <h2 class="section-title">Anomalies</h2>
            <table>
                <thead>
                    <tr><th>Key</th><th>Bucket</th><th>Actual</th><th>Expected</th><th>Deviation</th><th>Severity</th></tr>
                </thead>
                <tbody>
                    {{range .Anomalies}}
                    <tr>
                        <td>{{.DimensionKey}}</td>
                        <td>{{date .Month}}</td>
                        <td>{{value .Metric .Actual}}</td>
                        <td>{{value .Metric .Expected}}</td>
                        <td>{{pct .DeviationPct}}%</td>
                        <td><span class="badge {{.Severity}}">{{.Severity}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Budgets}}
        <div class="section">
            <h2 class="section-title">Budgets</h2>
            <table>
                <thead>
                    <tr><th>Budget</th><th>Month</th><th>Spend</th><th>Limit</th><th>Used</th><th>Projected</th><th>Status</th></tr>
                </thead>
                <tbody>
                    {{range .Budgets}}
                    <tr>
                        <td>{{.Budget.Name}}</td>
                        <td>{{.Month.Format "2006-01"}}</td>
                        <td>{{money .Actual}}</td>
                        <td>{{money .Budget.MonthlyLimit}}</td>
                        <td>{{pct .PercentUsed}}%</td>
                        <td>{{pct .ProjectedPct}}%</td>
                        <td><span class="badge {{.Status}}">{{.Status}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        <div class="footer">
            <p>Generated by FinOps Analytics | github.com/lvonguyen/finops-analytics</p>
        </div>
    </div>
</body>
</html>`
