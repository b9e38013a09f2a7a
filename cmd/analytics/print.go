package main

import (
	"fmt"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

const (
	boxTop    = "╔══════════════════════════════════════════════════════════════════╗"
	boxSep    = "╠══════════════════════════════════════════════════════════════════╣"
	boxBottom = "╚══════════════════════════════════════════════════════════════════╝"
)

func boxHeader(title string) {
	fmt.Println()
	fmt.Println(boxTop)
	fmt.Printf("║  %-64s║\n", title)
	fmt.Println(boxSep)
}

func boxFooter() {
	fmt.Println(boxBottom)
	fmt.Println()
}

func printSummary(res *analytics.Result) {
	boxHeader(fmt.Sprintf("%s Summary (%s)", res.Metric, res.AccountID))
	fmt.Printf("║  Total: %s\n", normalizer.FormatValue(res.Metric, res.Total.Total()))
	fmt.Printf("║  Period: %s\n", res.DateRange)
	fmt.Printf("║  Granularity: %s\n", res.Granularity)
	fmt.Println("║")
	fmt.Printf("║  By %s:\n", res.Dimension)
	grand := res.Total.Total()
	for _, k := range res.TopKeys {
		pct := 0.0
		if !grand.IsZero() {
			pct = k.Total.Div(grand).InexactFloat64() * 100
		}
		fmt.Printf("║    %-24s %s (%.1f%%)\n", k.DimensionKey+":", normalizer.FormatValue(res.Metric, k.Total), pct)
	}
	boxFooter()
}

func printForecast(res *analytics.Result) {
	printSummary(res)
	if res.Forecast == nil {
		return
	}
	fc := res.Forecast
	boxHeader(fmt.Sprintf("Forecast: %s trend, %d%% interval", fc.Trend, fc.ConfidencePct))
	fmt.Printf("║  Accuracy: %.1f%%\n", fc.AccuracyScore*100)
	for _, p := range fc.Points {
		fmt.Printf("║    %s  %s  [%s, %s]  %s%%\n",
			p.Month.Format("2006-01"),
			normalizer.FormatValue(fc.Metric, p.ForecastValue),
			normalizer.FormatValue(fc.Metric, p.LowerBound),
			normalizer.FormatValue(fc.Metric, p.UpperBound),
			p.MonthOverMonthChangePct.StringFixed(1),
		)
	}
	boxFooter()
}

func printAnomalies(res *analytics.Result) {
	if len(res.Anomalies) == 0 {
		fmt.Println("No anomalies detected")
		return
	}
	fmt.Printf("Detected %d anomalies:\n", len(res.Anomalies))
	for _, a := range res.Anomalies {
		fmt.Printf("  - %s: %s (%.1f%% change) [%s] %s\n",
			a.Month.Format("2006-01-02"),
			a.DimensionKey,
			a.DeviationPct.InexactFloat64(),
			a.Severity,
			a.Reason,
		)
	}
}

func printBudgets(res *analytics.Result) {
	if len(res.Budgets) == 0 {
		fmt.Println("No budgets apply to this account")
		return
	}
	boxHeader("Budget Status")
	for _, ev := range res.Budgets {
		fmt.Printf("║  %-24s %-8s %s / %s (%s%%, projected %s%%)\n",
			ev.Budget.Name,
			ev.Status,
			ev.Actual.StringFixed(2),
			ev.Budget.MonthlyLimit.StringFixed(2),
			ev.PercentUsed.StringFixed(1),
			ev.ProjectedPct.StringFixed(1),
		)
	}
	boxFooter()
}
