package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/analytics"
	"github.com/lvonguyen/finops-analytics/internal/api"
	"github.com/lvonguyen/finops-analytics/internal/budget"
	"github.com/lvonguyen/finops-analytics/internal/delivery"
	"github.com/lvonguyen/finops-analytics/internal/export"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/providers/gcp"
	"github.com/lvonguyen/finops-analytics/internal/report"
	"github.com/lvonguyen/finops-analytics/internal/schedule"
	"github.com/lvonguyen/finops-analytics/internal/storage/badger"
	"github.com/lvonguyen/finops-analytics/internal/store"
)

// queryFlags select the records of one-shot commands.
type queryFlags struct {
	account   string
	start     string
	end       string
	days      int
	dimension string
	metric    string
}

func (f *queryFlags) register(cmd *cobra.Command, days int) {
	cmd.Flags().StringVar(&f.account, "account", "", "Account id to query")
	cmd.Flags().StringVar(&f.start, "start", "", "Range start (YYYY-MM-DD); defaults to --days before --end")
	cmd.Flags().StringVar(&f.end, "end", "", "Range end (YYYY-MM-DD); defaults to yesterday")
	cmd.Flags().IntVar(&f.days, "days", days, "Days to query when --start is not set")
	cmd.Flags().StringVar(&f.dimension, "dimension", "service", "Dimension: service, region, account, tag, framework")
	cmd.Flags().StringVar(&f.metric, "metric", "cost", "Metric to analyze")
	_ = cmd.MarkFlagRequired("account")
}

func (f *queryFlags) query() (analytics.Query, error) {
	q := analytics.Query{AccountID: f.account}

	end := normalizer.Day(time.Now()).AddDate(0, 0, -1)
	if f.end != "" {
		var err error
		if end, err = normalizer.ParseDate(f.end); err != nil {
			return q, err
		}
	}
	start := end.AddDate(0, 0, 1-f.days)
	if f.start != "" {
		var err error
		if start, err = normalizer.ParseDate(f.start); err != nil {
			return q, err
		}
	}
	q.DateRange = normalizer.NewDateRange(start, end)

	var err error
	if q.Dimension, err = normalizer.ParseDimension(f.dimension); err != nil {
		return q, err
	}
	if q.Metric, err = normalizer.ParseMetric(f.metric); err != nil {
		return q, err
	}
	return q, nil
}

// newEngine opens the configured metric store and budget sources.
func newEngine(ctx context.Context) (*analytics.Engine, func(), error) {
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metric store: %w", err)
	}

	sources := []budget.Source{budget.FromConfig(cfg.Budgets)}
	closeFn := func() {}
	if cfg.GCP.Enabled {
		src, err := gcp.NewBudgetSource(ctx, cfg.GCP, logger)
		if err != nil {
			logger.Warn("Failed to initialize GCP budget source", zap.Error(err))
		} else {
			sources = append(sources, src)
			closeFn = func() { _ = src.Close() }
		}
	}
	return analytics.NewEngine(st, cfg, budget.NewChecker(logger, sources...), logger), closeFn, nil
}

// newReportService opens persistence and the template catalog.
func newReportService(engine *analytics.Engine) (*report.Service, func(), error) {
	repo, err := badger.OpenRepository(badger.ConfigFrom(cfg.Persistence, logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open report storage: %w", err)
	}

	templates := report.BuiltinTemplates()
	if cfg.Reporter.TemplatesPath != "" {
		extra, err := report.LoadTemplates(cfg.Reporter.TemplatesPath)
		if err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		templates = append(templates, extra...)
	}
	catalog, err := report.NewCatalog(templates...)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	svc := report.NewService(repo, report.NewAssembler(engine, logger), catalog, logger)
	return svc, func() { _ = repo.Close() }, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the report scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			engine, closeEngine, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()

			reports, closeReports, err := newReportService(engine)
			if err != nil {
				return err
			}
			defer closeReports()

			exporter := export.New(logger)
			scheduler, err := schedule.New(reports, exporter, delivery.New(cfg.Alerting.Email, logger), cfg.Scheduler, logger)
			if err != nil {
				return err
			}
			if cfg.Scheduler.Enabled {
				if err := scheduler.Start(ctx); err != nil {
					return err
				}
				defer scheduler.Stop()
			}

			srv := api.NewServer(api.Deps{
				Engine:    engine,
				Reports:   reports,
				Scheduler: scheduler,
				Exporter:  exporter,
			}, cfg.Server, logger)
			return srv.Run(ctx)
		},
	}
}

func aggregateCmd() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate a metric over a date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.query()
			if err != nil {
				return err
			}
			res, err := runQuery(cmd.Context(), q)
			if err != nil {
				return err
			}
			printSummary(res)
			return nil
		},
	}
	qf.register(cmd, 30)
	return cmd
}

func forecastCmd() *cobra.Command {
	var (
		qf         queryFlags
		horizon    int
		confidence string
	)
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Project a metric forward month by month",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.query()
			if err != nil {
				return err
			}
			q.Forecast = analytics.ForecastOptions{Enabled: true, HorizonMonths: horizon, Confidence: confidence}
			res, err := runQuery(cmd.Context(), q)
			if err != nil {
				return err
			}
			printForecast(res)
			return nil
		},
	}
	qf.register(cmd, 180)
	cmd.Flags().IntVar(&horizon, "horizon", 0, "Months to forecast (1-24); defaults to the configured horizon")
	cmd.Flags().StringVar(&confidence, "confidence", "medium", "Interval confidence: low, medium, high")
	return cmd
}

func anomalyCmd() *cobra.Command {
	var (
		qf          queryFlags
		sensitivity string
	)
	cmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Flag buckets that depart from their trend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.query()
			if err != nil {
				return err
			}
			q.Anomalies = analytics.AnomalyOptions{Enabled: true, Sensitivity: sensitivity}
			res, err := runQuery(cmd.Context(), q)
			if err != nil {
				return err
			}
			printAnomalies(res)
			return nil
		},
	}
	qf.register(cmd, 30)
	cmd.Flags().StringVar(&sensitivity, "sensitivity", "", "Detection sensitivity: low, medium, high")
	return cmd
}

func budgetCmd() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Check spend and forecast against budgets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.query()
			if err != nil {
				return err
			}
			q.Metric = normalizer.MetricCost
			q.Forecast = analytics.ForecastOptions{Enabled: true, HorizonMonths: 1}
			q.Budgets = true
			res, err := runQuery(cmd.Context(), q)
			if err != nil {
				return err
			}
			printBudgets(res)
			return nil
		},
	}
	qf.register(cmd, 90)
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		id        string
		template  string
		account   string
		format    string
		outputDir string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build a saved report or a template and write it to disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			if (id == "") == (template == "") {
				return fmt.Errorf("exactly one of --id or --template is required")
			}

			engine, closeEngine, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()
			reports, closeReports, err := newReportService(engine)
			if err != nil {
				return err
			}
			defer closeReports()

			var rep *report.Report
			if id != "" {
				rep, err = reports.Run(ctx, id)
			} else {
				var draft *report.Config
				draft, err = reports.Instantiate(ctx, template, report.Overrides{AccountID: &account}, false)
				if err == nil {
					rep, err = reports.Preview(ctx, draft)
				}
			}
			if err != nil {
				return err
			}

			exporter := export.New(logger)
			payload, err := exporter.Export(ctx, rep, f)
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = cfg.Reporter.OutputDir
			}
			path, err := exporter.WriteFile(payload, outputDir)
			if err != nil {
				return err
			}
			logger.Info("Report generated", zap.String("path", path), zap.Int("rows", rep.Summary.RowCount))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Saved report id")
	cmd.Flags().StringVar(&template, "template", "", "Template id to build")
	cmd.Flags().StringVar(&account, "account", "", "Account id for template reports")
	cmd.Flags().StringVar(&format, "format", "html", "Output format: pdf, csv, excel, json, html")
	cmd.Flags().StringVar(&outputDir, "output", "", "Output directory; defaults to reporter.output_dir")
	return cmd
}

func runQuery(ctx context.Context, q analytics.Query) (*analytics.Result, error) {
	engine, closeEngine, err := newEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer closeEngine()
	return engine.Query(ctx, q)
}
