// Package schedule manages recurring report deliveries.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/delivery"
	"github.com/lvonguyen/finops-analytics/internal/export"
	"github.com/lvonguyen/finops-analytics/internal/report"
	"github.com/lvonguyen/finops-analytics/internal/telemetry"
)

// runTimeout bounds one scheduled delivery.
const runTimeout = 5 * time.Minute

// Deliveries run at 06:00 in the scheduler's timezone.
var specs = map[report.Frequency]string{
	report.FrequencyDaily:   "0 6 * * *",
	report.FrequencyWeekly:  "0 6 * * 1",
	report.FrequencyMonthly: "0 6 1 * *",
}

// Reports is the part of report.Service a Scheduler needs.
type Reports interface {
	AttachSchedule(ctx context.Context, sc *report.ScheduleConfig) (*report.ScheduleConfig, error)
	DetachSchedule(ctx context.Context, scheduleID string) error
	Schedule(ctx context.Context, id string) (*report.ScheduleConfig, error)
	Schedules(ctx context.Context, reportID string) ([]*report.ScheduleConfig, error)
	RecordRun(ctx context.Context, scheduleID string, ranAt, next time.Time, runErr error) error
	Run(ctx context.Context, id string) (*report.Report, error)
}

// Scheduler creates schedules and runs their deliveries on a cron.
type Scheduler struct {
	reports  Reports
	exporter *export.Exporter
	notifier delivery.Notifier
	location *time.Location
	cron     *cron.Cron
	logger   *zap.Logger
	now      func() time.Time
	addFunc  func(spec string, cmd func()) (cron.EntryID, error)

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a Scheduler. Deliveries do not fire until Start is called.
func New(reports Reports, exporter *export.Exporter, notifier delivery.Notifier, cfg config.SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("failed to load scheduler timezone: %w", err)
		}
	}
	cl := cronLogger{logger.Sugar()}
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	return &Scheduler{
		reports:  reports,
		exporter: exporter,
		notifier: notifier,
		location: loc,
		cron:     c,
		logger:   logger,
		now:      time.Now,
		addFunc:  c.AddFunc,
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// Schedule validates sc and attaches it to reportConfigID, returning the new schedule id.
func (s *Scheduler) Schedule(ctx context.Context, reportConfigID string, sc report.ScheduleConfig) (string, error) {
	sc.ID = ""
	sc.ReportConfigID = reportConfigID
	sc.Active = true
	sc.LastRunAt = time.Time{}
	sc.LastError = ""
	recipients := make([]string, len(sc.Recipients))
	for i, r := range sc.Recipients {
		recipients[i] = strings.TrimSpace(r)
	}
	sc.Recipients = recipients
	if reportConfigID == "" {
		return "", apperr.Validation("report config id required")
	}
	if err := report.Validate(&sc); err != nil {
		return "", err
	}

	next, err := s.Next(sc.Frequency, s.now())
	if err != nil {
		return "", err
	}
	sc.NextRunAt = next

	stored, err := s.reports.AttachSchedule(ctx, &sc)
	if err != nil {
		return "", err
	}
	if err := s.register(stored); err != nil {
		// Without a cron entry the stored schedule would never fire.
		if detachErr := s.reports.DetachSchedule(context.WithoutCancel(ctx), stored.ID); detachErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to roll back schedule %s: %w", stored.ID, detachErr))
		}
		return "", err
	}

	s.logger.Info("Schedule created",
		zap.String("id", stored.ID),
		zap.String("report", reportConfigID),
		zap.String("frequency", string(stored.Frequency)),
		zap.Time("next_run", stored.NextRunAt),
	)
	return stored.ID, nil
}

// Cancel deletes a schedule and stops its deliveries.
func (s *Scheduler) Cancel(ctx context.Context, scheduleID string) error {
	if err := s.reports.DetachSchedule(ctx, scheduleID); err != nil {
		return err
	}
	s.Forget(scheduleID)
	return nil
}

// Forget stops deliveries for schedules already removed from storage, as after a cascading report delete.
func (s *Scheduler) Forget(scheduleIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range scheduleIDs {
		if entry, ok := s.entries[id]; ok {
			s.cron.Remove(entry)
			delete(s.entries, id)
		}
	}
	telemetry.ActiveSchedules.Set(float64(len(s.entries)))
}

// List returns schedules, limited to one report when reportID is set.
func (s *Scheduler) List(ctx context.Context, reportID string) ([]*report.ScheduleConfig, error) {
	return s.reports.Schedules(ctx, reportID)
}

// Next returns the first delivery time after from.
func (s *Scheduler) Next(freq report.Frequency, from time.Time) (time.Time, error) {
	spec, ok := specs[freq]
	if !ok {
		return time.Time{}, apperr.Validation("unsupported frequency %q", freq)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse schedule: %w", err)
	}
	return sched.Next(from.In(s.location)).UTC(), nil
}

// Start registers every active stored schedule and starts the cron.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.reports.Schedules(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, sc := range schedules {
		if !sc.Active {
			continue
		}
		if err := s.register(sc); err != nil {
			s.logger.Warn("Skipping schedule", zap.String("id", sc.ID), zap.Error(err))
		}
	}
	s.cron.Start()
	s.logger.Info("Scheduler started",
		zap.Int("schedules", len(s.entries)),
		zap.String("timezone", s.location.String()),
	)
	return nil
}

// Stop halts the cron and waits for running deliveries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) register(sc *report.ScheduleConfig) error {
	spec, ok := specs[sc.Frequency]
	if !ok {
		return apperr.Validation("unsupported frequency %q", sc.Frequency)
	}
	id := sc.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[id]; ok {
		s.cron.Remove(existing)
	}
	entry, err := s.addFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if err := s.Deliver(ctx, id); err != nil {
			s.logger.Error("Scheduled delivery failed", zap.String("schedule", id), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register schedule: %w", err)
	}
	s.entries[id] = entry
	telemetry.ActiveSchedules.Set(float64(len(s.entries)))
	return nil
}

// Deliver builds, exports and sends one schedule's report, then records the outcome.
func (s *Scheduler) Deliver(ctx context.Context, scheduleID string) error {
	sc, err := s.reports.Schedule(ctx, scheduleID)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			s.Forget(scheduleID)
		}
		return err
	}
	if !sc.Active {
		return nil
	}

	ranAt := s.now()
	runErr := s.deliver(ctx, sc)
	telemetry.ScheduleRunsTotal.WithLabelValues(string(sc.Frequency), telemetry.Status(runErr)).Inc()

	next, err := s.Next(sc.Frequency, ranAt)
	if err != nil {
		return errors.Join(runErr, err)
	}
	// The outcome is recorded even when the run was cancelled.
	if err := s.reports.RecordRun(context.WithoutCancel(ctx), sc.ID, ranAt, next, runErr); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to record run: %w", err))
	}
	return runErr
}

func (s *Scheduler) deliver(ctx context.Context, sc *report.ScheduleConfig) error {
	rep, err := s.reports.Run(ctx, sc.ReportConfigID)
	if err != nil {
		return err
	}
	payload, err := s.exporter.Export(ctx, rep, sc.Format)
	if err != nil {
		return err
	}
	return s.notifier.Notify(ctx, delivery.Message{
		Recipients: sc.Recipients,
		Subject:    fmt.Sprintf("%s (%s)", rep.Title(), rep.Period()),
		Body: fmt.Sprintf("Your %s report %q covering %s is attached.\n\nRows: %d\n",
			sc.Frequency, rep.Title(), rep.Period(), rep.Summary.RowCount),
		Attachment: payload,
	})
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
