package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// Service manages the report configuration lifecycle:
// draft, saved, scheduled (at least one schedule) and deleted.
//
// Writes to one configuration are serialized; updates carry the version they were
// read at and fail with conflict when it is stale.
type Service struct {
	repo      Repository
	assembler *Assembler
	catalog   *Catalog
	locks     keyedMutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a report service.
func NewService(repo Repository, assembler *Assembler, catalog *Catalog, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		assembler: assembler,
		catalog:   catalog,
		logger:    logger,
		now:       time.Now,
	}
}

func checkPersistable(cfg *Config) error {
	if cfg == nil {
		return apperr.Validation("report config required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return apperr.Validation("name is required to save a report")
	}
	return CheckConfig(cfg)
}

// Save persists a draft, moving it to the saved state.
func (s *Service) Save(ctx context.Context, cfg *Config) (*Config, error) {
	if err := checkPersistable(cfg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved := cfg.Clone()
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.Metric == "" {
		saved.Metric = normalizer.MetricCost
	}
	if saved.Filters == nil {
		saved.Filters = make(map[string]Filter)
	}
	now := s.now().UTC()
	saved.State = StateSaved
	saved.Version = 1
	saved.ScheduleIDs = nil
	saved.CreatedAt = now
	saved.UpdatedAt = now

	unlock := s.locks.lock(saved.ID)
	defer unlock()

	err := s.repo.Update(ctx, func(tx Tx) error {
		if _, err := tx.Report(saved.ID); err == nil {
			return apperr.Conflict("report %s already exists", saved.ID)
		} else if !apperr.Is(err, apperr.CodeNotFound) {
			return err
		}
		return tx.PutReport(saved)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Report saved", zap.String("id", saved.ID), zap.String("name", saved.Name))
	return saved.Clone(), nil
}

// Get returns a persisted configuration.
func (s *Service) Get(ctx context.Context, id string) (*Config, error) {
	var cfg *Config
	err := s.repo.View(ctx, func(tx Tx) error {
		var err error
		cfg, err = tx.Report(id)
		return err
	})
	return cfg, err
}

// List returns every persisted configuration, oldest first.
func (s *Service) List(ctx context.Context) ([]*Config, error) {
	var out []*Config
	err := s.repo.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Reports()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// mutate applies fn to the stored configuration under the id lock and persists the
// result with a bumped version.
func (s *Service) mutate(ctx context.Context, id string, fn func(cfg *Config) error) (*Config, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *Config
	err := s.repo.Update(ctx, func(tx Tx) error {
		current, err := tx.Report(id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := checkPersistable(next); err != nil {
			return err
		}
		next.ID = current.ID
		next.State = current.State
		next.ScheduleIDs = current.ScheduleIDs
		next.CreatedAt = current.CreatedAt
		next.Version = current.Version + 1
		next.UpdatedAt = s.now().UTC()
		updated = next
		return tx.PutReport(next)
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Update replaces the editable members of a saved configuration. cfg.Version must
// match the stored version.
func (s *Service) Update(ctx context.Context, id string, cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, apperr.Validation("report config required")
	}
	return s.mutate(ctx, id, func(cur *Config) error {
		if cfg.Version != cur.Version {
			return apperr.Conflict("report %s is at version %d, update was based on %d", id, cur.Version, cfg.Version)
		}
		in := cfg.Clone()
		cur.Name = in.Name
		cur.Description = in.Description
		cur.AccountID = in.AccountID
		if in.Metric != "" {
			cur.Metric = in.Metric
		}
		cur.Fields = in.Fields
		cur.Filters = in.Filters
		if cur.Filters == nil {
			cur.Filters = make(map[string]Filter)
		}
		cur.GroupBy = in.GroupBy
		cur.DateRange = in.DateRange
		cur.Forecast = in.Forecast
		cur.Anomalies = in.Anomalies
		return nil
	})
}

// ReorderFields sets the display order. fields must be a permutation of the current fields.
func (s *Service) ReorderFields(ctx context.Context, id string, fields []string) (*Config, error) {
	return s.mutate(ctx, id, func(cur *Config) error {
		if err := isPermutation(cur.Fields, fields); err != nil {
			return err
		}
		cur.Fields = append([]string(nil), fields...)
		return nil
	})
}

// PutFilter adds or replaces a filter. A blank filterID is assigned a new id, which
// is returned.
func (s *Service) PutFilter(ctx context.Context, id, filterID string, f Filter) (*Config, string, error) {
	if strings.TrimSpace(filterID) == "" {
		filterID = uuid.NewString()
	}
	cfg, err := s.mutate(ctx, id, func(cur *Config) error {
		if cur.Filters == nil {
			cur.Filters = make(map[string]Filter)
		}
		cur.Filters[filterID] = f
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return cfg, filterID, nil
}

// RemoveFilter deletes a filter.
func (s *Service) RemoveFilter(ctx context.Context, id, filterID string) (*Config, error) {
	return s.mutate(ctx, id, func(cur *Config) error {
		if _, ok := cur.Filters[filterID]; !ok {
			return apperr.NotFound("filter %s not found on report %s", filterID, id)
		}
		delete(cur.Filters, filterID)
		return nil
	})
}

// Delete removes a configuration and cascades to its schedules in the same
// transaction. It returns the ids of the removed schedules.
func (s *Service) Delete(ctx context.Context, id string) ([]string, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var removed []string
	err := s.repo.Update(ctx, func(tx Tx) error {
		if _, err := tx.Report(id); err != nil {
			return err
		}
		schedules, err := tx.Schedules()
		if err != nil {
			return err
		}
		for _, sc := range schedules {
			if sc.ReportConfigID != id {
				continue
			}
			if err := tx.DeleteSchedule(sc.ID); err != nil {
				return fmt.Errorf("failed to delete schedule %s: %w", sc.ID, err)
			}
			removed = append(removed, sc.ID)
		}
		return tx.DeleteReport(id)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Report deleted", zap.String("id", id), zap.Strings("schedules", removed))
	return removed, nil
}

// AttachSchedule persists sc against its report and moves the report to the
// scheduled state.
func (s *Service) AttachSchedule(ctx context.Context, sc *ScheduleConfig) (*ScheduleConfig, error) {
	if sc == nil {
		return nil, apperr.Validation("schedule required")
	}
	unlock := s.locks.lock(sc.ReportConfigID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := sc.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	err := s.repo.Update(ctx, func(tx Tx) error {
		cfg, err := tx.Report(stored.ReportConfigID)
		if err != nil {
			return err
		}
		if !contains(cfg.ScheduleIDs, stored.ID) {
			cfg.ScheduleIDs = append(cfg.ScheduleIDs, stored.ID)
		}
		cfg.State = StateScheduled
		if err := tx.PutSchedule(stored); err != nil {
			return err
		}
		return tx.PutReport(cfg)
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// DetachSchedule deletes a schedule. The report returns to the saved state when it
// has no schedules left.
func (s *Service) DetachSchedule(ctx context.Context, scheduleID string) error {
	sc, err := s.Schedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(sc.ReportConfigID)
	defer unlock()

	return s.repo.Update(ctx, func(tx Tx) error {
		if _, err := tx.Schedule(scheduleID); err != nil {
			return err
		}
		cfg, err := tx.Report(sc.ReportConfigID)
		if err == nil {
			cfg.ScheduleIDs = remove(cfg.ScheduleIDs, scheduleID)
			if len(cfg.ScheduleIDs) == 0 {
				cfg.State = StateSaved
			}
			if err := tx.PutReport(cfg); err != nil {
				return err
			}
		} else if !apperr.Is(err, apperr.CodeNotFound) {
			return err
		}
		return tx.DeleteSchedule(scheduleID)
	})
}

// Schedule returns one schedule.
func (s *Service) Schedule(ctx context.Context, id string) (*ScheduleConfig, error) {
	var sc *ScheduleConfig
	err := s.repo.View(ctx, func(tx Tx) error {
		var err error
		sc, err = tx.Schedule(id)
		return err
	})
	return sc, err
}

// Schedules lists schedules ordered by creation, limited to one report when reportID is set.
func (s *Service) Schedules(ctx context.Context, reportID string) ([]*ScheduleConfig, error) {
	var all []*ScheduleConfig
	err := s.repo.View(ctx, func(tx Tx) error {
		var err error
		all, err = tx.Schedules()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*ScheduleConfig, 0, len(all))
	for _, sc := range all {
		if reportID == "" || sc.ReportConfigID == reportID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecordRun stores the outcome of a scheduled delivery.
func (s *Service) RecordRun(ctx context.Context, scheduleID string, ranAt, next time.Time, runErr error) error {
	sc, err := s.Schedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(sc.ReportConfigID)
	defer unlock()

	return s.repo.Update(ctx, func(tx Tx) error {
		current, err := tx.Schedule(scheduleID)
		if err != nil {
			return err
		}
		current.LastRunAt = ranAt.UTC()
		current.NextRunAt = next.UTC()
		current.LastError = ""
		if runErr != nil {
			current.LastError = runErr.Error()
		}
		return tx.PutSchedule(current)
	})
}

// Run builds the report for a persisted configuration.
func (s *Service) Run(ctx context.Context, id string) (*Report, error) {
	cfg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.assembler.Build(ctx, cfg)
}

// Preview builds a transient draft without persisting it. The name may be blank.
func (s *Service) Preview(ctx context.Context, cfg *Config) (*Report, error) {
	if cfg == nil {
		return nil, apperr.Validation("report config required")
	}
	draft := cfg.Clone()
	draft.ID = ""
	draft.State = StateDraft
	draft.Version = 0
	draft.ScheduleIDs = nil
	return s.assembler.Build(ctx, draft)
}

// Templates lists the template catalog.
func (s *Service) Templates() []Template {
	return s.catalog.List()
}

// Instantiate creates a configuration from a template. With save it is persisted,
// otherwise the draft is returned.
func (s *Service) Instantiate(ctx context.Context, templateID string, o Overrides, save bool) (*Config, error) {
	cfg, err := s.catalog.CreateFromTemplate(templateID, o)
	if err != nil {
		return nil, err
	}
	if !save {
		return cfg, nil
	}
	return s.Save(ctx, cfg)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
