// Package store defines the read-only metric store contract and selects a backend by configuration.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/registry"
)

// Store reads historical metric records for an account.
//
// Implementations return records inside the inclusive range sorted by timestamp,
// fail with a not_found error for unknown accounts and an invalid_range error when
// start is after end, and never mutate the backing data.
type Store interface {
	Name() string
	FetchRecords(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error)
}

// Constructor builds a Store from configuration.
type Constructor func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error)

var backends = registry.New[Constructor]()

// Register makes a backend available under name.
func Register(name string, ctor Constructor) error {
	return backends.Register(name, ctor)
}

// MustRegister is Register for package init functions. It panics when name is empty
// or already taken.
func MustRegister(name string, ctor Constructor) {
	if err := Register(name, ctor); err != nil {
		panic(fmt.Sprintf("store: register backend %q: %v", name, err))
	}
}

// Backends returns the registered backend names.
func Backends() []string {
	return backends.Names()
}

// Open builds the backend selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if cfg.Store.Backend == "multi" {
		members := make([]Store, 0, len(cfg.Store.Backends))
		for _, name := range cfg.Store.Backends {
			s, err := openNamed(ctx, name, cfg, logger)
			if err != nil {
				return nil, err
			}
			members = append(members, s)
		}
		return NewMulti(logger, members...), nil
	}
	return openNamed(ctx, cfg.Store.Backend, cfg, logger)
}

func openNamed(ctx context.Context, name string, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if strings.EqualFold(name, "multi") {
		return nil, fmt.Errorf("store backend multi cannot be nested")
	}
	ctor, ok := backends.Get(name)
	if !ok {
		return nil, fmt.Errorf("store backend %s not registered (available: %s)", name, strings.Join(Backends(), ", "))
	}
	s, err := ctor(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", name, err)
	}
	logger.Info("Metric store initialized", zap.String("backend", s.Name()))
	return s, nil
}

// CheckRequest validates the arguments every backend receives.
func CheckRequest(accountID string, r normalizer.DateRange, dim normalizer.Dimension) error {
	if strings.TrimSpace(accountID) == "" {
		return apperr.InvalidArgument("account id required")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := normalizer.ParseDimension(string(dim)); err != nil {
		return err
	}
	return nil
}

// Finalize drops records outside r and sorts the rest by timestamp, then key, then metric.
// The input slice is not modified.
func Finalize(records []normalizer.MetricRecord, r normalizer.DateRange) []normalizer.MetricRecord {
	out := make([]normalizer.MetricRecord, 0, len(records))
	for _, rec := range records {
		if r.Contains(rec.Timestamp) {
			rec.Timestamp = normalizer.Day(rec.Timestamp)
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.DimensionKey != b.DimensionKey {
			return a.DimensionKey < b.DimensionKey
		}
		return a.Metric < b.Metric
	})
	return out
}
