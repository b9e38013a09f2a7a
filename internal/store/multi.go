package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
)

// Multi fans a request out to several backends concurrently and merges the results.
//
// An account is known when at least one member knows it. Any other member error
// fails the whole request.
type Multi struct {
	members []Store
	logger  *zap.Logger
}

// NewMulti creates a fan-out store over members.
func NewMulti(logger *zap.Logger, members ...Store) *Multi {
	return &Multi{members: members, logger: logger}
}

// Name returns the provider name
func (m *Multi) Name() string {
	names := make([]string, 0, len(m.members))
	for _, s := range m.members {
		names = append(names, s.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// FetchRecords queries every member and returns the merged, sorted records.
func (m *Multi) FetchRecords(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error) {
	if err := CheckRequest(accountID, r, dim); err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		all      []normalizer.MetricRecord
		notFound int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range m.members {
		member := member
		g.Go(func() error {
			records, err := member.FetchRecords(gctx, accountID, r, dim)
			if apperr.Is(err, apperr.CodeNotFound) {
				mu.Lock()
				notFound++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", member.Name(), err)
			}

			mu.Lock()
			defer mu.Unlock()
			all = append(all, records...)
			m.logger.Debug("Records retrieved",
				zap.String("backend", member.Name()),
				zap.String("account", accountID),
				zap.Int("records", len(records)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if notFound == len(m.members) {
		return nil, apperr.NotFound("account %s not found in any backend", accountID)
	}
	return Finalize(all, r), nil
}
