// Package badger persists report and schedule configurations in BadgerDB.
//
// Every Update runs in a single read-write transaction, so a cascade delete or a
// schedule attach either commits completely or not at all.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

const (
	reportPrefix   = "report/"
	schedulePrefix = "schedule/"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory disables disk persistence. Used by tests and demo mode.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *zap.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// ConfigFrom converts the persistence config section.
func ConfigFrom(cfg config.PersistenceConfig, logger *zap.Logger) Config {
	if cfg.InMemory {
		c := InMemoryConfig()
		c.Logger = logger
		return c
	}
	return Config{
		Path:           cfg.Path,
		SyncWrites:     true,
		Logger:         logger,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for an ephemeral database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Open opens a BadgerDB instance, creating the directory when needed.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return db, nil
}

// Repository implements report.Repository on BadgerDB.
type Repository struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
	logger *zap.Logger
}

// OpenRepository opens the database and starts value log GC for persistent stores.
func OpenRepository(cfg Config) (*Repository, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		r.stopGC = make(chan struct{})
		r.doneGC = make(chan struct{})
		go r.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return r, nil
}

// Close stops GC and closes the database.
func (r *Repository) Close() error {
	if r.stopGC != nil {
		close(r.stopGC)
		<-r.doneGC
		r.stopGC = nil
	}
	return r.db.Close()
}

func (r *Repository) runGC(interval time.Duration, ratio float64) {
	defer close(r.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed
			if err := r.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("Badger value log GC failed", zap.Error(err))
			}
		}
	}
}

// View runs fn in a read-only transaction.
func (r *Repository) View(ctx context.Context, fn func(report.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
}

// Update runs fn in a read-write transaction committed only when fn succeeds.
// Cancellation is honored before the transaction starts, never mid-commit.
func (r *Repository) Update(ctx context.Context, fn func(report.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return apperr.New(apperr.CodeConflict, "concurrent write, retry", err)
	}
	return err
}

type tx struct {
	txn *badger.Txn
}

func (t *tx) Report(id string) (*report.Config, error) {
	var cfg report.Config
	if err := t.get(reportPrefix+id, &cfg); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, apperr.NotFound("report %s not found", id)
		}
		return nil, err
	}
	return &cfg, nil
}

func (t *tx) Reports() ([]*report.Config, error) {
	var out []*report.Config
	err := t.scan(reportPrefix, func(data []byte) error {
		var cfg report.Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to decode report: %w", err)
		}
		out = append(out, &cfg)
		return nil
	})
	return out, err
}

func (t *tx) PutReport(cfg *report.Config) error {
	return t.put(reportPrefix+cfg.ID, cfg)
}

func (t *tx) DeleteReport(id string) error {
	return t.txn.Delete([]byte(reportPrefix + id))
}

func (t *tx) Schedule(id string) (*report.ScheduleConfig, error) {
	var sc report.ScheduleConfig
	if err := t.get(schedulePrefix+id, &sc); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, apperr.NotFound("schedule %s not found", id)
		}
		return nil, err
	}
	return &sc, nil
}

func (t *tx) Schedules() ([]*report.ScheduleConfig, error) {
	var out []*report.ScheduleConfig
	err := t.scan(schedulePrefix, func(data []byte) error {
		var sc report.ScheduleConfig
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("failed to decode schedule: %w", err)
		}
		out = append(out, &sc)
		return nil
	})
	return out, err
}

func (t *tx) PutSchedule(sc *report.ScheduleConfig) error {
	return t.put(schedulePrefix+sc.ID, sc)
}

func (t *tx) DeleteSchedule(id string) error {
	return t.txn.Delete([]byte(schedulePrefix + id))
}

func (t *tx) get(key string, v any) error {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return t.txn.Set([]byte(key), data)
}

func (t *tx) scan(prefix string, fn func([]byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
