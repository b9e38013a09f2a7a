// Package memory provides an in-process metric store seeded from a fixture file.
//
// It backs demo mode and tests. Entries carry every dimension attribute so the same
// data can be grouped by service, region, account, tag, or framework.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/normalizer"
	"github.com/lvonguyen/finops-analytics/internal/store"
)

func init() {
	store.MustRegister("memory", func(_ context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
		if cfg.Store.Memory.FixturePath == "" {
			logger.Warn("Memory store has no fixture, starting empty")
			return New(), nil
		}
		return LoadFixture(cfg.Store.Memory.FixturePath)
	})
}

// Entry is one measurement with all of its dimension attributes.
type Entry struct {
	Date      time.Time
	Service   string
	Region    string
	Account   string
	Tag       string
	Framework string
	Metric    normalizer.MetricName
	Value     decimal.Decimal
}

// Key returns the entry's value for dim.
func (e Entry) Key(dim normalizer.Dimension) string {
	switch dim {
	case normalizer.DimensionService:
		return normalizer.NormalizeKey(e.Service)
	case normalizer.DimensionRegion:
		return normalizer.NormalizeKey(e.Region)
	case normalizer.DimensionAccount:
		return normalizer.NormalizeKey(e.Account)
	case normalizer.DimensionTag:
		return normalizer.NormalizeKey(e.Tag)
	case normalizer.DimensionFramework:
		return normalizer.NormalizeKey(e.Framework)
	}
	return normalizer.UntaggedKey
}

// Account groups the entries for one account id.
type Account struct {
	ID      string
	Entries []Entry
}

// Store is an immutable in-memory metric store.
type Store struct {
	accounts map[string][]Entry
}

// New creates a store holding copies of the given accounts.
func New(accounts ...Account) *Store {
	s := &Store{accounts: make(map[string][]Entry, len(accounts))}
	for _, a := range accounts {
		entries := make([]Entry, len(a.Entries))
		copy(entries, a.Entries)
		for i := range entries {
			if entries[i].Account == "" {
				entries[i].Account = a.ID
			}
		}
		s.accounts[a.ID] = append(s.accounts[a.ID], entries...)
	}
	return s
}

// Name returns the provider name
func (s *Store) Name() string {
	return "memory"
}

// FetchRecords returns the account's entries inside r keyed by dim.
func (s *Store) FetchRecords(ctx context.Context, accountID string, r normalizer.DateRange, dim normalizer.Dimension) ([]normalizer.MetricRecord, error) {
	if err := store.CheckRequest(accountID, r, dim); err != nil {
		return nil, err
	}
	entries, ok := s.accounts[accountID]
	if !ok {
		return nil, apperr.NotFound("account %s not found", accountID)
	}

	records := make([]normalizer.MetricRecord, 0, len(entries))
	for i, e := range entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !r.Contains(e.Date) {
			continue
		}
		records = append(records, normalizer.MetricRecord{
			Timestamp:    e.Date,
			DimensionKey: e.Key(dim),
			Metric:       e.Metric,
			Value:        e.Value,
		})
	}
	return store.Finalize(records, r), nil
}

type fixtureFile struct {
	Accounts []fixtureAccount `yaml:"accounts"`
}

type fixtureAccount struct {
	ID      string         `yaml:"id"`
	Records []fixtureEntry `yaml:"records"`
}

type fixtureEntry struct {
	Date      fixtureDate  `yaml:"date"`
	Service   string       `yaml:"service"`
	Region    string       `yaml:"region"`
	Account   string       `yaml:"account"`
	Tag       string       `yaml:"tag"`
	Framework string       `yaml:"framework"`
	Metric    string       `yaml:"metric"`
	Value     fixtureValue `yaml:"value"`
}

type fixtureDate struct{ time.Time }

func (d *fixtureDate) UnmarshalYAML(node *yaml.Node) error {
	t, err := normalizer.ParseDate(node.Value)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

type fixtureValue struct{ decimal.Decimal }

func (v *fixtureValue) UnmarshalYAML(node *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", node.Value, err)
	}
	v.Decimal = d
	return nil
}

// LoadFixture reads a YAML (or JSON) fixture file.
func LoadFixture(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes fixture bytes into a store.
func ParseFixture(data []byte) (*Store, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}

	accounts := make([]Account, 0, len(f.Accounts))
	for _, fa := range f.Accounts {
		if fa.ID == "" {
			return nil, fmt.Errorf("fixture account without id")
		}
		a := Account{ID: fa.ID, Entries: make([]Entry, 0, len(fa.Records))}
		for i, fr := range fa.Records {
			metric, err := normalizer.ParseMetric(fr.Metric)
			if err != nil {
				return nil, fmt.Errorf("account %s record %d: %w", fa.ID, i, err)
			}
			a.Entries = append(a.Entries, Entry{
				Date:      fr.Date.Time,
				Service:   fr.Service,
				Region:    fr.Region,
				Account:   fr.Account,
				Tag:       fr.Tag,
				Framework: fr.Framework,
				Metric:    metric,
				Value:     fr.Value.Decimal,
			})
		}
		accounts = append(accounts, a)
	}
	return New(accounts...), nil
}
