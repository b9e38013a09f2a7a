package report

import (
	"context"
	"sync"
)

// Tx reads and writes configurations inside one transaction. Getters fail with
// not_found for unknown ids.
type Tx interface {
	Report(id string) (*Config, error)
	Reports() ([]*Config, error)
	PutReport(cfg *Config) error
	DeleteReport(id string) error

	Schedule(id string) (*ScheduleConfig, error)
	Schedules() ([]*ScheduleConfig, error)
	PutSchedule(s *ScheduleConfig) error
	DeleteSchedule(id string) error
}

// Repository persists report and schedule configurations. Update applies every write
// made by fn atomically, or none of them when fn fails.
type Repository interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}

// keyedMutex serializes writers per configuration id.
type keyedMutex struct {
	locks sync.Map // id -> *sync.Mutex
}

func (k *keyedMutex) lock(id string) func() {
	l, _ := k.locks.LoadOrStore(id, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
