package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the result store.
//
// Driver values:
//   - "file": dependency-free JSON snapshot file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and results live only in
// the scheduler's in-memory request table.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // prune horizon; 0 means 1h
}

func (c Config) EffectiveRetention() time.Duration {
	if c.Retention <= 0 {
		return time.Hour
	}
	return c.Retention
}

// ResultRecord is one terminal outcome. Exactly one of Result/Error is set.
type ResultRecord struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"` // completed | failed | cancelled
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Priority   string          `json:"priority"`
	Account    string          `json:"account,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Store is the persistence API used by the scheduler and the admin surface.
type Store interface {
	Put(ctx context.Context, rec ResultRecord) error
	Get(ctx context.Context, id string) (ResultRecord, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Prune drops records finished before the cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
