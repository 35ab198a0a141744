// Package store persists canonical Job records and their ingested logs.
//
// Each Job is one record keyed by ID. Updates are compare-and-swap on
// Job.Version: a writer holding a stale copy gets a Conflict instead of
// overwriting newer state. Log entries are appended in the same write as the
// cursor that admitted them, so a crash never leaves a cursor ahead of its logs.
package store

import (
	"context"
	"fmt"
	"jobsupervisor/internal/job"
	"time"
)

// Store is the durable job store.
type Store interface {
	// Create inserts a new job. Returns a Conflict error if the ID exists.
	Create(ctx context.Context, j *job.Job) error

	// Get returns a job. Returns a NotFound error if it does not exist.
	Get(ctx context.Context, id string) (*job.Job, error)

	// List returns jobs ordered by creation time.
	List(ctx context.Context, f Filter) ([]job.Job, error)

	// Update writes j if the stored version equals j.Version, appending logs
	// atomically. On success j.Version is incremented and j.UpdatedAt set.
	Update(ctx context.Context, j *job.Job, logs []job.LogEntry) error

	// Logs returns persisted log entries of one stream in ingestion order.
	Logs(ctx context.Context, id string, q job.LogQuery) ([]job.LogEntry, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Filter narrows List.
type Filter struct {
	ActiveOnly bool // exclude terminal jobs
}

func (f Filter) match(j *job.Job) bool {
	return !f.ActiveOnly || !j.Status.IsTerminal()
}

// Drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a store implementation.
type Config struct {
	Driver    string
	Path      string // sqlite database file
	RedisAddr string
	RedisDB   int
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// prepareCreate stamps a new record.
func prepareCreate(j *job.Job) {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	j.Version = 1
}

// selectLogs applies a query to entries held in ingestion order.
func selectLogs(entries []job.LogEntry, q job.LogQuery) []job.LogEntry {
	out := make([]job.LogEntry, 0)
	for _, e := range entries {
		if e.Timestamp < q.StartTime {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}
