package store

import (
	"context"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/job"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
	logs map[string]map[job.LogStream][]job.LogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
		logs: make(map[string]map[job.LogStream][]job.LogEntry),
	}
}

func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	prepareCreate(j)
	m.jobs[j.ID] = j.Clone()
	m.logs[j.ID] = make(map[job.LogStream][]job.LogEntry)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.match(j) {
			out = append(out, *j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) Update(_ context.Context, j *job.Job, logs []job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID]
	if !ok {
		return apperrors.NotFound("job", j.ID)
	}
	if stored.Version != j.Version {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" was modified concurrently")
	}

	j.Version++
	j.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID] = j.Clone()
	for _, e := range logs {
		m.logs[j.ID][e.Stream] = append(m.logs[j.ID][e.Stream], e)
	}
	return nil
}

func (m *Memory) Logs(_ context.Context, id string, q job.LogQuery) ([]job.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams, ok := m.logs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return selectLogs(streams[q.Stream], q), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
