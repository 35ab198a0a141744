package supervisor

import (
	"context"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/runnerclient"
	"sync"
	"time"
)

// unit is the handle of one running supervision loop.
type unit struct {
	client  *runnerclient.Client
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// unitRepo maps job IDs to supervision units with thread-safe access.
type unitRepo struct {
	mu    sync.RWMutex
	units map[string]*unit
}

func newUnitRepo() *unitRepo {
	return &unitRepo{
		units: make(map[string]*unit),
	}
}

// reserve claims a job ID while its submission is in flight. The slot holds
// nil until commit is called.
func (r *unitRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job "+jobID+" is already supervised")
	}
	r.units[jobID] = nil
	return nil
}

// commit fills a reserved slot with the running unit.
func (r *unitRepo) commit(jobID string, u *unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[jobID] = u
}

// release removes a job. Returns the unit if the slot existed.
func (r *unitRepo) release(jobID string) (*unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.units[jobID]
	if exists {
		delete(r.units, jobID)
	}
	return u, exists
}

// releaseIf removes jobID only while it still maps to u, so a finished loop
// never drops a newer reservation for the same ID.
func (r *unitRepo) releaseIf(jobID string, u *unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.units[jobID] == u {
		delete(r.units, jobID)
	}
}

// get returns (nil, true) for a reserved but uncommitted slot.
func (r *unitRepo) get(jobID string) (*unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, exists := r.units[jobID]
	return u, exists
}

// list returns a snapshot of all slots.
func (r *unitRepo) list() map[string]*unit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*unit, len(r.units))
	for id, u := range r.units {
		result[id] = u
	}
	return result
}

func (r *unitRepo) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}
