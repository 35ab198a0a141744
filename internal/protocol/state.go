package protocol

import (
	"fmt"
	"jobsupervisor/internal/job"
)

// Runner task statuses.
const (
	TaskPending    = "pending"
	TaskPreparing  = "preparing"
	TaskPulling    = "pulling"
	TaskCreating   = "creating"
	TaskRunning    = "running"
	TaskTerminated = "terminated"
)

// stateMap covers both the task vocabulary and the job vocabulary a runner
// may report. "terminated" is resolved by reason in MapState.
var stateMap = map[string]job.Status{
	"submitted":    job.StatusSubmitted,
	TaskPending:    job.StatusProvisioning,
	"provisioning": job.StatusProvisioning,
	TaskPreparing:  job.StatusProvisioning,
	TaskPulling:    job.StatusProvisioning,
	TaskCreating:   job.StatusProvisioning,
	TaskRunning:    job.StatusRunning,
	"terminating":  job.StatusTerminating,
	"done":         job.StatusDone,
	"failed":       job.StatusFailed,
	"aborted":      job.StatusFailed,
}

// MapState converts a runner-reported state into a canonical status.
func MapState(state, reason string) (job.Status, error) {
	if state == TaskTerminated {
		if reason == job.ReasonDoneByRunner {
			return job.StatusDone, nil
		}
		return job.StatusFailed, nil
	}
	s, ok := stateMap[state]
	if !ok {
		return "", fmt.Errorf("unknown state %q", state)
	}
	return s, nil
}
