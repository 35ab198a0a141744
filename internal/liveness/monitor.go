// Package liveness decides when a job's runner must be considered lost.
package liveness

import (
	"fmt"
	"jobsupervisor/internal/job"
	"time"
)

// Policy holds the ceilings. A zero value disables the corresponding check.
type Policy struct {
	// QuietCeiling bounds the runner-reported period without outbound
	// network activity.
	QuietCeiling time.Duration
	// MaxFailures bounds consecutive failed polls.
	MaxFailures int
	// UnreachableTimeout bounds wall-clock time since the runner was last
	// seen alive, evaluated only while polls are failing.
	UnreachableTimeout time.Duration
}

// Monitor tracks the signals of one job. It is owned by that job's
// supervision unit and is not safe for concurrent use.
type Monitor struct {
	policy   Policy
	failures int
	lastErr  error
	quiet    *int64
}

// NewMonitor creates a monitor for one job.
func NewMonitor(p Policy) *Monitor {
	return &Monitor{policy: p}
}

// RecordSuccess resets the failure count and keeps the reported quiet period.
func (m *Monitor) RecordSuccess(res *job.PollResult) {
	m.failures = 0
	m.lastErr = nil
	m.quiet = res.QuietPeriod
}

// RecordFailure counts a failed poll.
func (m *Monitor) RecordFailure(err error) {
	m.failures++
	m.lastErr = err
}

// Failures returns the number of consecutive failed polls.
func (m *Monitor) Failures() int {
	return m.failures
}

// Check returns a synthesized terminal event when a ceiling is exceeded.
// Terminal jobs are never judged.
func (m *Monitor) Check(j *job.Job, now time.Time) (*job.StateEvent, bool) {
	if j.Status.IsTerminal() {
		return nil, false
	}
	msg := m.verdict(j, now)
	if msg == "" {
		return nil, false
	}

	ts := now.UnixMilli()
	if next := j.StateCursor.Timestamp + 1; ts < next {
		ts = next
	}
	return &job.StateEvent{
		Timestamp:          ts,
		Status:             job.StatusFailed,
		TerminationReason:  job.ReasonRunnerUnreachable,
		TerminationMessage: msg,
	}, true
}

func (m *Monitor) verdict(j *job.Job, now time.Time) string {
	if ceiling := int64(m.policy.QuietCeiling / time.Second); ceiling > 0 && m.quiet != nil && *m.quiet > ceiling {
		return fmt.Sprintf("runner reported no network activity for %ds, ceiling is %ds", *m.quiet, ceiling)
	}

	if m.policy.MaxFailures > 0 && m.failures > m.policy.MaxFailures {
		return fmt.Sprintf("runner unreachable after %d consecutive failed polls: %v", m.failures, m.lastErr)
	}

	if m.policy.UnreachableTimeout > 0 && m.failures > 0 {
		since := j.LastSeenAlive
		if since.IsZero() {
			since = j.CreatedAt
		}
		if silent := now.Sub(since); !since.IsZero() && silent > m.policy.UnreachableTimeout {
			return fmt.Sprintf("runner unreachable for %s: %v", silent.Truncate(time.Second), m.lastErr)
		}
	}
	return ""
}
