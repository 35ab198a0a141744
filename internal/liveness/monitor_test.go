package liveness

import (
	"errors"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/reconcile"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

func quiet(secs int64) *job.PollResult {
	return &job.PollResult{QuietPeriod: &secs}
}

func TestCheck_QuietBoundary(t *testing.T) {
	t.Parallel()
	const ceiling = 600
	tests := []struct {
		name  string
		quiet int64
		want  bool
	}{
		{"below ceiling", ceiling - 1, false},
		{"at ceiling", ceiling, false},
		{"above ceiling", ceiling + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMonitor(Policy{QuietCeiling: ceiling * time.Second})
			m.RecordSuccess(quiet(tt.quiet))

			ev, ok := m.Check(&job.Job{Status: job.StatusRunning}, time.Now())
			assert.Equal(t, tt.want, ok)
			if tt.want {
				require.NotNil(t, ev)
				assert.Equal(t, job.StatusFailed, ev.Status)
				assert.Equal(t, job.ReasonRunnerUnreachable, ev.TerminationReason)
				assert.NotEmpty(t, ev.TerminationMessage)
			}
		})
	}
}

func TestCheck_NoQuietReported(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{QuietCeiling: time.Second})
	m.RecordSuccess(&job.PollResult{})

	_, ok := m.Check(&job.Job{Status: job.StatusRunning}, time.Now())
	assert.False(t, ok)
}

func TestCheck_FailureCeiling(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{MaxFailures: 3})
	j := &job.Job{Status: job.StatusRunning}

	for i := 0; i < 3; i++ {
		m.RecordFailure(errRefused)
		_, ok := m.Check(j, time.Now())
		assert.False(t, ok, "failure %d should not trigger", i+1)
	}
	m.RecordFailure(errRefused)
	ev, ok := m.Check(j, time.Now())
	require.True(t, ok)
	assert.Contains(t, ev.TerminationMessage, "connection refused")
}

func TestCheck_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{MaxFailures: 1})
	m.RecordFailure(errRefused)
	m.RecordSuccess(&job.PollResult{})
	m.RecordFailure(errRefused)

	assert.Equal(t, 1, m.Failures())
	_, ok := m.Check(&job.Job{Status: job.StatusRunning}, time.Now())
	assert.False(t, ok)
}

func TestCheck_UnreachableTimeout(t *testing.T) {
	t.Parallel()
	created := time.Unix(1000, 0)
	m := NewMonitor(Policy{UnreachableTimeout: time.Minute})
	j := &job.Job{Status: job.StatusSubmitted, CreatedAt: created}

	_, ok := m.Check(j, created.Add(2*time.Minute))
	assert.False(t, ok, "no failures recorded yet")

	m.RecordFailure(errRefused)
	_, ok = m.Check(j, created.Add(30*time.Second))
	assert.False(t, ok)
	_, ok = m.Check(j, created.Add(2*time.Minute))
	assert.True(t, ok)

	j.LastSeenAlive = created.Add(90 * time.Second)
	_, ok = m.Check(j, created.Add(2*time.Minute))
	assert.False(t, ok, "last seen alive is measured from the latest success")
}

func TestCheck_TerminalExcluded(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{MaxFailures: 1})
	m.RecordFailure(errRefused)
	m.RecordFailure(errRefused)

	for _, s := range []job.Status{job.StatusDone, job.StatusFailed} {
		_, ok := m.Check(&job.Job{Status: s}, time.Now())
		assert.False(t, ok)
	}
}

func TestCheck_DisabledByZeroPolicy(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{})
	for i := 0; i < 100; i++ {
		m.RecordFailure(errRefused)
	}
	_, ok := m.Check(&job.Job{Status: job.StatusRunning}, time.Now())
	assert.False(t, ok)
}

func TestCheck_TimestampAfterCursor(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{MaxFailures: 1})
	m.RecordFailure(errRefused)
	m.RecordFailure(errRefused)

	j := &job.Job{Status: job.StatusRunning}
	j.StateCursor.Advance(5_000_000, 1)

	ev, ok := m.Check(j, time.UnixMilli(10))
	require.True(t, ok)
	assert.EqualValues(t, 5_000_001, ev.Timestamp)
}

// A job whose runner never answers ends terminal through the normal merge
// path without any runner event applied.
func TestNeverReachable(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Policy{MaxFailures: 5})
	j := &job.Job{ID: "j", Status: job.StatusSubmitted, CreatedAt: time.Unix(0, 0)}

	var ev *job.StateEvent
	for i := 0; i < 10; i++ {
		m.RecordFailure(errRefused)
		var ok bool
		if ev, ok = m.Check(j, time.Unix(int64(i), 0)); ok {
			break
		}
	}
	require.NotNil(t, ev)

	out := reconcile.Apply(j, &job.PollResult{States: []job.StateEvent{*ev}})
	assert.True(t, out.Terminal())
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.ReasonRunnerUnreachable, j.TerminationReason)
	assert.NotEmpty(t, j.TerminationMessage)
	assert.Zero(t, j.LastUpdated)
	assert.True(t, j.LastSeenAlive.IsZero())
	assert.Equal(t, 6, m.Failures())
}
