package runner

import (
	"jobsupervisor/internal/protocol"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frozenClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestEventLog_StrictlyIncreasing(t *testing.T) {
	l := NewEventLog(frozenClock(1000))

	a := l.AddState(protocol.TaskPending, "", "")
	l.AddJobLog([]byte("hello"))
	l.AddRunnerLog("runner")
	b := l.AddState(protocol.TaskPreparing, "", "")

	assert.Equal(t, int64(1000), a)
	assert.Equal(t, int64(1003), b)

	resp := l.Pull(0)
	require.Len(t, resp.JobStates, 2)
	require.Len(t, resp.JobLogs, 1)
	require.Len(t, resp.RunnerLogs, 1)
	assert.Equal(t, int64(1001), resp.JobLogs[0].Timestamp)
	assert.Equal(t, int64(1002), resp.RunnerLogs[0].Timestamp)
	assert.Equal(t, int64(1003), resp.LastUpdated)
}

func TestEventLog_PullSinceIsInclusive(t *testing.T) {
	l := NewEventLog(frozenClock(500))
	l.AddState(protocol.TaskPending, "", "")   // 500
	l.AddState(protocol.TaskPreparing, "", "") // 501
	l.AddState(protocol.TaskPulling, "", "")   // 502

	resp := l.Pull(501)
	require.Len(t, resp.JobStates, 2)
	assert.Equal(t, protocol.TaskPreparing, resp.JobStates[0].State)
	assert.Equal(t, protocol.TaskPulling, resp.JobStates[1].State)

	assert.Empty(t, l.Pull(503).JobStates)
	assert.Equal(t, int64(502), l.Pull(503).LastUpdated)
}

func TestEventLog_PullReturnsCopies(t *testing.T) {
	l := NewEventLog(nil)
	l.AddState(protocol.TaskPending, "", "")

	resp := l.Pull(0)
	resp.JobStates[0].State = "mutated"
	assert.Equal(t, protocol.TaskPending, l.Pull(0).JobStates[0].State)
}

func TestEventLog_CopiesLogMessage(t *testing.T) {
	l := NewEventLog(nil)
	buf := []byte("line")
	jobLogWriter{l}.Write(buf)
	buf[0] = 'X'

	assert.Equal(t, "line", string(l.Pull(0).JobLogs[0].Message))
}

func TestEventLog_WritersSkipEmpty(t *testing.T) {
	l := NewEventLog(nil)
	n, err := jobLogWriter{l}.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, _ = runnerLogWriter{l}.Write([]byte{})

	resp := l.Pull(0)
	assert.Empty(t, resp.JobLogs)
	assert.Empty(t, resp.RunnerLogs)
}
