package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/dispatcher"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/liveness"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/internal/store"
	"jobsupervisor/internal/testutil"
	"jobsupervisor/pkg/backoff"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner serves the runner API from in-memory event lists.
type fakeRunner struct {
	version string

	mu          sync.Mutex
	states      []protocol.StateEvent
	jobLogs     []protocol.LogEvent
	legacyState string
	legacyRes   *protocol.LegacyResult
	pullStatus  int
	submits     int
	terminated  []protocol.TerminateBody
	samples     []job.Metrics
}

func newFakeRunner(t *testing.T, version string) (*fakeRunner, *httptest.Server) {
	r := &fakeRunner{version: version}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

func (f *fakeRunner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case protocol.PathHealthcheck:
		_ = json.NewEncoder(w).Encode(protocol.HealthcheckResponse{Service: "runner", Version: f.version})
	case protocol.PathSubmit:
		f.submits++
	case protocol.PathPull:
		if f.pullStatus != 0 {
			w.WriteHeader(f.pullStatus)
			return
		}
		if f.legacyState != "" {
			_ = json.NewEncoder(w).Encode(protocol.LegacyPullResponse{State: f.legacyState, Result: f.legacyRes})
			return
		}
		since, _ := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
		resp := protocol.PullResponse{JobStates: []protocol.StateEvent{}, JobLogs: []protocol.LogEvent{}, RunnerLogs: []protocol.LogEvent{}}
		for _, s := range f.states {
			if s.Timestamp >= since {
				resp.JobStates = append(resp.JobStates, s)
			}
			resp.LastUpdated = max(resp.LastUpdated, s.Timestamp)
		}
		for _, l := range f.jobLogs {
			if l.Timestamp >= since {
				resp.JobLogs = append(resp.JobLogs, l)
			}
			resp.LastUpdated = max(resp.LastUpdated, l.Timestamp)
		}
		_ = json.NewEncoder(w).Encode(resp)
	case protocol.PathTerminate:
		var body protocol.TerminateBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.terminated = append(f.terminated, body)
		f.states = append(f.states, protocol.StateEvent{
			Timestamp:          f.nextTimestamp(),
			State:              protocol.TaskTerminated,
			TerminationReason:  body.TerminationReason,
			TerminationMessage: body.TerminationMessage + " (stopped gracefully)",
		})
	case protocol.PathMetrics:
		if len(f.samples) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(f.samples[0])
		f.samples = f.samples[1:]
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRunner) nextTimestamp() int64 {
	var ts int64
	for _, s := range f.states {
		ts = max(ts, s.Timestamp)
	}
	return ts + 100
}

func (f *fakeRunner) push(states ...protocol.StateEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, states...)
}

func (f *fakeRunner) log(ts int64, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobLogs = append(f.jobLogs, protocol.LogEvent{Timestamp: ts, Message: []byte(msg)})
}

func (f *fakeRunner) setLegacy(state string, res *protocol.LegacyResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.legacyState = state
	f.legacyRes = res
}

func (f *fakeRunner) failPulls(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullStatus = status
}

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (d *recordingDispatcher) Dispatch(e *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Stats() dispatcher.Stats     { return dispatcher.Stats{} }
func (d *recordingDispatcher) Close(context.Context) error { return nil }

func (d *recordingDispatcher) snapshot() []*dispatcher.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*dispatcher.Event(nil), d.events...)
}

func newCoordinator(t *testing.T, s store.Store, d dispatcher.Dispatcher, policy liveness.Policy) *Coordinator {
	t.Helper()
	c, err := New(context.Background(), Config{
		Store:         s,
		Dispatcher:    d,
		PollInterval:  10 * time.Millisecond,
		PollTimeout:   time.Second,
		Liveness:      policy,
		SubmitRetries: 1,
		SubmitBackoff: &backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func submission(id, runnerURL string) *job.Submission {
	return &job.Submission{
		ID:        id,
		RunnerURL: runnerURL,
		Envelope: job.Envelope{
			RunSpec: job.RunSpec{RunName: "run-1"},
			JobSpec: job.JobSpec{JobName: "job-0", Image: "ubuntu:22.04", Commands: []string{"echo hi"}},
		},
	}
}

func waitForStatus(t *testing.T, s store.Store, id string, want job.Status) *job.Job {
	t.Helper()
	var last *job.Job
	testutil.MustWaitFor(t, func() bool {
		j, err := s.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, testutil.WithTimeout(5*time.Second))
	return last
}

func TestSubmit_ReconcilesToDone(t *testing.T) {
	t.Parallel()
	runner, srv := newFakeRunner(t, "0.19.3")
	runner.push(
		protocol.StateEvent{Timestamp: 100, State: protocol.TaskPulling},
		protocol.StateEvent{Timestamp: 200, State: protocol.TaskRunning},
	)
	runner.log(150, "one")
	runner.log(200, "two")
	runner.log(250, "three")

	s := store.NewMemory()
	d := &recordingDispatcher{}
	c := newCoordinator(t, s, d, liveness.Policy{})

	sub := submission("job-done", srv.URL)
	sub.Callback = &job.Callback{URL: "http://callback.invalid/hook", Key: "k"}
	j, err := c.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, job.DialectCurrent, j.Dialect)
	assert.Equal(t, job.StatusSubmitted, j.Status)
	assert.NotEmpty(t, j.TaskID)

	waitForStatus(t, s, "job-done", job.StatusRunning)
	testutil.MustWaitFor(t, func() bool {
		logs, err := s.Logs(context.Background(), "job-done", job.LogQuery{Stream: job.StreamJob})
		return err == nil && len(logs) == 3
	})

	runner.push(protocol.StateEvent{Timestamp: 300, State: protocol.TaskTerminated, TerminationReason: job.ReasonDoneByRunner})
	final := waitForStatus(t, s, "job-done", job.StatusDone)
	assert.Equal(t, job.ReasonDoneByRunner, final.TerminationReason)

	testutil.MustWaitForValue(t, c.Active, 0)

	// Repeated polls never duplicate logs.
	assert.True(t, testutil.Consistently(t, func() bool {
		logs, err := s.Logs(context.Background(), "job-done", job.LogQuery{Stream: job.StreamJob})
		return err == nil && len(logs) == 3
	}, testutil.WithTimeout(100*time.Millisecond)))
	logs, err := s.Logs(context.Background(), "job-done", job.LogQuery{Stream: job.StreamJob})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "one", string(logs[0].Message))
	assert.Equal(t, "three", string(logs[2].Message))

	events := d.snapshot()
	var types []string
	for _, e := range events {
		types = append(types, e.Payload.Type)
		assert.Equal(t, "job-done", e.Key)
		assert.Equal(t, "k", e.SigningKey)
	}
	assert.Equal(t, []string{
		job.EventTypeStatus, // submitted -> provisioning
		job.EventTypeStatus, // provisioning -> running
		job.EventTypeStatus, // running -> done
		job.EventTypeTerminal,
	}, types)
}

func TestSubmit_LegacyRunner(t *testing.T) {
	t.Parallel()
	runner, srv := newFakeRunner(t, "0.18.4")
	runner.setLegacy(protocol.TaskRunning, nil)

	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{})

	j, err := c.Submit(context.Background(), submission("job-legacy", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, job.DialectLegacy, j.Dialect)

	waitForStatus(t, s, "job-legacy", job.StatusRunning)

	runner.setLegacy(protocol.TaskTerminated, &protocol.LegacyResult{Reason: job.ReasonContainerExitedWithError, ReasonMessage: "exit 1"})
	final := waitForStatus(t, s, "job-legacy", job.StatusFailed)
	assert.Equal(t, job.ReasonContainerExitedWithError, final.TerminationReason)
	assert.Equal(t, "exit 1", final.TerminationMessage)
}

func TestSubmit_RecordedVersionSkipsProbe(t *testing.T) {
	t.Parallel()
	_, srv := newFakeRunner(t, "not-consulted")

	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{})

	sub := submission("job-versioned", srv.URL)
	sub.RunnerVersion = "0.10.0"
	j, err := c.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, job.DialectLegacy, j.Dialect)
}

func TestSubmit_DuplicateID(t *testing.T) {
	t.Parallel()
	_, srv := newFakeRunner(t, "0.19.3")
	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{})

	_, err := c.Submit(context.Background(), submission("job-dup", srv.URL))
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), submission("job-dup", srv.URL))
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "expected conflict, got %v", err)
}

func TestSubmit_RunnerDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{})

	_, err := c.Submit(context.Background(), submission("job-down", url))
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable), "expected unavailable, got %v", err)

	_, err = s.Get(context.Background(), "job-down")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "failed submit must not create a record")
	assert.Zero(t, c.Active())
}

func TestRunnerUnreachable(t *testing.T) {
	t.Parallel()
	runner, srv := newFakeRunner(t, "0.19.3")
	runner.failPulls(http.StatusServiceUnavailable)

	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{MaxFailures: 2})

	_, err := c.Submit(context.Background(), submission("job-lost", srv.URL))
	require.NoError(t, err)

	final := waitForStatus(t, s, "job-lost", job.StatusFailed)
	assert.Equal(t, job.ReasonRunnerUnreachable, final.TerminationReason)
	assert.NotEmpty(t, final.TerminationMessage)
	testutil.MustWaitForValue(t, c.Active, 0)
}

func TestResumeOnStart(t *testing.T) {
	t.Parallel()
	runner, srv := newFakeRunner(t, "0.19.3")
	runner.push(
		protocol.StateEvent{Timestamp: 100, State: protocol.TaskRunning},
		protocol.StateEvent{Timestamp: 200, State: protocol.TaskTerminated, TerminationReason: job.ReasonDoneByRunner},
	)

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &job.Job{
		ID:        "job-resumed",
		RunnerURL: srv.URL,
		TaskID:    "task-1",
		Dialect:   job.DialectCurrent,
		Status:    job.StatusRunning,
	}))
	require.NoError(t, s.Create(ctx, &job.Job{
		ID:        "job-finished",
		RunnerURL: srv.URL,
		TaskID:    "task-2",
		Dialect:   job.DialectCurrent,
		Status:    job.StatusDone,
	}))

	newCoordinator(t, s, nil, liveness.Policy{})

	waitForStatus(t, s, "job-resumed", job.StatusDone)
	finished, err := s.Get(ctx, "job-finished")
	require.NoError(t, err)
	assert.EqualValues(t, 1, finished.Version, "terminal jobs are not resumed")
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	runner, srv := newFakeRunner(t, "0.19.3")
	runner.push(protocol.StateEvent{Timestamp: 100, State: protocol.TaskRunning})

	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{})
	ctx := context.Background()

	_, err := c.Submit(ctx, submission("job-stop", srv.URL))
	require.NoError(t, err)
	waitForStatus(t, s, "job-stop", job.StatusRunning)

	require.NoError(t, c.Terminate(ctx, "job-stop", job.TerminateRequest{
		Reason:  job.ReasonTerminatedByUser,
		Message: "requested",
		Timeout: 10 * time.Second,
	}))

	final := waitForStatus(t, s, "job-stop", job.StatusFailed)
	assert.Equal(t, job.ReasonTerminatedByUser, final.TerminationReason)
	assert.Equal(t, "requested (stopped gracefully)", final.TerminationMessage)

	runner.mu.Lock()
	require.Len(t, runner.terminated, 1)
	assert.Equal(t, 10, runner.terminated[0].Timeout)
	runner.mu.Unlock()

	err = c.Terminate(ctx, "job-stop", job.TerminateRequest{Reason: job.ReasonTerminatedByUser})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	err = c.Terminate(ctx, "missing", job.TerminateRequest{})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMetrics_CPUPercent(t *testing.T) {
	t.Parallel()
	runner, srv := newFakeRunner(t, "0.19.3")
	runner.samples = []job.Metrics{
		{TimestampMicro: 1_000_000, CPUUsageMicro: 0},
		{TimestampMicro: 2_000_000, CPUUsageMicro: 500_000, MemoryUsageBytes: 42},
	}

	s := store.NewMemory()
	c := newCoordinator(t, s, nil, liveness.Policy{})
	ctx := context.Background()
	_, err := c.Submit(ctx, submission("job-metrics", srv.URL))
	require.NoError(t, err)

	first, err := c.Metrics(ctx, "job-metrics")
	require.NoError(t, err)
	assert.Zero(t, first.CPUUsagePercent)

	second, err := c.Metrics(ctx, "job-metrics")
	require.NoError(t, err)
	assert.Equal(t, 50, second.CPUUsagePercent)
	assert.EqualValues(t, 42, second.MemoryUsageBytes)
}

func TestClose(t *testing.T) {
	t.Parallel()
	_, srv := newFakeRunner(t, "0.19.3")

	s := store.NewMemory()
	c, err := New(context.Background(), Config{Store: s, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), submission("job-close", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Active())

	require.NoError(t, c.Close())
	assert.Zero(t, c.Active())
	require.NoError(t, c.Close())

	_, err = c.Submit(context.Background(), submission("job-late", srv.URL))
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))

	j, err := s.Get(context.Background(), "job-close")
	require.NoError(t, err)
	assert.False(t, j.Status.IsTerminal(), "closing does not finish jobs")
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
