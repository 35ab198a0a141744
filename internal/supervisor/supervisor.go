// Package supervisor implements job.Supervisor by polling runners.
//
// A Coordinator owns one supervision unit per non-terminal job. Each unit is
// a goroutine that ticks, polls the job's runner, reconciles the response
// into the stored record, and judges liveness, until the job is terminal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/internal/runnerclient"
	"jobsupervisor/internal/store"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("supervisor is closed")

// Coordinator implements job.Supervisor.
type Coordinator struct {
	cfg     Config
	store   store.Store
	limiter *rate.Limiter
	units   *unitRepo

	samplesMu sync.Mutex
	samples   map[string]*job.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Coordinator and resumes supervision of every non-terminal
// job found in the store.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:     cfg,
		store:   cfg.Store,
		units:   newUnitRepo(),
		samples: make(map[string]*job.Metrics),
	}
	if cfg.PollRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), cfg.PollBurst)
	}

	if err := c.resume(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// resume starts a unit for each active job in the store.
func (c *Coordinator) resume(ctx context.Context) error {
	jobs, err := c.store.List(ctx, store.Filter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for i := range jobs {
		j := &jobs[i]
		if err := c.units.reserve(j.ID); err != nil {
			continue
		}
		c.launch(j)
	}
	slog.Info("Supervision resumed", "jobs", len(jobs))
	return nil
}

// Submit delivers the envelope to the runner, records the job, and starts
// supervising it.
func (c *Coordinator) Submit(ctx context.Context, sub *job.Submission) (*job.Job, error) {
	if c.isClosed() {
		return nil, apperrors.Unavailable("supervisor.submit", ErrClosed)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := c.units.reserve(sub.ID); err != nil {
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			c.units.release(sub.ID)
		}
	}()

	if _, err := c.store.Get(ctx, sub.ID); err == nil {
		return nil, apperrors.Conflict("job", sub.ID, "job "+sub.ID+" already exists")
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	client, err := c.clientFor(ctx, sub)
	if err != nil {
		return nil, runnerError("runner.healthcheck", err)
	}

	taskID := uuid.NewString()
	if err := client.Submit(ctx, taskID, &sub.Envelope); err != nil {
		return nil, runnerError("runner.submit", err)
	}

	j := &job.Job{
		ID:            sub.ID,
		RunnerURL:     sub.RunnerURL,
		InstanceID:    sub.InstanceID,
		TaskID:        taskID,
		Dialect:       client.Dialect(),
		Status:        job.StatusSubmitted,
		LastSeenAlive: c.cfg.Now().UTC(),
		Callback:      sub.Callback,
	}
	if err := c.store.Create(ctx, j); err != nil {
		return nil, err
	}

	committed = true
	c.launch(j)
	return j.Clone(), nil
}

// clientFor picks the dialect from the recorded runner version, or probes
// the runner when none was given.
func (c *Coordinator) clientFor(ctx context.Context, sub *job.Submission) (*runnerclient.Client, error) {
	client := c.newClient(sub.RunnerURL, job.DialectCurrent)
	if sub.RunnerVersion != "" {
		return client.WithDialect(protocol.DetectDialect(sub.RunnerVersion, c.cfg.MinCurrentVersion)), nil
	}
	detected, version, err := client.Detect(ctx, c.cfg.MinCurrentVersion)
	if err != nil {
		return nil, err
	}
	slog.Debug("Runner version detected", "runnerUrl", sub.RunnerURL, "version", version, "dialect", detected.Dialect())
	return detected, nil
}

func (c *Coordinator) newClient(baseURL string, d job.Dialect) *runnerclient.Client {
	opts := []runnerclient.Option{runnerclient.WithClock(c.cfg.Now)}
	if c.cfg.HTTPClient != nil {
		opts = append(opts, runnerclient.WithHTTPClient(c.cfg.HTTPClient))
	}
	if c.cfg.SubmitRetries > 0 {
		opts = append(opts, runnerclient.WithSubmitRetries(c.cfg.SubmitRetries))
	}
	if c.cfg.SubmitBackoff != nil {
		opts = append(opts, runnerclient.WithBackoff(c.cfg.SubmitBackoff))
	}
	return runnerclient.New(baseURL, d, opts...)
}

// Terminate asks the job's runner to stop the task. The record changes only
// when a later poll observes the stop.
func (c *Coordinator) Terminate(ctx context.Context, jobID string, req job.TerminateRequest) error {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return apperrors.Conflict("job", jobID, "job "+jobID+" already finished")
	}
	if err := c.newClient(j.RunnerURL, j.Dialect).Terminate(ctx, req); err != nil {
		return runnerError("runner.terminate", err)
	}
	return nil
}

// Get returns the stored record of a job.
func (c *Coordinator) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return c.store.Get(ctx, jobID)
}

// List returns all stored jobs ordered by creation.
func (c *Coordinator) List(ctx context.Context) ([]job.Job, error) {
	return c.store.List(ctx, store.Filter{})
}

// Logs returns persisted log entries of one stream.
func (c *Coordinator) Logs(ctx context.Context, jobID string, q job.LogQuery) ([]job.LogEntry, error) {
	return c.store.Logs(ctx, jobID, q)
}

// Metrics probes the runner and derives CPU utilization from the previous
// sample taken for the same job.
func (c *Coordinator) Metrics(ctx context.Context, jobID string) (*job.MetricsReport, error) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m, err := c.newClient(j.RunnerURL, j.Dialect).Metrics(ctx)
	if err != nil {
		return nil, runnerError("runner.metrics", err)
	}

	c.samplesMu.Lock()
	prev := c.samples[jobID]
	c.samples[jobID] = m
	c.samplesMu.Unlock()

	return &job.MetricsReport{Metrics: *m, CPUUsagePercent: job.CPUPercent(prev, m)}, nil
}

// Ready checks that the job store is reachable.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Active returns the number of running supervision units.
func (c *Coordinator) Active() int {
	return c.units.count()
}

// Close stops all supervision units and waits for them to exit. Runner tasks
// keep running. The store is owned by the caller and stays open.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, u := range c.units.list() {
		if u != nil {
			u.cancel()
		}
	}
	c.wg.Wait()
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// runnerError wraps a runner call failure for the control API.
func runnerError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Unavailable(op, err)
}

// Verify Coordinator implements job.Supervisor
var _ job.Supervisor = (*Coordinator)(nil)
