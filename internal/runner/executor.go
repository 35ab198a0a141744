package runner

import (
	"context"
	"fmt"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultStatsInterval = 10 * time.Second
	defaultStopTimeout   = 10 * time.Second
	logFlushTimeout      = 2 * time.Second
)

// ExecutorConfig holds configuration for the Executor.
type ExecutorConfig struct {
	StatsInterval time.Duration    // How often network activity is sampled (default 10s)
	StopTimeout   time.Duration    // Grace period for stops that carry none (default 10s)
	Now           func() time.Time // Clock (default time.Now)
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// stopRequest is a pending terminate.
type stopRequest struct {
	reason   string
	message  string
	timeout  time.Duration
	graceful bool
	err      error
	stopped  chan struct{} // closed once the engine stop returned
}

// Executor drives one task through pending, preparing, pulling, creating,
// running and terminated, recording every step in its EventLog.
type Executor struct {
	engine Engine
	events *EventLog
	cfg    ExecutorConfig

	root       context.Context
	rootCancel context.CancelFunc

	mu          sync.Mutex
	task        *Task
	containerID string
	prepCancel  context.CancelFunc
	stop        *stopRequest
	done        chan struct{}
	lastActive  time.Time
	netBytes    uint64
}

// NewExecutor creates an executor with no task.
func NewExecutor(engine Engine, cfg ExecutorConfig) *Executor {
	cfg = cfg.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	return &Executor{
		engine:     engine,
		events:     NewEventLog(cfg.Now),
		cfg:        cfg,
		root:       root,
		rootCancel: cancel,
	}
}

// Submit accepts the task and starts executing it in the background.
func (e *Executor) Submit(taskID string, env *job.Envelope) error {
	e.mu.Lock()
	if e.task != nil {
		e.mu.Unlock()
		return ErrTaskExists
	}
	e.task = newTask(taskID)
	prepCtx, cancel := context.WithCancel(e.root)
	e.prepCancel = cancel
	e.done = make(chan struct{})
	e.lastActive = e.cfg.Now()
	e.events.AddState(protocol.TaskPending, "", "")
	e.mu.Unlock()

	e.events.AddRunnerLog("task " + taskID + " submitted")
	slog.Info("Task submitted", "taskId", taskID, "image", env.JobSpec.Image)

	go e.run(prepCtx, taskID, env)
	return nil
}

// run is the execution pipeline of the task.
func (e *Executor) run(prepCtx context.Context, taskID string, env *job.Envelope) {
	defer close(e.done)
	logger := slog.With("taskId", taskID)
	spec := specFromEnvelope(taskID, env)

	if !e.step(protocol.TaskPreparing) {
		e.abort()
		return
	}

	if !e.step(protocol.TaskPulling) {
		e.abort()
		return
	}
	e.events.AddRunnerLog("pulling image " + spec.Image)
	if err := e.engine.Pull(prepCtx, spec.Image, env.JobSpec.Registry, runnerLogWriter{e.events}); err != nil {
		e.fail(logger, job.ReasonCreatingContainerError, fmt.Sprintf("pull image %s: %v", spec.Image, err))
		return
	}

	if !e.step(protocol.TaskCreating) {
		e.abort()
		return
	}
	id, err := e.engine.Create(prepCtx, spec)
	if err != nil {
		e.fail(logger, job.ReasonCreatingContainerError, fmt.Sprintf("create container: %v", err))
		return
	}
	e.mu.Lock()
	e.containerID = id
	e.mu.Unlock()
	defer e.remove(logger, id)

	ports, err := e.engine.Start(prepCtx, id)
	if err != nil {
		e.fail(logger, job.ReasonCreatingContainerError, fmt.Sprintf("start container: %v", err))
		return
	}
	if !e.running(ports) {
		e.abort()
		return
	}
	logger.Info("Task running", "containerId", id, "ports", len(ports))

	if d := env.JobSpec.MaxDuration; d > 0 {
		limit := time.Duration(d) * time.Second
		timer := time.AfterFunc(limit, func() {
			_ = e.Terminate(job.ReasonMaxDurationExceeded, fmt.Sprintf("max duration of %s exceeded", limit), e.cfg.StopTimeout)
		})
		defer timer.Stop()
	}

	logCtx, logCancel := context.WithCancel(e.root)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		if err := e.engine.Logs(logCtx, id, jobLogWriter{e.events}); err != nil && logCtx.Err() == nil {
			logger.Warn("Log stream ended", "error", err)
		}
	}()
	go e.watchActivity(logCtx, id)

	code, waitErr := e.engine.Wait(e.root, id)

	// Give logs a moment to flush
	select {
	case <-logDone:
	case <-time.After(logFlushTimeout):
	}
	logCancel()
	<-logDone

	if e.root.Err() != nil {
		return
	}

	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()

	switch {
	case stop != nil:
		select {
		case <-stop.stopped:
		case <-time.After(stop.timeout + logFlushTimeout):
		}
		e.mu.Lock()
		graceful, stopErr := stop.graceful, stop.err
		e.mu.Unlock()
		msg := stop.message + stopSuffix(graceful, stop.timeout)
		if stopErr != nil {
			msg = fmt.Sprintf("%s (stop failed: %v)", stop.message, stopErr)
		}
		e.finish(stop.reason, msg)
	case waitErr != nil:
		e.finish(job.ReasonExecutorError, fmt.Sprintf("wait for container: %v", waitErr))
	case code == 0:
		e.finish(job.ReasonDoneByRunner, "")
	default:
		e.finish(job.ReasonContainerExitedWithError, fmt.Sprintf("container exited with code %d", code))
	}
	logger.Info("Task terminated", "exitCode", code)
}

// step advances the task unless a stop was requested.
func (e *Executor) step(status string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return false
	}
	if err := e.task.advance(status); err != nil {
		return false
	}
	e.events.AddState(status, "", "")
	return true
}

// running marks the task running. A stop requested earlier is left to the
// pipeline, later ones are handled by Terminate.
func (e *Executor) running(ports []protocol.PortMapping) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return false
	}
	if err := e.task.advance(protocol.TaskRunning); err != nil {
		return false
	}
	e.task.Ports = ports
	e.lastActive = e.cfg.Now()
	e.events.AddState(protocol.TaskRunning, "", "")
	return true
}

// fail terminates the task with reason, unless a stop caused the failure.
func (e *Executor) fail(logger *slog.Logger, reason, message string) {
	e.mu.Lock()
	stopped := e.stop != nil
	e.mu.Unlock()
	if stopped {
		e.abort()
		return
	}
	logger.Error("Task failed", "reason", reason, "error", message)
	e.events.AddRunnerLog(message)
	e.finish(reason, message)
}

// abort finishes a task stopped before it reached running.
func (e *Executor) abort() {
	e.mu.Lock()
	stop := e.stop
	id := e.containerID
	e.mu.Unlock()
	if stop == nil {
		return
	}

	graceful := true
	if id != "" {
		var err error
		if graceful, err = e.engine.Stop(e.root, id, stop.timeout); err != nil {
			slog.Warn("Failed to stop container", "containerId", id, "error", err)
		}
	}
	e.finish(stop.reason, stop.message+stopSuffix(graceful, stop.timeout))
}

// finish moves the task to terminated once.
func (e *Executor) finish(reason, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.task.terminate(reason, message); err != nil {
		return
	}
	e.events.AddState(protocol.TaskTerminated, reason, message)
}

func (e *Executor) remove(logger *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.engine.Remove(ctx, id); err != nil {
		logger.Warn("Failed to remove container", "containerId", id, "error", err)
	}
}

func stopSuffix(graceful bool, timeout time.Duration) string {
	if graceful {
		return " (stopped gracefully)"
	}
	return fmt.Sprintf(" (killed after %s timeout)", timeout)
}

// Terminate stops the task asynchronously. The container gets timeout to
// exit before it is killed. Repeated calls are no-ops.
func (e *Executor) Terminate(reason, message string, timeout time.Duration) error {
	e.mu.Lock()
	if e.task == nil {
		e.mu.Unlock()
		return ErrNoTask
	}
	if e.task.Terminated() || e.stop != nil {
		e.mu.Unlock()
		return nil
	}
	if timeout < 0 {
		timeout = 0
	}
	stop := &stopRequest{reason: reason, message: message, timeout: timeout, stopped: make(chan struct{})}
	e.stop = stop
	running := e.task.Status == protocol.TaskRunning
	id, taskID := e.containerID, e.task.ID
	e.mu.Unlock()

	e.events.AddRunnerLog(fmt.Sprintf("terminate requested: %s", reason))
	slog.Info("Task terminate requested", "taskId", taskID, "reason", reason, "timeout", timeout)

	if !running {
		e.prepCancel()
		close(stop.stopped)
		return nil
	}

	go func() {
		graceful, err := e.engine.Stop(e.root, id, timeout)
		e.mu.Lock()
		stop.graceful, stop.err = graceful, err
		e.mu.Unlock()
		close(stop.stopped)
	}()
	return nil
}

// watchActivity samples container network counters to track when the task
// last talked to the network.
func (e *Executor) watchActivity(ctx context.Context, id string) {
	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := e.engine.Stats(ctx, id)
			if err != nil {
				continue
			}
			e.mu.Lock()
			if st.NetworkBytes != e.netBytes {
				e.netBytes = st.NetworkBytes
				e.lastActive = e.cfg.Now()
			}
			e.mu.Unlock()
		}
	}
}

// Pull returns events at or after since, plus the quiet period while running.
func (e *Executor) Pull(since int64) protocol.PullResponse {
	resp := e.events.Pull(since)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task != nil && e.task.Status == protocol.TaskRunning {
		secs := int64(e.cfg.Now().Sub(e.lastActive) / time.Second)
		resp.NoConnectionsSecs = &secs
	}
	return resp
}

// LegacyPull returns the coarse state for legacy supervisors.
func (e *Executor) LegacyPull() (protocol.LegacyPullResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return protocol.LegacyPullResponse{}, ErrNoTask
	}
	resp := protocol.LegacyPullResponse{State: e.task.Status}
	if e.task.Terminated() {
		resp.Result = &protocol.LegacyResult{
			Reason:        e.task.TerminationReason,
			ReasonMessage: e.task.TerminationMessage,
		}
	}
	return resp, nil
}

// Task returns the task record.
func (e *Executor) Task() (protocol.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return protocol.TaskInfo{}, ErrNoTask
	}
	return e.task.Info(), nil
}

// Metrics returns a usage sample of the running container.
func (e *Executor) Metrics(ctx context.Context) (*job.Metrics, error) {
	e.mu.Lock()
	id := e.containerID
	e.mu.Unlock()
	if id == "" {
		return nil, ErrNoTask
	}
	st, err := e.engine.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st.Metrics, nil
}

// Ready checks the engine.
func (e *Executor) Ready(ctx context.Context) error {
	return e.engine.Ping(ctx)
}

// Close abandons the task and waits for the pipeline to exit.
func (e *Executor) Close(ctx context.Context) error {
	e.rootCancel()
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
