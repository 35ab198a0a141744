package supervisor

import (
	"context"
	"errors"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/dispatcher"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/liveness"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/internal/reconcile"
	"jobsupervisor/pkg/cloudevent"
	"log/slog"
	"time"
)

// Poll outcomes
const (
	outcomeOK        = "ok"
	outcomeTransient = "transient"
	outcomeProtocol  = "protocol"
)

// launch starts the supervision unit of a reserved job.
func (c *Coordinator) launch(j *job.Job) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.units.release(j.ID)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{
		client:  c.newClient(j.RunnerURL, j.Dialect),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: c.cfg.Now(),
	}
	c.units.commit(j.ID, u)
	c.cfg.Metrics.RecordSupervisionStarted(ctx)

	go func() {
		defer c.wg.Done()
		defer close(u.done)
		defer cancel()
		defer c.cfg.Metrics.RecordSupervisionStopped(context.Background())
		defer c.units.releaseIf(j.ID, u)

		c.supervise(ctx, j.ID, u)
	}()
}

// supervise runs tick, poll, reconcile, liveness until the job is terminal
// or the unit is cancelled.
func (c *Coordinator) supervise(ctx context.Context, jobID string, u *unit) {
	logger := slog.With("jobId", jobID, "dialect", u.client.Dialect())
	monitor := liveness.NewMonitor(c.cfg.Liveness)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	logger.Debug("Supervision started")
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Supervision cancelled")
			return
		case <-ticker.C:
		}

		if c.cycle(ctx, logger, jobID, u, monitor) {
			return
		}
	}
}

// cycle performs one poll of the job. Returns true when supervision is over.
func (c *Coordinator) cycle(ctx context.Context, logger *slog.Logger, jobID string, u *unit, monitor *liveness.Monitor) bool {
	j, err := c.store.Get(ctx, jobID)
	switch {
	case ctx.Err() != nil:
		return true
	case errors.Is(err, apperrors.ErrNotFound):
		logger.Warn("Job record disappeared, stopping supervision")
		return true
	case err != nil:
		logger.Warn("Failed to load job", "error", err)
		return false
	case j.Status.IsTerminal():
		return true
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return true
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	start := time.Now()
	res, err := u.client.Pull(pollCtx, j.LastUpdated)
	elapsed := time.Since(start).Seconds()
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		outcome := outcomeTransient
		if protocol.IsProtocolError(err) {
			outcome = outcomeProtocol
			logger.Warn("Malformed runner response", "error", err)
		} else {
			logger.Debug("Poll failed", "error", err, "failures", monitor.Failures()+1)
		}
		c.cfg.Metrics.RecordPoll(ctx, string(j.Dialect), outcome, elapsed)
		monitor.RecordFailure(err)
	} else {
		c.cfg.Metrics.RecordPoll(ctx, string(j.Dialect), outcomeOK, elapsed)
		monitor.RecordSuccess(res)

		done, ok := c.apply(ctx, logger, j, res)
		if done {
			return true
		}
		if !ok {
			return false
		}
	}

	ev, lost := monitor.Check(j, c.cfg.Now())
	if !lost {
		return false
	}
	logger.Warn("Runner declared unreachable", "reason", ev.TerminationMessage, "failures", monitor.Failures())
	done, ok := c.apply(ctx, logger, j, &job.PollResult{States: []job.StateEvent{*ev}})
	if ok {
		c.cfg.Metrics.RecordUnreachable(ctx)
	}
	return done
}

// apply reconciles res into j and persists the outcome. ok is false when the
// write failed and the poll must be retried on the next tick.
func (c *Coordinator) apply(ctx context.Context, logger *slog.Logger, j *job.Job, res *job.PollResult) (done, ok bool) {
	from := j.Status
	out := reconcile.Apply(j, res)
	if !out.Changed {
		return false, true
	}

	if err := c.store.Update(ctx, j, out.Logs); err != nil {
		if ctx.Err() != nil {
			return true, false
		}
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Info("Job modified concurrently, retrying next poll")
		} else {
			logger.Warn("Failed to persist poll", "error", err)
		}
		return false, false
	}

	c.report(ctx, logger, &out)
	c.notify(logger, j, out.Transitions)

	if out.Terminal() {
		c.finish(ctx, logger, j, from)
		return true, true
	}
	return false, true
}

// report logs and counts what a persisted outcome changed.
func (c *Coordinator) report(ctx context.Context, logger *slog.Logger, out *reconcile.Outcome) {
	for _, a := range out.Anomalies {
		logger.Warn("Dropped illegal transition",
			"from", a.Current,
			"to", a.Event.Status,
			"timestamp", a.Event.Timestamp,
		)
		c.cfg.Metrics.RecordAnomaly(ctx, string(a.Current), string(a.Event.Status))
	}
	for _, t := range out.Transitions {
		logger.Info("Job status changed", "from", t.From, "to", t.To, "timestamp", t.Timestamp)
		c.cfg.Metrics.RecordTransition(ctx, string(t.To))
	}
	if out.Duplicates > 0 {
		c.cfg.Metrics.RecordDuplicates(ctx, out.Duplicates)
	}

	var jobLogs, runnerLogs int
	for _, e := range out.Logs {
		if e.Stream == job.StreamRunner {
			runnerLogs++
		} else {
			jobLogs++
		}
	}
	if jobLogs > 0 {
		c.cfg.Metrics.RecordLogsIngested(ctx, string(job.StreamJob), jobLogs)
	}
	if runnerLogs > 0 {
		c.cfg.Metrics.RecordLogsIngested(ctx, string(job.StreamRunner), runnerLogs)
	}
}

// notify dispatches status callbacks for persisted transitions.
func (c *Coordinator) notify(logger *slog.Logger, j *job.Job, transitions []reconcile.Transition) {
	if c.cfg.Dispatcher == nil || j.Callback == nil || j.Callback.URL == "" || len(transitions) == 0 {
		return
	}

	builder := job.NewEventBuilder(j.ID, c.cfg.Source)
	for _, t := range transitions {
		c.dispatch(logger, j, builder.BuildStatusEvent(t.From, t.To, t.Timestamp))
	}
	if transitions[len(transitions)-1].To.IsTerminal() {
		c.dispatch(logger, j, builder.BuildTerminalEvent(j))
	}
}

func (c *Coordinator) dispatch(logger *slog.Logger, j *job.Job, event *cloudevent.CloudEvent) {
	if !job.FilteredEvents(event.Type, j.Callback.Events) {
		return
	}
	if err := c.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: j.Callback.URL,
		Key:         j.ID,
		SigningKey:  j.Callback.Key,
	}); err != nil {
		logger.Warn("Failed to dispatch callback", "type", event.Type, "error", err)
	}
}

// finish records the end of a job.
func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, j *job.Job, from job.Status) {
	duration := c.cfg.Now().Sub(j.CreatedAt).Seconds()
	c.cfg.Metrics.RecordJobFinished(ctx, string(j.Status), j.TerminationReason, duration)

	c.samplesMu.Lock()
	delete(c.samples, j.ID)
	c.samplesMu.Unlock()

	logger.Info("Job finished",
		"from", from,
		"status", j.Status,
		"reason", j.TerminationReason,
		"message", j.TerminationMessage,
	)
}
