// Package job defines the canonical job model and the Supervisor interface.
package job

import "context"

// Supervisor keeps one authoritative record per job by polling the runner the
// job was placed on.
//
// # State Management
//
// The runner is the source of truth for what a task is doing; the job store is
// the source of truth for what the server has accepted as the job's state.
// Every job record is written by exactly one supervision loop, so polls for
// different jobs never contend and a crashed service resumes from the store.
//
// # Callbacks
//
// Status transitions are dispatched asynchronously:
//   - supervisor.job.status - on every accepted status change
//   - supervisor.job.terminal - once, when the job reaches done or failed
type Supervisor interface {
	// Submit delivers the envelope to the runner and starts supervising the job.
	// Returns an error if a job with the same ID already exists.
	Submit(ctx context.Context, sub *Submission) (*Job, error)

	// Terminate asks the runner to stop the job's task. The job becomes
	// terminal once the runner reports it (or the runner is declared lost).
	Terminate(ctx context.Context, jobID string, req TerminateRequest) error

	// Get returns the current record of a job.
	// Returns an error if the job does not exist.
	Get(ctx context.Context, jobID string) (*Job, error)

	// List returns all job records.
	List(ctx context.Context) ([]Job, error)

	// Logs returns persisted log entries for one stream of a job.
	Logs(ctx context.Context, jobID string, q LogQuery) ([]LogEntry, error)

	// Metrics probes the runner for a resource usage sample.
	Metrics(ctx context.Context, jobID string) (*MetricsReport, error)

	// Ready checks if the job store is reachable.
	Ready(ctx context.Context) error

	// Close stops all supervision loops. Runner tasks are NOT stopped;
	// supervision resumes from the store on the next start.
	Close() error
}
