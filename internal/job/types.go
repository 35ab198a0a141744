package job

import (
	"slices"
	"time"
)

// Dialect identifies the runner wire protocol generation a Job is supervised with.
type Dialect string

const (
	DialectCurrent Dialect = "current"
	DialectLegacy  Dialect = "legacy"
)

// Valid reports whether d is a known dialect.
func (d Dialect) Valid() bool {
	return d == DialectCurrent || d == DialectLegacy
}

// LogStream names one of the two independent log streams of a Job.
type LogStream string

const (
	StreamJob    LogStream = "job"
	StreamRunner LogStream = "runner"
)

// Valid reports whether s is a known stream.
func (s LogStream) Valid() bool {
	return s == StreamJob || s == StreamRunner
}

// Termination reasons reported by runners or synthesized by the supervisor.
const (
	ReasonExecutorError            = "executor_error"
	ReasonCreatingContainerError   = "creating_container_error"
	ReasonContainerExitedWithError = "container_exited_with_error"
	ReasonDoneByRunner             = "done_by_runner"
	ReasonTerminatedByUser         = "terminated_by_user"
	ReasonTerminatedByServer       = "terminated_by_server"
	ReasonMaxDurationExceeded      = "max_duration_exceeded"
	ReasonRunnerUnreachable        = "runner_unreachable"
)

// Job is the canonical server-side record of one submitted unit of work.
type Job struct {
	ID         string  `json:"id"`
	RunnerURL  string  `json:"runnerUrl"`
	InstanceID string  `json:"instanceId,omitempty"`
	TaskID     string  `json:"taskId"`
	Dialect    Dialect `json:"dialect"`

	Status             Status `json:"status"`
	TerminationReason  string `json:"terminationReason,omitempty"`
	TerminationMessage string `json:"terminationMessage,omitempty"`

	StateCursor     Cursor `json:"stateCursor"`
	JobLogCursor    Cursor `json:"jobLogCursor"`
	RunnerLogCursor Cursor `json:"runnerLogCursor"`

	// LastUpdated is the runner clock (unix ms) of the newest poll applied.
	LastUpdated   int64     `json:"lastUpdated"`
	LastSeenAlive time.Time `json:"lastSeenAlive,omitzero"`

	Callback *Callback `json:"callback,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LogCursor returns a pointer to the cursor of the given stream.
func (j *Job) LogCursor(stream LogStream) *Cursor {
	if stream == StreamRunner {
		return &j.RunnerLogCursor
	}
	return &j.JobLogCursor
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.StateCursor = j.StateCursor.clone()
	c.JobLogCursor = j.JobLogCursor.clone()
	c.RunnerLogCursor = j.RunnerLogCursor.clone()
	if j.Callback != nil {
		cb := *j.Callback
		cb.Events = slices.Clone(j.Callback.Events)
		c.Callback = &cb
	}
	return &c
}

// Cursor marks how far a stream of timestamped events has been ingested.
// Events older than Timestamp are already ingested; events at exactly
// Timestamp are ingested if their content digest is in Digests.
type Cursor struct {
	Timestamp int64    `json:"timestamp"`
	Digests   []uint64 `json:"digests,omitempty"`
}

// Seen reports whether an event with the given timestamp and digest is
// at or behind the cursor.
func (c *Cursor) Seen(ts int64, digest uint64) bool {
	if ts < c.Timestamp {
		return true
	}
	return ts == c.Timestamp && slices.Contains(c.Digests, digest)
}

// Advance records an event as ingested. Callers must check Seen first.
func (c *Cursor) Advance(ts int64, digest uint64) {
	if ts > c.Timestamp {
		c.Timestamp = ts
		c.Digests = []uint64{digest}
		return
	}
	c.Digests = append(c.Digests, digest)
}

func (c Cursor) clone() Cursor {
	c.Digests = slices.Clone(c.Digests)
	return c
}

// StateEvent is a timestamped status observation in canonical form.
type StateEvent struct {
	Timestamp          int64  `json:"timestamp"`
	Status             Status `json:"status"`
	TerminationReason  string `json:"terminationReason,omitempty"`
	TerminationMessage string `json:"terminationMessage,omitempty"`
}

// LogEvent is one log message. Message is opaque bytes, never text.
type LogEvent struct {
	Timestamp int64  `json:"timestamp"`
	Message   []byte `json:"message"`
}

// PollResult is one runner poll response in canonical form.
type PollResult struct {
	States      []StateEvent
	JobLogs     []LogEvent
	RunnerLogs  []LogEvent
	LastUpdated int64
	// QuietPeriod is the runner-reported seconds without outbound network
	// activity. Nil when the runner does not report it.
	QuietPeriod *int64
	ReceivedAt  time.Time
}

// LogEntry is a persisted log line.
type LogEntry struct {
	Stream    LogStream `json:"stream"`
	Timestamp int64     `json:"timestamp"`
	Message   []byte    `json:"message"`
}

// LogQuery selects persisted log entries of one stream.
type LogQuery struct {
	Stream    LogStream
	StartTime int64 // inclusive, unix ms; 0 for all
	Limit     int
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url" yaml:"url"`
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
	Key    string   `json:"key,omitempty" yaml:"key,omitempty"` // HMAC signing key
}

// Submission is a request to place a job envelope on a runner and supervise it.
type Submission struct {
	ID            string    `json:"id,omitempty" yaml:"id,omitempty"`
	RunnerURL     string    `json:"runnerUrl" yaml:"runnerUrl"`
	InstanceID    string    `json:"instanceId,omitempty" yaml:"instanceId,omitempty"`
	RunnerVersion string    `json:"runnerVersion,omitempty" yaml:"runnerVersion,omitempty"`
	Envelope      Envelope  `json:"envelope" yaml:"envelope"`
	Callback      *Callback `json:"callback,omitempty" yaml:"callback,omitempty"`
}

// TerminateRequest asks the runner to stop a job's task.
type TerminateRequest struct {
	Reason  string
	Message string
	Timeout time.Duration
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}

// LogsResponse represents the response for reading job logs
type LogsResponse struct {
	Logs []LogEntry `json:"logs"`
}
