package supervisor

import (
	"context"
	"jobsupervisor/internal/dispatcher"
	"jobsupervisor/internal/liveness"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/internal/store"
	"jobsupervisor/pkg/backoff"
	"net/http"
	"time"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 5 * time.Second
	defaultSource       = "jobsupervisor"
)

// Config holds configuration for the Coordinator.
type Config struct {
	Store      store.Store           // Job store (required)
	Dispatcher dispatcher.Dispatcher // Callback dispatcher (optional)
	Metrics    MetricsRecorder       // Metrics recorder (optional)

	PollInterval time.Duration // Time between polls of one job (default 2s)
	PollTimeout  time.Duration // Bound on a single poll (default 5s)
	PollRate     float64       // Polls per second across all jobs, 0 = unlimited
	PollBurst    int           // Limiter burst (default 1 when PollRate is set)

	Liveness          liveness.Policy
	MinCurrentVersion string // Oldest runner version spoken to in the current dialect

	SubmitRetries int             // Submit attempts after the first (default from runnerclient)
	SubmitBackoff *backoff.Policy // Delay between submit attempts (optional)
	HTTPClient    *http.Client    // Runner transport (optional)

	Source string           // CloudEvent source (default "jobsupervisor")
	Now    func() time.Time // Clock (default time.Now)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.PollRate > 0 && c.PollBurst <= 0 {
		c.PollBurst = 1
	}
	if c.MinCurrentVersion == "" {
		c.MinCurrentVersion = protocol.DefaultMinCurrentVersion
	}
	if c.Source == "" {
		c.Source = defaultSource
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// MetricsRecorder is the subset of observability.Metrics the Coordinator uses.
type MetricsRecorder interface {
	RecordSupervisionStarted(ctx context.Context)
	RecordSupervisionStopped(ctx context.Context)
	RecordJobFinished(ctx context.Context, status, reason string, durationSeconds float64)
	RecordPoll(ctx context.Context, dialect, outcome string, durationSeconds float64)
	RecordTransition(ctx context.Context, to string)
	RecordAnomaly(ctx context.Context, from, to string)
	RecordDuplicates(ctx context.Context, n int)
	RecordLogsIngested(ctx context.Context, stream string, n int)
	RecordUnreachable(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) RecordSupervisionStarted(context.Context)                   {}
func (nopMetrics) RecordSupervisionStopped(context.Context)                   {}
func (nopMetrics) RecordJobFinished(context.Context, string, string, float64) {}
func (nopMetrics) RecordPoll(context.Context, string, string, float64)        {}
func (nopMetrics) RecordTransition(context.Context, string)                   {}
func (nopMetrics) RecordAnomaly(context.Context, string, string)              {}
func (nopMetrics) RecordDuplicates(context.Context, int)                      {}
func (nopMetrics) RecordLogsIngested(context.Context, string, int)            {}
func (nopMetrics) RecordUnreachable(context.Context)                          {}
