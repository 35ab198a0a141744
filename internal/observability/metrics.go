package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Traffic, Errors, Saturation)
	JobsSubmitted     metric.Int64Counter
	JobsFinished      metric.Int64Counter
	JobDuration       metric.Float64Histogram
	SupervisionActive metric.Int64UpDownCounter

	// Supervision metrics (Latency, Traffic, Errors)
	PollDuration       metric.Float64Histogram
	PollsTotal         metric.Int64Counter
	Transitions        metric.Int64Counter
	ReconcileAnomalies metric.Int64Counter
	DuplicateEvents    metric.Int64Counter
	LogEventsIngested  metric.Int64Counter
	UnreachableTotal   metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobsupervisor")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted to runners"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to terminal status in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SupervisionActive, err = meter.Int64UpDownCounter(
		"supervision_units_active",
		metric.WithDescription("Number of jobs currently supervised (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Supervision metrics
	m.PollDuration, err = meter.Float64Histogram(
		"runner_poll_duration_seconds",
		metric.WithDescription("Runner pull call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"runner_polls_total",
		metric.WithDescription("Total runner polls by outcome (ok, transient, protocol)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Transitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total applied job status transitions by target status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileAnomalies, err = meter.Int64Counter(
		"reconcile_anomalies_total",
		metric.WithDescription("Total state events dropped as illegal transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DuplicateEvents, err = meter.Int64Counter(
		"reconcile_duplicates_total",
		metric.WithDescription("Total state and log events dropped as already ingested"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LogEventsIngested, err = meter.Int64Counter(
		"log_events_ingested_total",
		metric.WithDescription("Total log events persisted by stream"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UnreachableTotal, err = meter.Int64Counter(
		"runner_unreachable_total",
		metric.WithDescription("Total jobs failed by the liveness monitor"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted by a runner.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, dialect string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(dialectAttr(dialect)))
}

// RecordSupervisionStarted records a supervision unit starting.
func (m *Metrics) RecordSupervisionStarted(ctx context.Context) {
	m.SupervisionActive.Add(ctx, 1)
}

// RecordSupervisionStopped records a supervision unit exiting.
func (m *Metrics) RecordSupervisionStopped(ctx context.Context) {
	m.SupervisionActive.Add(ctx, -1)
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, status, reason string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobStatusAttr(status), reasonAttr(reason))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(jobStatusAttr(status)))
}

// RecordPoll records one runner poll.
func (m *Metrics) RecordPoll(ctx context.Context, dialect, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(dialectAttr(dialect), outcomeAttr(outcome))
	m.PollsTotal.Add(ctx, 1, attrs)
	m.PollDuration.Record(ctx, durationSeconds, attrs)
}

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(to)))
}

// RecordAnomaly records a dropped illegal transition.
func (m *Metrics) RecordAnomaly(ctx context.Context, from, to string) {
	m.ReconcileAnomalies.Add(ctx, 1, metric.WithAttributes(fromAttr(from), jobStatusAttr(to)))
}

// RecordDuplicates records events dropped as already ingested.
func (m *Metrics) RecordDuplicates(ctx context.Context, n int) {
	if n > 0 {
		m.DuplicateEvents.Add(ctx, int64(n))
	}
}

// RecordLogsIngested records persisted log events of a stream.
func (m *Metrics) RecordLogsIngested(ctx context.Context, stream string, n int) {
	if n > 0 {
		m.LogEventsIngested.Add(ctx, int64(n), metric.WithAttributes(streamAttr(stream)))
	}
}

// RecordUnreachable records a liveness verdict.
func (m *Metrics) RecordUnreachable(ctx context.Context) {
	m.UnreachableTotal.Add(ctx, 1)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
