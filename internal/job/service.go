package job

import (
	"context"
	"fmt"
	"jobsupervisor/internal/apperrors"
	"jobsupervisor/internal/observability"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation limits
const (
	maxJobIDLength       = 128
	maxCPU               = 256     // cores
	maxMemoryMiB         = 2 << 20 // 2 TiB
	maxDurationSecs      = 7 * 86400
	maxCommands          = 256
	maxEnvEntries        = 256
	maxSecrets           = 128
	maxMounts            = 64
	maxClusterNodes      = 1024
	maxCallbackEvents    = 16
	maxTerminateTimeout  = time.Hour
	defaultTermTimeout   = 10 * time.Second
	defaultLogQueryLimit = 1000
	maxLogQueryLimit     = 10000
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// envKeyPattern matches POSIX environment variable names
var envKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// terminateReasons are the reasons an operator may request.
var terminateReasons = map[string]bool{
	ReasonTerminatedByUser:    true,
	ReasonTerminatedByServer:  true,
	ReasonMaxDurationExceeded: true,
}

// Service validates requests and delegates to a Supervisor.
//
// The Service is stateless - all job state lives in the job store behind the
// Supervisor, so service restarts do not affect runner tasks.
type Service struct {
	supervisor Supervisor
	metrics    *observability.Metrics
}

// NewService creates a new job service.
func NewService(supervisor Supervisor, metrics *observability.Metrics) *Service {
	return &Service{
		supervisor: supervisor,
		metrics:    metrics,
	}
}

// Submit validates a submission and hands it to the supervisor.
// Note: This method applies defaults to the submission before validation.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*Job, error) {
	applyDefaults(sub)
	if err := s.validate(sub); err != nil {
		return nil, err
	}

	logger := slog.With("jobId", sub.ID, "runnerUrl", sub.RunnerURL, "image", sub.Envelope.JobSpec.Image)

	j, err := s.supervisor.Submit(ctx, sub)
	if err != nil {
		logger.Error("Job submission failed", "error", err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, string(j.Dialect))
	}

	logger.Info("Job submitted", "dialect", j.Dialect, "taskId", j.TaskID)
	return j, nil
}

// Get returns the record of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.supervisor.Get(ctx, jobID)
}

// List returns all jobs.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	jobs, err := s.supervisor.List(ctx)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: jobs}, nil
}

// Terminate asks the runner to stop a job.
func (s *Service) Terminate(ctx context.Context, jobID string, req TerminateRequest) error {
	if req.Reason == "" {
		req.Reason = ReasonTerminatedByUser
	}
	if !terminateReasons[req.Reason] {
		return apperrors.Validation("reason", fmt.Sprintf("unsupported termination reason %q", req.Reason))
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTermTimeout
	}
	if req.Timeout > maxTerminateTimeout {
		return apperrors.Validation("timeout", fmt.Sprintf("timeout exceeds maximum of %s", maxTerminateTimeout))
	}

	logger := slog.With("jobId", jobID, "reason", req.Reason)
	if err := s.supervisor.Terminate(ctx, jobID, req); err != nil {
		logger.Error("Job termination failed", "error", err)
		return err
	}
	logger.Info("Job termination requested", "timeout", req.Timeout)
	return nil
}

// Logs returns persisted log entries of a job.
func (s *Service) Logs(ctx context.Context, jobID string, q LogQuery) (*LogsResponse, error) {
	if q.Stream == "" {
		q.Stream = StreamJob
	}
	if !q.Stream.Valid() {
		return nil, apperrors.Validation("stream", fmt.Sprintf("stream must be %q or %q", StreamJob, StreamRunner))
	}
	if q.StartTime < 0 {
		return nil, apperrors.Validation("start_time", "start_time must not be negative")
	}
	if q.Limit <= 0 {
		q.Limit = defaultLogQueryLimit
	}
	if q.Limit > maxLogQueryLimit {
		q.Limit = maxLogQueryLimit
	}

	entries, err := s.supervisor.Logs(ctx, jobID, q)
	if err != nil {
		return nil, err
	}
	return &LogsResponse{Logs: entries}, nil
}

// Metrics returns a runner resource usage sample for a job.
func (s *Service) Metrics(ctx context.Context, jobID string) (*MetricsReport, error) {
	return s.supervisor.Metrics(ctx, jobID)
}

// applyDefaults sets default values for unspecified submission fields.
func applyDefaults(sub *Submission) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	spec := &sub.Envelope.JobSpec
	if spec.JobName == "" {
		spec.JobName = sub.ID
	}
	if sub.Envelope.RunSpec.RunName == "" {
		sub.Envelope.RunSpec.RunName = spec.JobName
	}
	if spec.Resources.CPU <= 0 {
		spec.Resources.CPU = 1
	}
	if spec.Resources.MemoryMiB <= 0 {
		spec.Resources.MemoryMiB = 512
	}
}

// validate validates a submission. Does not modify the submission.
func (s *Service) validate(sub *Submission) error {
	if len(sub.ID) > maxJobIDLength {
		return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	if !jobIDPattern.MatchString(sub.ID) {
		return apperrors.Validation("id", "job ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}

	if sub.RunnerURL == "" {
		return apperrors.Validation("runnerUrl", "runner URL is required")
	}
	if err := validateURL(sub.RunnerURL); err != nil {
		return apperrors.Validation("runnerUrl", fmt.Sprintf("invalid runner URL: %v", err))
	}

	spec := &sub.Envelope.JobSpec
	if spec.Image == "" {
		return apperrors.Validation("envelope.job_spec.image_name", "image is required")
	}
	if len(spec.Commands) > maxCommands {
		return apperrors.Validation("envelope.job_spec.commands", fmt.Sprintf("commands exceed maximum of %d", maxCommands))
	}
	if spec.Resources.CPU > maxCPU {
		return apperrors.Validation("envelope.job_spec.resources.cpu", fmt.Sprintf("CPU exceeds maximum of %d cores", maxCPU))
	}
	if spec.Resources.MemoryMiB > maxMemoryMiB {
		return apperrors.Validation("envelope.job_spec.resources.memory_mib", fmt.Sprintf("memory exceeds maximum of %d MiB", maxMemoryMiB))
	}
	if spec.Resources.GPU < 0 {
		return apperrors.Validation("envelope.job_spec.resources.gpu", "GPU count must not be negative")
	}
	if spec.MaxDuration < 0 || spec.MaxDuration > maxDurationSecs {
		return apperrors.Validation("envelope.job_spec.max_duration", fmt.Sprintf("max duration must be between 0 and %d seconds", maxDurationSecs))
	}

	if len(spec.Env) > maxEnvEntries {
		return apperrors.Validation("envelope.job_spec.env", fmt.Sprintf("env exceeds maximum of %d entries", maxEnvEntries))
	}
	for k := range spec.Env {
		if !envKeyPattern.MatchString(k) {
			return apperrors.Validation("envelope.job_spec.env", fmt.Sprintf("invalid environment variable name %q", k))
		}
	}
	if len(sub.Envelope.Secrets) > maxSecrets {
		return apperrors.Validation("envelope.secrets", fmt.Sprintf("secrets exceed maximum of %d", maxSecrets))
	}

	// Validate mounts
	if len(spec.VolumeMounts)+len(spec.InstanceMounts) > maxMounts {
		return apperrors.Validation("envelope.job_spec.volume_mounts", fmt.Sprintf("mounts exceed maximum of %d", maxMounts))
	}
	volumes := make(map[string]bool, len(spec.Volumes))
	for _, v := range spec.Volumes {
		if v.Name == "" {
			return apperrors.Validation("envelope.job_spec.volumes", "volume name is required")
		}
		volumes[v.Name] = true
	}
	for _, m := range spec.VolumeMounts {
		if !volumes[m.Name] {
			return apperrors.Validation("envelope.job_spec.volume_mounts", fmt.Sprintf("volume mount references unknown volume %q", m.Name))
		}
		if !strings.HasPrefix(m.Path, "/") {
			return apperrors.Validation("envelope.job_spec.volume_mounts", fmt.Sprintf("mount path %q must be absolute", m.Path))
		}
	}
	for _, m := range spec.InstanceMounts {
		if !strings.HasPrefix(m.InstancePath, "/") || !strings.HasPrefix(m.Path, "/") {
			return apperrors.Validation("envelope.job_spec.instance_mounts", "instance mount paths must be absolute")
		}
	}
	for _, p := range spec.Ports {
		if p <= 0 || p > 65535 {
			return apperrors.Validation("envelope.job_spec.ports", fmt.Sprintf("invalid port %d", p))
		}
	}

	if ci := sub.Envelope.ClusterInfo; ci != nil && len(ci.JobIPs) > maxClusterNodes {
		return apperrors.Validation("envelope.cluster_info.job_ips", fmt.Sprintf("cluster exceeds maximum of %d nodes", maxClusterNodes))
	}

	// Validate callback
	if sub.Callback != nil {
		if sub.Callback.URL != "" {
			if err := validateURL(sub.Callback.URL); err != nil {
				return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
			}
		}
		if len(sub.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
