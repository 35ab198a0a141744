package job

import (
	"context"
	"errors"
	"jobsupervisor/internal/apperrors"
	"strings"
	"testing"
	"time"
)

func validSubmission() *Submission {
	return &Submission{
		ID:        "test-job",
		RunnerURL: "http://10.0.0.7:10999",
		Envelope: Envelope{
			JobSpec: JobSpec{Image: "alpine", Commands: []string{"echo hi"}},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	svc := &Service{}

	tests := []struct {
		name    string
		mutate  func(*Submission)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid minimal submission",
			mutate:  func(*Submission) {},
			wantErr: false,
		},
		{
			name:    "bad ID",
			mutate:  func(s *Submission) { s.ID = "-leading-dash" },
			wantErr: true,
			errMsg:  "job ID must be alphanumeric",
		},
		{
			name:    "missing runner URL",
			mutate:  func(s *Submission) { s.RunnerURL = "" },
			wantErr: true,
			errMsg:  "runner URL is required",
		},
		{
			name:    "runner URL without scheme",
			mutate:  func(s *Submission) { s.RunnerURL = "ftp://10.0.0.7" },
			wantErr: true,
			errMsg:  "invalid runner URL",
		},
		{
			name:    "empty image",
			mutate:  func(s *Submission) { s.Envelope.JobSpec.Image = "" },
			wantErr: true,
			errMsg:  "image is required",
		},
		{
			name:    "invalid env name",
			mutate:  func(s *Submission) { s.Envelope.JobSpec.Env = map[string]string{"1BAD": "x"} },
			wantErr: true,
			errMsg:  "invalid environment variable name",
		},
		{
			name: "volume mount without volume",
			mutate: func(s *Submission) {
				s.Envelope.JobSpec.VolumeMounts = []VolumeMount{{Name: "data", Path: "/data"}}
			},
			wantErr: true,
			errMsg:  "unknown volume",
		},
		{
			name: "volume mount with relative path",
			mutate: func(s *Submission) {
				s.Envelope.JobSpec.Volumes = []Volume{{Name: "data", Backend: "aws"}}
				s.Envelope.JobSpec.VolumeMounts = []VolumeMount{{Name: "data", Path: "data"}}
			},
			wantErr: true,
			errMsg:  "must be absolute",
		},
		{
			name: "valid volume mount",
			mutate: func(s *Submission) {
				s.Envelope.JobSpec.Volumes = []Volume{{Name: "data", Backend: "aws"}}
				s.Envelope.JobSpec.VolumeMounts = []VolumeMount{{Name: "data", Path: "/data"}}
			},
			wantErr: false,
		},
		{
			name:    "port out of range",
			mutate:  func(s *Submission) { s.Envelope.JobSpec.Ports = []int{70000} },
			wantErr: true,
			errMsg:  "invalid port",
		},
		{
			name:    "negative max duration",
			mutate:  func(s *Submission) { s.Envelope.JobSpec.MaxDuration = -1 },
			wantErr: true,
			errMsg:  "max duration",
		},
		{
			name:    "invalid callback URL",
			mutate:  func(s *Submission) { s.Callback = &Callback{URL: "not a url"} },
			wantErr: true,
			errMsg:  "invalid callback URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := validSubmission()
			tt.mutate(sub)
			err := svc.validate(sub)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error containing %q", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
				} else if !errors.Is(err, apperrors.ErrValidation) {
					t.Errorf("Expected validation error, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	sub := &Submission{
		RunnerURL: "http://10.0.0.7:10999",
		Envelope:  Envelope{JobSpec: JobSpec{Image: "alpine"}},
	}

	applyDefaults(sub)

	if sub.ID == "" {
		t.Error("Expected generated job ID")
	}
	if !jobIDPattern.MatchString(sub.ID) {
		t.Errorf("Generated ID %q does not satisfy the ID pattern", sub.ID)
	}
	if sub.Envelope.JobSpec.JobName != sub.ID {
		t.Errorf("Expected job name to default to ID, got %q", sub.Envelope.JobSpec.JobName)
	}
	if sub.Envelope.JobSpec.Resources.CPU != 1 {
		t.Errorf("Expected default CPU 1, got %v", sub.Envelope.JobSpec.Resources.CPU)
	}
	if sub.Envelope.JobSpec.Resources.MemoryMiB != 512 {
		t.Errorf("Expected default memory 512, got %d", sub.Envelope.JobSpec.Resources.MemoryMiB)
	}
}

func TestApplyDefaults_PreservesExisting(t *testing.T) {
	t.Parallel()
	sub := validSubmission()
	sub.Envelope.JobSpec.Resources = Resources{CPU: 4, MemoryMiB: 2048}
	sub.Envelope.RunSpec.RunName = "nightly"

	applyDefaults(sub)

	if sub.ID != "test-job" {
		t.Errorf("Expected preserved ID, got %q", sub.ID)
	}
	if sub.Envelope.JobSpec.Resources.CPU != 4 {
		t.Errorf("Expected preserved CPU 4, got %v", sub.Envelope.JobSpec.Resources.CPU)
	}
	if sub.Envelope.JobSpec.Resources.MemoryMiB != 2048 {
		t.Errorf("Expected preserved memory 2048, got %d", sub.Envelope.JobSpec.Resources.MemoryMiB)
	}
	if sub.Envelope.RunSpec.RunName != "nightly" {
		t.Errorf("Expected preserved run name, got %q", sub.Envelope.RunSpec.RunName)
	}
}

// recordingSupervisor captures the arguments the service forwards.
type recordingSupervisor struct {
	Supervisor
	terminate TerminateRequest
	query     LogQuery
}

func (r *recordingSupervisor) Terminate(_ context.Context, _ string, req TerminateRequest) error {
	r.terminate = req
	return nil
}

func (r *recordingSupervisor) Logs(_ context.Context, _ string, q LogQuery) ([]LogEntry, error) {
	r.query = q
	return nil, nil
}

func TestTerminate_Defaults(t *testing.T) {
	t.Parallel()
	rec := &recordingSupervisor{}
	svc := NewService(rec, nil)

	if err := svc.Terminate(context.Background(), "job-1", TerminateRequest{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.terminate.Reason != ReasonTerminatedByUser {
		t.Errorf("Expected default reason %q, got %q", ReasonTerminatedByUser, rec.terminate.Reason)
	}
	if rec.terminate.Timeout != defaultTermTimeout {
		t.Errorf("Expected default timeout %v, got %v", defaultTermTimeout, rec.terminate.Timeout)
	}
}

func TestTerminate_Rejects(t *testing.T) {
	t.Parallel()
	svc := NewService(&recordingSupervisor{}, nil)

	tests := []struct {
		name string
		req  TerminateRequest
	}{
		{"unknown reason", TerminateRequest{Reason: ReasonRunnerUnreachable}},
		{"timeout too long", TerminateRequest{Timeout: 2 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := svc.Terminate(context.Background(), "job-1", tt.req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestLogs_Defaults(t *testing.T) {
	t.Parallel()
	rec := &recordingSupervisor{}
	svc := NewService(rec, nil)

	if _, err := svc.Logs(context.Background(), "job-1", LogQuery{Limit: 1 << 20}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.query.Stream != StreamJob {
		t.Errorf("Expected default stream %q, got %q", StreamJob, rec.query.Stream)
	}
	if rec.query.Limit != maxLogQueryLimit {
		t.Errorf("Expected limit capped at %d, got %d", maxLogQueryLimit, rec.query.Limit)
	}

	if _, err := svc.Logs(context.Background(), "job-1", LogQuery{Stream: "stderr"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for unknown stream, got %v", err)
	}
}
