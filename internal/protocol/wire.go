// Package protocol translates between runner wire dialects and the canonical
// job types. Nothing in this package mutates a Job.
package protocol

import "jobsupervisor/internal/job"

// Runner HTTP paths.
const (
	PathHealthcheck = "/api/healthcheck"
	PathMetrics     = "/api/metrics"
	PathSubmit      = "/api/submit"
	PathPull        = "/api/pull"
	PathTerminate   = "/api/terminate"
	PathStop        = "/api/stop"
	PathTask        = "/api/task"
)

// StateEvent is a job state event as carried by the current dialect.
type StateEvent struct {
	Timestamp          int64  `json:"timestamp"`
	State              string `json:"state"`
	TerminationReason  string `json:"termination_reason,omitempty"`
	TerminationMessage string `json:"termination_message,omitempty"`
}

// LogEvent is a log message. encoding/json carries Message as base64.
type LogEvent struct {
	Timestamp int64  `json:"timestamp"`
	Message   []byte `json:"message"`
}

// PullResponse is the current-dialect poll response.
type PullResponse struct {
	JobStates         []StateEvent `json:"job_states"`
	JobLogs           []LogEvent   `json:"job_logs"`
	RunnerLogs        []LogEvent   `json:"runner_logs"`
	LastUpdated       int64        `json:"last_updated"`
	NoConnectionsSecs *int64       `json:"no_connections_secs,omitempty"`
}

// SubmitBody is the current-dialect submission.
type SubmitBody struct {
	TaskID          string               `json:"task_id"`
	RunSpec         job.RunSpec          `json:"run_spec"`
	JobSpec         job.JobSpec          `json:"job_spec"`
	ClusterInfo     *job.ClusterInfo     `json:"cluster_info,omitempty"`
	Secrets         map[string]string    `json:"secrets,omitempty"`
	RepoCredentials *job.RepoCredentials `json:"repo_credentials,omitempty"`
}

// LegacySubmitBody is the flat submission accepted by legacy runners.
type LegacySubmitBody struct {
	Username       string              `json:"username"`
	Password       string              `json:"password"`
	ImageName      string              `json:"image_name"`
	Privileged     bool                `json:"privileged"`
	ContainerName  string              `json:"container_name"`
	ContainerUser  string              `json:"container_user"`
	ShmSize        int64               `json:"shm_size"` // bytes
	Commands       []string            `json:"commands,omitempty"`
	Env            map[string]string   `json:"env,omitempty"`
	WorkingDir     string              `json:"working_dir,omitempty"`
	Mounts         []job.VolumeMount   `json:"mounts"`
	Volumes        []job.Volume        `json:"volumes"`
	InstanceMounts []job.InstanceMount `json:"instance_mounts"`
}

// LegacyStopBody is the legacy stop request.
type LegacyStopBody struct {
	Force bool `json:"force"`
}

// LegacyResult carries the legacy termination outcome.
type LegacyResult struct {
	Reason        string `json:"reason"`
	ReasonMessage string `json:"reason_message"`
}

// LegacyPullResponse is the coarse legacy poll response.
type LegacyPullResponse struct {
	State  string        `json:"state"`
	Result *LegacyResult `json:"result,omitempty"`
}

// TerminateBody is the current-dialect terminate request.
type TerminateBody struct {
	TerminationReason  string `json:"termination_reason"`
	TerminationMessage string `json:"termination_message"`
	Timeout            int    `json:"timeout"` // seconds
}

// HealthcheckResponse identifies a runner build.
type HealthcheckResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// PortMapping is a published container port.
type PortMapping struct {
	Host      int `json:"host"`
	Container int `json:"container"`
}

// TaskInfo describes the runner-side task.
type TaskInfo struct {
	ID                 string        `json:"id"`
	Status             string        `json:"status"`
	TerminationReason  string        `json:"termination_reason"`
	TerminationMessage string        `json:"termination_message"`
	Ports              []PortMapping `json:"ports"`
}
