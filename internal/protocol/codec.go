package protocol

import (
	"encoding/json"
	"fmt"
	"jobsupervisor/internal/job"
	"strconv"
	"time"
)

// Codec translates one dialect. Callers select it with For using the dialect
// recorded on the Job; payload shape is only checked, never used to switch.
type Codec interface {
	Dialect() job.Dialect
	// EncodeSubmit builds the submission body for a task.
	EncodeSubmit(taskID string, env *job.Envelope) any
	// PullPath returns the pull request path for events at or after since (unix ms).
	PullPath(since int64) string
	// EncodeTerminate returns the request path and body for a terminate request.
	EncodeTerminate(req job.TerminateRequest) (string, any)
	// DecodePull converts a poll response into canonical form.
	DecodePull(data []byte, receivedAt time.Time) (*job.PollResult, error)
}

// For returns the codec of a dialect. Unknown dialects get the current codec.
func For(d job.Dialect) Codec {
	if d == job.DialectLegacy {
		return legacyCodec{}
	}
	return currentCodec{}
}

type currentCodec struct{}

func (currentCodec) Dialect() job.Dialect { return job.DialectCurrent }

func (currentCodec) EncodeSubmit(taskID string, env *job.Envelope) any {
	return &SubmitBody{
		TaskID:          taskID,
		RunSpec:         env.RunSpec,
		JobSpec:         env.JobSpec,
		ClusterInfo:     env.ClusterInfo,
		Secrets:         env.Secrets,
		RepoCredentials: env.RepoCredentials,
	}
}

func (currentCodec) PullPath(since int64) string {
	return PathPull + "?timestamp=" + strconv.FormatInt(since, 10)
}

func (currentCodec) EncodeTerminate(req job.TerminateRequest) (string, any) {
	return PathTerminate, &TerminateBody{
		TerminationReason:  req.Reason,
		TerminationMessage: req.Message,
		Timeout:            int(req.Timeout / time.Second),
	}
}

func (c currentCodec) DecodePull(data []byte, receivedAt time.Time) (*job.PollResult, error) {
	if err := requireKey(data, "last_updated"); err != nil {
		return nil, c.fail(err)
	}
	var resp PullResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, c.fail(err)
	}

	res := &job.PollResult{
		States:      make([]job.StateEvent, 0, len(resp.JobStates)),
		JobLogs:     convertLogs(resp.JobLogs),
		RunnerLogs:  convertLogs(resp.RunnerLogs),
		LastUpdated: resp.LastUpdated,
		QuietPeriod: resp.NoConnectionsSecs,
		ReceivedAt:  receivedAt,
	}
	for _, e := range resp.JobStates {
		status, err := MapState(e.State, e.TerminationReason)
		if err != nil {
			return nil, c.fail(err)
		}
		res.States = append(res.States, job.StateEvent{
			Timestamp:          e.Timestamp,
			Status:             status,
			TerminationReason:  e.TerminationReason,
			TerminationMessage: e.TerminationMessage,
		})
	}
	return res, nil
}

func (currentCodec) fail(err error) error {
	return &Error{Dialect: job.DialectCurrent, Op: "pull.decode", Err: err}
}

type legacyCodec struct{}

func (legacyCodec) Dialect() job.Dialect { return job.DialectLegacy }

func (legacyCodec) EncodeSubmit(taskID string, env *job.Envelope) any {
	spec := env.JobSpec
	body := &LegacySubmitBody{
		ImageName:      spec.Image,
		Privileged:     spec.Privileged,
		ContainerName:  taskID,
		ContainerUser:  spec.User,
		ShmSize:        spec.Resources.ShmSizeMiB << 20,
		Commands:       spec.Commands,
		Env:            spec.Env,
		WorkingDir:     spec.WorkingDir,
		Mounts:         nonNil(spec.VolumeMounts),
		Volumes:        nonNil(spec.Volumes),
		InstanceMounts: nonNil(spec.InstanceMounts),
	}
	if spec.Registry != nil {
		body.Username = spec.Registry.Username
		body.Password = spec.Registry.Password
	}
	return body
}

func (legacyCodec) PullPath(int64) string {
	return PathPull
}

// EncodeTerminate maps a terminate request to the legacy stop. Legacy runners
// know only force: a non-positive timeout means kill immediately.
func (legacyCodec) EncodeTerminate(req job.TerminateRequest) (string, any) {
	return PathStop, &LegacyStopBody{Force: req.Timeout <= 0}
}

// DecodePull turns the single legacy state into a one-element event list
// stamped with the receipt time, since the dialect carries no timestamps.
func (c legacyCodec) DecodePull(data []byte, receivedAt time.Time) (*job.PollResult, error) {
	if err := requireKey(data, "state"); err != nil {
		return nil, c.fail(err)
	}
	var resp LegacyPullResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, c.fail(err)
	}

	var reason, message string
	if resp.Result != nil {
		reason, message = resp.Result.Reason, resp.Result.ReasonMessage
	}
	status, err := MapState(resp.State, reason)
	if err != nil {
		return nil, c.fail(err)
	}

	ts := receivedAt.UnixMilli()
	ev := job.StateEvent{Timestamp: ts, Status: status}
	if status.IsTerminal() {
		ev.TerminationReason = reason
		ev.TerminationMessage = message
	}
	return &job.PollResult{
		States:      []job.StateEvent{ev},
		LastUpdated: ts,
		ReceivedAt:  receivedAt,
	}, nil
}

func (legacyCodec) fail(err error) error {
	return &Error{Dialect: job.DialectLegacy, Op: "pull.decode", Err: err}
}

// requireKey checks that data is a JSON object containing key.
func requireKey(data []byte, key string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	if _, ok := fields[key]; !ok {
		return fmt.Errorf("%w: missing %q", ErrUnknownShape, key)
	}
	return nil
}

func convertLogs(in []LogEvent) []job.LogEvent {
	out := make([]job.LogEvent, len(in))
	for i, e := range in {
		out[i] = job.LogEvent{Timestamp: e.Timestamp, Message: e.Message}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
