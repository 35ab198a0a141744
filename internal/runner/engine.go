package runner

import (
	"context"
	"io"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"strconv"
	"time"
)

// Engine runs task containers. Implementations must be safe for concurrent use.
type Engine interface {
	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error

	// Pull fetches the image, writing progress to progress.
	Pull(ctx context.Context, image string, auth *job.RegistryAuth, progress io.Writer) error

	// Create creates (but does not start) the task container.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts the container and returns its published ports.
	Start(ctx context.Context, id string) ([]protocol.PortMapping, error)

	// Logs follows the container output until it exits or ctx ends.
	Logs(ctx context.Context, id string, w io.Writer) error

	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)

	// Stop signals the container and kills it after timeout. graceful is
	// true when the container exited before the kill.
	Stop(ctx context.Context, id string, timeout time.Duration) (graceful bool, err error)

	// Stats returns a resource usage sample.
	Stats(ctx context.Context, id string) (*Stats, error)

	// Remove deletes the container.
	Remove(ctx context.Context, id string) error
}

// ContainerSpec is what an Engine needs to create a task container.
type ContainerSpec struct {
	Name        string
	Image       string
	Entrypoint  []string
	Commands    []string
	Env         map[string]string
	WorkingDir  string
	User        string
	Privileged  bool
	NetworkMode string
	Resources   job.Resources
	Ports       []int
	Mounts      []Mount
	Labels      map[string]string
}

// Mount attaches a named volume or a host path.
type Mount struct {
	Source string
	Target string
	Volume bool // Source names a volume rather than a host path
}

// Stats is a usage sample plus the cumulative network byte count used to
// detect activity.
type Stats struct {
	job.Metrics
	NetworkBytes uint64
}

// specFromEnvelope builds the container spec of a task.
func specFromEnvelope(taskID string, env *job.Envelope) ContainerSpec {
	js := env.JobSpec
	spec := ContainerSpec{
		Name:        "task-" + taskID,
		Image:       js.Image,
		Entrypoint:  js.Entrypoint,
		Commands:    js.Commands,
		Env:         make(map[string]string, len(js.Env)+len(env.Secrets)),
		WorkingDir:  js.WorkingDir,
		User:        js.User,
		Privileged:  js.Privileged,
		NetworkMode: js.NetworkMode,
		Resources:   js.Resources,
		Ports:       js.Ports,
		Labels: map[string]string{
			"managed-by": "jobsupervisor-runner",
			"task.id":    taskID,
			"run.name":   env.RunSpec.RunName,
			"job.name":   js.JobName,
		},
	}
	for k, v := range js.Env {
		spec.Env[k] = v
	}
	for k, v := range env.Secrets {
		spec.Env[k] = v
	}
	if ci := env.ClusterInfo; ci != nil {
		spec.Env["JOB_MASTER_NODE_IP"] = ci.MasterJobIP
		spec.Env["JOB_NODES_NUM"] = strconv.Itoa(len(ci.JobIPs))
		spec.Env["JOB_GPUS_PER_NODE"] = strconv.Itoa(ci.GPUsPerJob)
	}

	for _, m := range js.VolumeMounts {
		spec.Mounts = append(spec.Mounts, Mount{Source: m.Name, Target: m.Path, Volume: true})
	}
	for _, m := range js.InstanceMounts {
		spec.Mounts = append(spec.Mounts, Mount{Source: m.InstancePath, Target: m.Path})
	}
	return spec
}
