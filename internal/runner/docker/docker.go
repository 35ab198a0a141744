// Package docker implements runner.Engine using the Docker API.
// Task containers run directly on the host Docker daemon.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/internal/runner"
	"log/slog"
	"slices"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// exitCodeKilled is what the daemon reports for a SIGKILLed container.
const exitCodeKilled = 137

// Config holds configuration for the Docker engine.
type Config struct {
	AlwaysPull bool     // Pull even when the image is present locally
	ExtraHosts []string // Extra hosts for task containers (e.g. "registry.local:host-gateway")
}

// Engine implements runner.Engine using Docker.
type Engine struct {
	client *client.Client
	cfg    Config
}

var _ runner.Engine = (*Engine)(nil)

// New connects to the daemon configured by the DOCKER_* environment.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		_ = dockerClient.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return &Engine{client: dockerClient, cfg: cfg}, nil
}

// Close releases the client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Ping checks that the daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// pullMessage is one line of the daemon's pull progress stream.
type pullMessage struct {
	Status   string `json:"status"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

// Pull fetches the image unless it is present and AlwaysPull is off.
func (e *Engine) Pull(ctx context.Context, imageName string, auth *job.RegistryAuth, progress io.Writer) error {
	if !e.cfg.AlwaysPull {
		if _, err := e.client.ImageInspect(ctx, imageName); err == nil {
			return nil
		}
	}

	opts := image.PullOptions{}
	if auth != nil {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{Username: auth.Username, Password: auth.Password})
		if err != nil {
			return fmt.Errorf("encode registry auth: %w", err)
		}
		opts.RegistryAuth = encoded
	}

	reader, err := e.client.ImagePull(ctx, imageName, opts)
	if err != nil {
		return err
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		// Layer progress bars are noise in the runner log
		if msg.Status != "" && msg.Progress == "" {
			_, _ = io.WriteString(progress, msg.Status)
		}
	}
}

// Create creates the task container.
func (e *Engine) Create(ctx context.Context, spec runner.ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	slices.Sort(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return "", fmt.Errorf("port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		// Empty host port lets the daemon pick one
		bindings[port] = []nat.PortBinding{{}}
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Entrypoint:   spec.Entrypoint,
		Cmd:          spec.Commands,
		Env:          env,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		ExposedPorts: exposed,
		Labels:       spec.Labels,
	}

	hostConfig := &container.HostConfig{
		Privileged:   spec.Privileged,
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
		PortBindings: bindings,
		ExtraHosts:   e.cfg.ExtraHosts,
		ShmSize:      spec.Resources.ShmSizeMiB << 20,
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
			Memory:   spec.Resources.MemoryMiB << 20,
		},
	}
	if spec.Resources.GPU > 0 {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{{
			Count:        spec.Resources.GPU,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	for _, m := range spec.Mounts {
		mt := mount.TypeBind
		if m.Volume {
			mt = mount.TypeVolume
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{Type: mt, Source: m.Source, Target: m.Target})
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		slog.Warn("Container create warning", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

// Start starts the container and reports the host ports it was given.
func (e *Engine) Start(ctx context.Context, id string) ([]protocol.PortMapping, error) {
	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, err
	}

	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if inspect.NetworkSettings == nil {
		return nil, nil
	}
	return portMappings(inspect.NetworkSettings.Ports), nil
}

// portMappings flattens the daemon's port map, ordered by container port.
func portMappings(ports nat.PortMap) []protocol.PortMapping {
	var out []protocol.PortMapping
	for port, bindings := range ports {
		for _, b := range bindings {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			out = append(out, protocol.PortMapping{Host: host, Container: port.Int()})
			break
		}
	}
	slices.SortFunc(out, func(a, b protocol.PortMapping) int { return a.Container - b.Container })
	return out
}

// Logs follows the container output. Each stdout/stderr frame is one write.
func (e *Engine) Logs(ctx context.Context, id string, w io.Writer) error {
	logs, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(w, w, logs)
	return err
}

// Wait blocks until the container stops running.
func (e *Engine) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// Stop sends SIGTERM and kills the container after timeout.
func (e *Engine) Stop(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	secs := int(timeout / time.Second)
	if timeout > 0 && secs == 0 {
		secs = 1
	}
	if err := e.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return false, err
	}

	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	if inspect.State == nil {
		return true, nil
	}
	return inspect.State.ExitCode != exitCodeKilled, nil
}

// Stats takes a single usage sample.
func (e *Engine) Stats(ctx context.Context, id string) (*runner.Stats, error) {
	resp, err := e.client.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return statsFromResponse(&s), nil
}

func statsFromResponse(s *container.StatsResponse) *runner.Stats {
	usage := int64(s.MemoryStats.Usage)
	workingSet := usage
	if inactive, ok := s.MemoryStats.Stats["inactive_file"]; ok && int64(inactive) < usage {
		workingSet = usage - int64(inactive)
	}

	var net uint64
	for _, n := range s.Networks {
		net += n.RxBytes + n.TxBytes
	}

	return &runner.Stats{
		Metrics: job.Metrics{
			TimestampMicro:        s.Read.UnixMicro(),
			CPUUsageMicro:         int64(s.CPUStats.CPUUsage.TotalUsage / 1000),
			MemoryUsageBytes:      usage,
			MemoryWorkingSetBytes: workingSet,
		},
		NetworkBytes: net,
	}
}

// Remove deletes the container and its anonymous volumes.
func (e *Engine) Remove(ctx context.Context, id string) error {
	err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}
