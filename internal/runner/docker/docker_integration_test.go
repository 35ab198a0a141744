//go:build integration

package docker

import (
	"bytes"
	"context"
	"fmt"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"jobsupervisor/internal/runner"
	"jobsupervisor/internal/testutil"
	"strings"
	"sync"
	"testing"
	"time"
)

const testImage = "alpine:latest"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, Config{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngine_RunToExit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Pull(ctx, testImage, nil, &syncBuffer{}); err != nil {
		t.Fatalf("Failed to pull: %v", err)
	}

	name := fmt.Sprintf("engine-test-%d", time.Now().UnixNano())
	id, err := e.Create(ctx, runner.ContainerSpec{
		Name:     name,
		Image:    testImage,
		Commands: []string{"sh", "-c", "echo hello; echo oops >&2; exit 3"},
		Labels:   map[string]string{"managed-by": "jobsupervisor-runner-test"},
	})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	defer e.Remove(ctx, id)

	if _, err := e.Start(ctx, id); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	logs := &syncBuffer{}
	go e.Logs(ctx, id, logs)

	code, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Failed to wait: %v", err)
	}
	if code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}

	testutil.MustWaitFor(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "hello") && strings.Contains(out, "oops")
	}, testutil.WithTimeout(10*time.Second))
}

func TestEngine_StopAndPorts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Pull(ctx, testImage, nil, &syncBuffer{}); err != nil {
		t.Fatalf("Failed to pull: %v", err)
	}

	id, err := e.Create(ctx, runner.ContainerSpec{
		Name:     fmt.Sprintf("engine-stop-%d", time.Now().UnixNano()),
		Image:    testImage,
		Commands: []string{"sh", "-c", "trap 'exit 0' TERM; while true; do sleep 1; done"},
		Ports:    []int{8080},
	})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	defer e.Remove(ctx, id)

	ports, err := e.Start(ctx, id)
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if len(ports) != 1 || ports[0].Container != 8080 || ports[0].Host == 0 {
		t.Errorf("Expected a host port for 8080, got %v", ports)
	}

	stats, err := e.Stats(ctx, id)
	if err != nil {
		t.Fatalf("Failed to sample stats: %v", err)
	}
	if stats.TimestampMicro == 0 {
		t.Error("Expected a stats timestamp")
	}

	graceful, err := e.Stop(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if !graceful {
		t.Error("Expected graceful stop")
	}
}

func TestEngine_ExecutorPipeline(t *testing.T) {
	e := newTestEngine(t)
	exec := runner.NewExecutor(e, runner.ExecutorConfig{})
	defer exec.Close(context.Background())

	env := &job.Envelope{JobSpec: job.JobSpec{
		JobName:  "pipeline",
		Image:    testImage,
		Commands: []string{"sh", "-c", "echo done"},
	}}
	if err := exec.Submit(fmt.Sprintf("pipeline-%d", time.Now().UnixNano()), env); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	var info protocol.TaskInfo
	testutil.MustWaitFor(t, func() bool {
		info, _ = exec.Task()
		return info.Status == protocol.TaskTerminated
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))

	if info.TerminationReason != job.ReasonDoneByRunner {
		t.Errorf("Expected %s, got %s (%s)", job.ReasonDoneByRunner, info.TerminationReason, info.TerminationMessage)
	}
}
