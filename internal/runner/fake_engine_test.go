package runner

import (
	"context"
	"errors"
	"io"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"
	"sync"
	"time"
)

// fakeEngine runs a pretend container. The container exits when exit is
// called or when it is stopped.
type fakeEngine struct {
	mu sync.Mutex

	pullErr   error
	pullBlock bool // Pull waits for ctx instead of returning
	createErr error
	logs      []string
	ports     []protocol.PortMapping
	graceful  bool // Stop reports a graceful exit
	stats     Stats

	created  []ContainerSpec
	pulled   []string
	stops    []time.Duration
	removed  []string
	exitCode int
	exited   chan struct{}
	once     sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{exited: make(chan struct{}), graceful: true}
}

// exit makes the container exit with code.
func (f *fakeEngine) exit(code int) {
	f.once.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		close(f.exited)
	})
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) Pull(ctx context.Context, image string, auth *job.RegistryAuth, progress io.Writer) error {
	f.mu.Lock()
	f.pulled = append(f.pulled, image)
	err, block := f.pullErr, f.pullBlock
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	_, _ = progress.Write([]byte("pulled " + image))
	return nil
}

func (f *fakeEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "c-" + spec.Name, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) ([]protocol.PortMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports, nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string, w io.Writer) error {
	f.mu.Lock()
	lines := append([]string{}, f.logs...)
	f.mu.Unlock()
	for _, l := range lines {
		_, _ = w.Write([]byte(l))
	}
	select {
	case <-f.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int, error) {
	select {
	case <-f.exited:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeEngine) Stop(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	f.stops = append(f.stops, timeout)
	graceful := f.graceful
	f.mu.Unlock()
	code := 137
	if graceful {
		code = 0
	}
	f.exit(code)
	return graceful, nil
}

func (f *fakeEngine) Stats(ctx context.Context, id string) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	return &st, nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func (f *fakeEngine) createdSpecs() []ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContainerSpec{}, f.created...)
}

func (f *fakeEngine) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

var errFake = errors.New("boom")
