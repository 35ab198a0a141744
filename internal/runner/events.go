package runner

import (
	"jobsupervisor/internal/protocol"
	"slices"
	"sync"
	"time"
)

// EventLog keeps every state and log event of the task, stamped with a
// strictly increasing runner clock in unix ms.
type EventLog struct {
	mu         sync.Mutex
	now        func() time.Time
	last       int64
	states     []protocol.StateEvent
	jobLogs    []protocol.LogEvent
	runnerLogs []protocol.LogEvent
}

// NewEventLog creates an empty log. A nil clock uses time.Now.
func NewEventLog(now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{now: now}
}

// stamp returns the next timestamp. Must be called with mu held.
func (l *EventLog) stamp() int64 {
	ts := l.now().UnixMilli()
	if ts <= l.last {
		ts = l.last + 1
	}
	l.last = ts
	return ts
}

// AddState records a task status event.
func (l *EventLog) AddState(state, reason, message string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.stamp()
	l.states = append(l.states, protocol.StateEvent{
		Timestamp:          ts,
		State:              state,
		TerminationReason:  reason,
		TerminationMessage: message,
	})
	return ts
}

// AddJobLog records output of the task container. msg is copied.
func (l *EventLog) AddJobLog(msg []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobLogs = append(l.jobLogs, protocol.LogEvent{Timestamp: l.stamp(), Message: slices.Clone(msg)})
}

// AddRunnerLog records a diagnostic message of the runner itself.
func (l *EventLog) AddRunnerLog(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runnerLogs = append(l.runnerLogs, protocol.LogEvent{Timestamp: l.stamp(), Message: []byte(msg)})
}

// Pull returns all events with timestamp >= since.
func (l *EventLog) Pull(since int64) protocol.PullResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	return protocol.PullResponse{
		JobStates:   after(l.states, since, func(e protocol.StateEvent) int64 { return e.Timestamp }),
		JobLogs:     after(l.jobLogs, since, func(e protocol.LogEvent) int64 { return e.Timestamp }),
		RunnerLogs:  after(l.runnerLogs, since, func(e protocol.LogEvent) int64 { return e.Timestamp }),
		LastUpdated: l.last,
	}
}

// after returns the suffix of events stamped at or after since. Events are
// appended in timestamp order, so a binary search finds the cut.
func after[T any](events []T, since int64, ts func(T) int64) []T {
	i, _ := slices.BinarySearchFunc(events, since, func(e T, target int64) int {
		switch {
		case ts(e) < target:
			return -1
		case ts(e) > target:
			return 1
		}
		return 0
	})
	return append([]T{}, events[i:]...)
}

// jobLogWriter adapts the job log stream to io.Writer. Each write is one event.
type jobLogWriter struct{ log *EventLog }

func (w jobLogWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.log.AddJobLog(p)
	}
	return len(p), nil
}

// runnerLogWriter adapts the runner log stream to io.Writer.
type runnerLogWriter struct{ log *EventLog }

func (w runnerLogWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.log.AddRunnerLog(string(p))
	}
	return len(p), nil
}
