// Package runner is the agent that executes one task on an instance and
// exposes its progress over HTTP for the supervisor to poll.
package runner

import (
	"errors"
	"fmt"
	"jobsupervisor/internal/protocol"
)

var (
	// ErrTaskExists is returned when a task was already submitted.
	ErrTaskExists = errors.New("task already submitted")
	// ErrNoTask is returned by operations that need a submitted task.
	ErrNoTask = errors.New("no task submitted")
	// ErrTaskTerminated is returned when advancing a terminated task.
	ErrTaskTerminated = errors.New("task already terminated")
)

// taskOrder ranks task statuses. Transitions only move forward, except that
// terminated is reachable from anywhere.
var taskOrder = map[string]int{
	protocol.TaskPending:    0,
	protocol.TaskPreparing:  1,
	protocol.TaskPulling:    2,
	protocol.TaskCreating:   3,
	protocol.TaskRunning:    4,
	protocol.TaskTerminated: 5,
}

// Task is the runner-side record of the submitted work.
type Task struct {
	ID                 string
	Status             string
	TerminationReason  string
	TerminationMessage string
	Ports              []protocol.PortMapping
}

func newTask(id string) *Task {
	return &Task{ID: id, Status: protocol.TaskPending}
}

// advance moves the task to status.
func (t *Task) advance(status string) error {
	if t.Status == protocol.TaskTerminated {
		return ErrTaskTerminated
	}
	to, ok := taskOrder[status]
	if !ok {
		return fmt.Errorf("unknown task status %q", status)
	}
	if status != protocol.TaskTerminated && to <= taskOrder[t.Status] {
		return fmt.Errorf("illegal task transition %s -> %s", t.Status, status)
	}
	t.Status = status
	return nil
}

// terminate moves the task to terminated from any live status.
func (t *Task) terminate(reason, message string) error {
	if err := t.advance(protocol.TaskTerminated); err != nil {
		return err
	}
	t.TerminationReason = reason
	t.TerminationMessage = message
	return nil
}

// Terminated reports whether the task reached its final status.
func (t *Task) Terminated() bool {
	return t.Status == protocol.TaskTerminated
}

// Info returns the wire form of the task.
func (t *Task) Info() protocol.TaskInfo {
	return protocol.TaskInfo{
		ID:                 t.ID,
		Status:             t.Status,
		TerminationReason:  t.TerminationReason,
		TerminationMessage: t.TerminationMessage,
		Ports:              append([]protocol.PortMapping{}, t.Ports...),
	}
}
