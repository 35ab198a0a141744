package job

import (
	"jobsupervisor/pkg/cloudevent"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Event types for job status callbacks
const (
	EventTypeStatus   = "supervisor.job.status"
	EventTypeTerminal = "supervisor.job.terminal"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job status changes.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: jobID,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, b.subject, uuid.NewString(), data)
}

// BuildStatusEvent creates a status transition event stamped with the
// runner time (unix ms) of the transition.
func (b *EventBuilder) BuildStatusEvent(from, to Status, timestamp int64) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":     b.subject,
		"from":      from,
		"to":        to,
		"timestamp": timestamp,
	}
	return cloudevent.NewAt(EventTypeStatus, b.source, b.subject, uuid.NewString(), time.UnixMilli(timestamp), data)
}

// BuildTerminalEvent creates the event sent once a job can no longer change.
func (b *EventBuilder) BuildTerminalEvent(j *Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":  b.subject,
		"status": j.Status,
	}
	if j.TerminationReason != "" {
		data["terminationReason"] = j.TerminationReason
	}
	if j.TerminationMessage != "" {
		data["terminationMessage"] = j.TerminationMessage
	}
	if j.InstanceID != "" {
		data["instanceId"] = j.InstanceID
	}
	return b.Build(EventTypeTerminal, data)
}
