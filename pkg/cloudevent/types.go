// Package cloudevent provides CloudEvents 1.0 types.
package cloudevent

import "time"

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return NewAt(eventType, source, subject, id, time.Now(), data)
}

// NewAt creates a new CloudEvent stamped with t, typically when the
// underlying occurrence happened rather than when the event was built.
func NewAt(eventType, source, subject, id string, t time.Time, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            t.UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
