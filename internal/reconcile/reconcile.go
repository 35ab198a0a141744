// Package reconcile merges poll results into the canonical Job record.
//
// Apply is the single writer of a Job's status, termination fields, cursors
// and liveness bookkeeping. It is a pure function over the Job value: the
// caller persists the mutated Job and the returned log entries, and decides
// how to surface anomalies.
package reconcile

import (
	"jobsupervisor/internal/job"

	"github.com/cespare/xxhash/v2"
)

// Transition is an applied status change.
type Transition struct {
	From      job.Status
	To        job.Status
	Timestamp int64
}

// Anomaly is a state event dropped because it would move the Job backward
// or out of a terminal status.
type Anomaly struct {
	Current job.Status
	Event   job.StateEvent
}

// Outcome summarizes one Apply.
type Outcome struct {
	Transitions []Transition
	Logs        []job.LogEntry // new entries, per stream in response order
	Anomalies   []Anomaly
	Duplicates  int
	// Changed is false when the poll carried nothing new, so the caller can
	// skip the store write.
	Changed bool
}

// Terminal reports whether the outcome moved the Job into a terminal status.
func (o *Outcome) Terminal() bool {
	n := len(o.Transitions)
	return n > 0 && o.Transitions[n-1].To.IsTerminal()
}

// Apply merges res into j. Replaying the same res is a no-op.
//
// State events are processed in runner order. An event is a duplicate when
// its (timestamp, content) is at or behind the state cursor. Every other
// event advances the cursor, including anomalies, so a dropped event is
// reported once.
func Apply(j *job.Job, res *job.PollResult) Outcome {
	var out Outcome

	for _, ev := range res.States {
		d := stateDigest(ev)
		if j.StateCursor.Seen(ev.Timestamp, d) {
			out.Duplicates++
			continue
		}
		j.StateCursor.Advance(ev.Timestamp, d)
		out.Changed = true

		if ev.Status == j.Status {
			continue
		}
		if !job.CanTransition(j.Status, ev.Status) {
			out.Anomalies = append(out.Anomalies, Anomaly{Current: j.Status, Event: ev})
			continue
		}

		out.Transitions = append(out.Transitions, Transition{From: j.Status, To: ev.Status, Timestamp: ev.Timestamp})
		j.Status = ev.Status
		if ev.Status.IsTerminal() {
			j.TerminationReason = ev.TerminationReason
			j.TerminationMessage = ev.TerminationMessage
		}
	}

	out.Logs = mergeLogs(j, job.StreamJob, res.JobLogs, &out)
	out.Logs = append(out.Logs, mergeLogs(j, job.StreamRunner, res.RunnerLogs, &out)...)

	if res.LastUpdated > j.LastUpdated {
		j.LastUpdated = res.LastUpdated
		out.Changed = true
	}
	if res.ReceivedAt.After(j.LastSeenAlive) {
		j.LastSeenAlive = res.ReceivedAt
		out.Changed = true
	}

	return out
}

func mergeLogs(j *job.Job, stream job.LogStream, events []job.LogEvent, out *Outcome) []job.LogEntry {
	cursor := j.LogCursor(stream)
	var entries []job.LogEntry
	for _, ev := range events {
		d := xxhash.Sum64(ev.Message)
		if cursor.Seen(ev.Timestamp, d) {
			out.Duplicates++
			continue
		}
		cursor.Advance(ev.Timestamp, d)
		out.Changed = true
		entries = append(entries, job.LogEntry{Stream: stream, Timestamp: ev.Timestamp, Message: ev.Message})
	}
	return entries
}

func stateDigest(ev job.StateEvent) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(ev.Status))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(ev.TerminationReason)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(ev.TerminationMessage)
	return h.Sum64()
}
