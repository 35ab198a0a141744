package job

// Status is the canonical lifecycle status of a Job.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusTerminating  Status = "terminating"
	StatusDone         Status = "done"   // terminated, success
	StatusFailed       Status = "failed" // terminated, failure
)

// statusRank defines the partial order. Both terminal statuses share the top rank.
var statusRank = map[Status]int{
	StatusSubmitted:    0,
	StatusProvisioning: 1,
	StatusRunning:      2,
	StatusTerminating:  3,
	StatusDone:         4,
	StatusFailed:       4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether moving from one status to another advances
// the partial order. Staying on the same status is not a transition.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	return statusRank[to] > fromRank
}
