package protocol

import (
	"errors"
	"fmt"
	"jobsupervisor/internal/job"
)

// ErrUnknownShape is returned when a payload matches no known response shape.
var ErrUnknownShape = errors.New("unknown payload shape")

// Error reports a payload that could not be translated. Callers treat it as
// a transient poll failure, never as a state transition.
type Error struct {
	Dialect job.Dialect
	Op      string // e.g. "pull.decode"
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol %s %s: %v", e.Dialect, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is or wraps an *Error.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
