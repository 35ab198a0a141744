package runnerclient

import (
	"context"
	"errors"
	"fmt"
	"jobsupervisor/internal/protocol"
	"net/http"
)

// TransientError is a failure worth retrying on the next tick: the runner
// could not be reached, the call timed out, or it answered 5xx/429.
type TransientError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("runner %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("runner %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// StatusError is a non-retryable runner rejection (4xx).
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("runner %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("runner %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsTransient reports whether err leaves the job untouched and should be
// retried. Protocol errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if protocol.IsProtocolError(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConflict reports whether the runner answered 409.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
