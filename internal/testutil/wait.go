// Package testutil provides polling helpers for asynchronous tests.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures the polling helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func buildOptions(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached.
// The condition is always evaluated at least once, and once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := buildOptions(opts)

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(min(o.Interval, time.Until(deadline)))
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForValue polls get until it returns want, failing the test with
// the last observed value on timeout.
func MustWaitForValue[T comparable](tb testing.TB, get func() T, want T, opts ...WaitOption) {
	tb.Helper()
	var last T
	if !WaitFor(tb, func() bool {
		last = get()
		return last == want
	}, opts...) {
		tb.Fatalf("timed out waiting for %v, last value %v", want, last)
	}
}

// Consistently checks that condition holds at every poll for the whole
// timeout. It returns false as soon as the condition fails.
func Consistently(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := buildOptions(opts)

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if !condition() {
			return false
		}
		time.Sleep(min(o.Interval, time.Until(deadline)))
	}
	return condition()
}
