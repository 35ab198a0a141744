// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Policy is a capped exponential backoff. A nil Policy uses the defaults.
type Policy struct {
	Initial time.Duration // first delay (default: 100ms)
	Max     time.Duration // cap (default: 5s)
	Jitter  float64       // fraction of each delay that is randomized away, in [0, 1]
}

// Delay returns the wait before retry number attempt. Attempt 1 waits
// Initial, each further attempt doubles it up to Max.
func (p *Policy) Delay(attempt int) time.Duration {
	initial, maxDelay, jitter := defaultInitial, defaultMax, 0.0
	if p != nil {
		if p.Initial > 0 {
			initial = p.Initial
		}
		if p.Max > 0 {
			maxDelay = p.Max
		}
		jitter = min(max(p.Jitter, 0), 1)
	}
	if maxDelay < initial {
		maxDelay = initial
	}

	d := initial
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)

	if spread := int64(float64(d) * jitter); spread > 0 {
		d -= time.Duration(rand.Int64N(spread + 1))
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
