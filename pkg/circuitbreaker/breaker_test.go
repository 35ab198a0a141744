package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	key      string
	from, to State
}

func newTestBreaker(threshold int) (*Breaker, *manualClock, *[]transition) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	var changes []transition
	b := New("hooks.local", Config{
		Threshold: threshold,
		Cooldown:  10 * time.Second,
		Now:       clock.Now,
		OnChange: func(key string, from, to State) {
			changes = append(changes, transition{key, from, to})
		},
	})
	return b, clock, &changes
}

func TestNew_Defaults(t *testing.T) {
	b := New("k", Config{Threshold: -1})
	if b.cfg.Threshold != 5 || b.cfg.Cooldown != 30*time.Second || b.cfg.Now == nil {
		t.Errorf("defaults not applied: %+v", b.cfg)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %s, want closed", b.State())
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, changes := newTestBreaker(3)

	for i := range 2 {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("refused after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != Open || b.Allow() {
		t.Fatalf("state = %s, want open and refusing", b.State())
	}
	if b.Failures() != 3 {
		t.Errorf("Failures() = %d, want 3", b.Failures())
	}
	if len(*changes) != 1 || (*changes)[0] != (transition{"hooks.local", Closed, Open}) {
		t.Errorf("changes = %+v", *changes)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(2)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	b, clock, changes := newTestBreaker(1)
	b.RecordFailure()

	clock.Advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("allowed before cooldown")
	}

	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("probe refused after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if b.Allow() {
		t.Fatal("second call allowed while probe in flight")
	}

	b.RecordSuccess()
	if b.State() != Closed || !b.Allow() {
		t.Fatalf("state = %s after successful probe", b.State())
	}

	want := []transition{
		{"hooks.local", Closed, Open},
		{"hooks.local", Open, HalfOpen},
		{"hooks.local", HalfOpen, Closed},
	}
	if len(*changes) != len(want) {
		t.Fatalf("changes = %+v, want %+v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, (*changes)[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(5)
	for range 5 {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	if !b.Allow() {
		t.Fatal("probe refused")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("allowed right after failed probe")
	}
	clock.Advance(10 * time.Second)
	if !b.Allow() {
		t.Error("no new probe after second cooldown")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestRegistry(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	r := NewRegistry(Config{
		Threshold: 1,
		OnChange: func(key string, from, to State) {
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
		},
	})

	a := r.Get("a.local")
	if r.Get("a.local") != a {
		t.Fatal("Get returned a different breaker for the same key")
	}
	r.Get("b.local")

	a.RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.HalfOpen != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if len(keys) != 1 || keys[0] != "a.local" {
		t.Errorf("OnChange keys = %v", keys)
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(Config{})
	var wg sync.WaitGroup
	got := make([]*Breaker, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.Get("same")
		}()
	}
	wg.Wait()
	for _, b := range got[1:] {
		if b != got[0] {
			t.Fatal("concurrent Get created more than one breaker")
		}
	}
}
