package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold, successes int) (*Breaker, *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	return New(Options{Threshold: threshold, Successes: successes, Cooldown: 10 * time.Second, Now: clk.Now}), clk
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 1)
	if b.Failure() || b.Failure() {
		t.Fatal("opened before threshold")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed breaker to allow, got %v", err)
	}
	if !b.Failure() {
		t.Fatal("expected third failure to open the breaker")
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, 1)
	b.Failure()
	b.Success()
	if b.Failure() {
		t.Fatal("failure count should reset after a success")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestHalfOpenCycle(t *testing.T) {
	b, clk := newTestBreaker(1, 2)
	b.Failure()
	clk.Advance(9 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("expected open before cooldown, got %s", b.State())
	}
	clk.Advance(time.Second)
	if b.State() != StateHalfOpen || b.Allow() != nil {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	b.Success()
	if b.State() != StateHalfOpen {
		t.Fatal("one success should not close with Successes=2")
	}
	b.Success()
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1, 1)
	b.Failure()
	clk.Advance(10 * time.Second)
	if !b.Failure() {
		t.Fatal("failure while half-open should reopen")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestDisabled(t *testing.T) {
	b := New(Options{})
	for i := 0; i < 100; i++ {
		b.Failure()
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("disabled breaker rejected a call: %v", err)
	}
	var nilBreaker *Breaker
	if nilBreaker.Allow() != nil || nilBreaker.Failure() {
		t.Fatal("nil breaker should be a no-op")
	}
	if NewSet(Options{}).Get("translation") != nil {
		t.Fatal("disabled set should hand out nil breakers")
	}
}

func TestSetIsolatesKeys(t *testing.T) {
	s := NewSet(Options{Threshold: 1, Cooldown: time.Minute})
	s.Get("translation").Failure()
	if s.Get("translation").Allow() == nil {
		t.Fatal("expected translation breaker open")
	}
	if err := s.Get("explanation").Allow(); err != nil {
		t.Fatalf("explanation breaker should be independent, got %v", err)
	}
	if s.Get("translation") != s.Get("translation") {
		t.Fatal("expected the same breaker per key")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d: got %q want %q", s, s.String(), want)
		}
	}
}
