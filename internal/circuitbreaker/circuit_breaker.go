// Package circuitbreaker stops calling an upstream provider that keeps
// failing. A breaker opens after Threshold consecutive failures, rejects
// calls for Cooldown, then lets probe calls through (half-open) and closes
// again after Successes consecutive successes. Any failure while half-open
// reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is a breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// Options configures a Breaker. Threshold <= 0 disables breaking.
type Options struct {
	Threshold int
	Successes int
	Cooldown  time.Duration
	Now       func() time.Time
}

// Breaker guards one upstream. The zero value is not usable; call New.
type Breaker struct {
	mu        sync.Mutex
	opts      Options
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// New returns a closed Breaker. Successes defaults to 1 and Cooldown to 30s.
func New(opts Options) *Breaker {
	if opts.Successes <= 0 {
		opts.Successes = 1
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{opts: opts}
}

// State returns the current state, moving Open to HalfOpen once the cooldown
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve()
}

// resolve must be called with b.mu held.
func (b *Breaker) resolve() State {
	if b.state == StateOpen && !b.opts.Now().Before(b.openUntil) {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// Allow returns ErrOpen while the breaker is open.
func (b *Breaker) Allow() error {
	if b == nil || b.opts.Threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolve() == StateOpen {
		return ErrOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	if b == nil || b.opts.Threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.opts.Successes {
			b.state = StateClosed
			b.failures, b.successes = 0, 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call and reports whether it opened the breaker.
func (b *Breaker) Failure() bool {
	if b == nil || b.opts.Threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateClosed:
		b.failures++
		if b.failures >= b.opts.Threshold {
			b.trip()
			return true
		}
	case StateHalfOpen:
		b.trip()
		return true
	}
	return false
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = b.opts.Now().Add(b.opts.Cooldown)
	b.successes = 0
}

// Set holds one Breaker per key, created on first use.
type Set struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*Breaker
}

// NewSet returns a Set whose breakers share opts.
func NewSet(opts Options) *Set {
	return &Set{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, or nil when breaking is disabled.
func (s *Set) Get(key string) *Breaker {
	if s == nil || s.opts.Threshold <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = New(s.opts)
		s.breakers[key] = b
	}
	return b
}
