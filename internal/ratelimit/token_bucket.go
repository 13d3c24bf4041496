// Package ratelimit paces outgoing upstream calls with a token bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a single token-bucket rate limiter. A nil *Limiter allows
// everything.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64 // current token count
	lastRefill time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond (minimum 1). A non-positive rate
// returns nil, which never limits.
func New(ratePerSecond, burst float64) *Limiter {
	if ratePerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = ratePerSecond
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	ok, _ := l.reserve()
	return ok
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		ok, wait := l.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token if one is available, otherwise reports how long until
// the next one accrues.
func (l *Limiter) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true, 0
	}
	missing := 1.0 - l.tokens
	return false, time.Duration(missing / l.rate * float64(time.Second))
}

// Store maintains per-key Limiter instances sharing one rate/burst.
type Store struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
}

// NewStore creates a Store whose per-key limiters share the same rate/burst.
func NewStore(ratePerSecond, burst float64) *Store {
	return &Store{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
	}
}

// For returns (creating if needed) the limiter for key. It returns nil when
// the store is unlimited.
func (s *Store) For(key string) *Limiter {
	if s == nil || s.rate <= 0 {
		return nil
	}

	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.limiters[key]; ok {
		return l
	}
	l = New(s.rate, s.burst)
	s.limiters[key] = l
	return l
}

// Wait blocks on the limiter for key.
func (s *Store) Wait(ctx context.Context, key string) error {
	return s.For(key).Wait(ctx)
}
