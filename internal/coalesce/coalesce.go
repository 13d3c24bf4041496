// Package coalesce collapses concurrent cache misses for the same key into a
// single upstream call.
//
// The first caller for a key becomes the leader and performs the work; later
// callers become followers and wait for the leader to publish. The in-flight
// map is the only shared structure and is guarded by one mutex whose critical
// sections cover registering, looking up and removing flights; the work
// itself always happens outside the lock.
//
// Lifecycle of a flight:
//   - created by Acquire for the first caller that misses every cache tier;
//   - published exactly once by the leader (a value, or no result on failure),
//     which wakes every follower;
//   - kept for a grace period after publication so followers that arrive
//     just late still observe the value, then removed.
//
// A follower that times out restarts its lookup and calls Takeover with the
// flight it waited on. If that flight is still the unpublished one for the
// key, the leader is considered gone and the follower replaces it. Callers
// that never waited always join, however long the leader has been running.
//
// Failed flights skip the grace period and are removed on publication, so
// the next Acquire starts a fresh attempt instead of joining a failure.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by Wait when the leader did not publish within
// the follower timeout.
var ErrWaitTimeout = errors.New("coalesce: timed out waiting for in-flight request")

// Role tells the caller of Acquire what to do next.
type Role int

const (
	// Leader must perform the work and Publish the outcome.
	Leader Role = iota
	// Follower must Wait for the leader's outcome.
	Follower
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Default timings.
const (
	DefaultFollowerTimeout = 30 * time.Second
	DefaultGracePeriod     = 2 * time.Second
)

// Flight is one in-flight upstream request.
type Flight struct {
	key  string
	done chan struct{} // closed once value/ok are published

	once  sync.Once
	value string
	ok    bool
}

// Key returns the cache key the flight is computing.
func (f *Flight) Key() string { return f.key }

// Done reports whether the leader has published.
func (f *Flight) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the leader publishes, timeout elapses, or ctx is done.
// ok is false when the leader published no result. Giving up does not affect
// the leader.
func (f *Flight) Wait(ctx context.Context, timeout time.Duration) (string, bool, error) {
	select {
	case <-f.done:
		return f.value, f.ok, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.done:
		return f.value, f.ok, nil
	case <-expired:
		return "", false, ErrWaitTimeout
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Options configures a Group.
type Options struct {
	// FollowerTimeout bounds how long followers wait before they may take
	// over the flight. Default: 30s
	FollowerTimeout time.Duration

	// GracePeriod is how long a successfully published flight stays
	// joinable. Default: 2s; negative removes flights on publication.
	GracePeriod time.Duration
}

// Group tracks in-flight requests for one process.
type Group struct {
	mu      sync.Mutex
	flights map[string]*Flight

	followerTimeout time.Duration
	grace           time.Duration
}

// New creates a Group.
func New(opts Options) *Group {
	if opts.FollowerTimeout <= 0 {
		opts.FollowerTimeout = DefaultFollowerTimeout
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	} else if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Group{
		flights:         make(map[string]*Flight),
		followerTimeout: opts.FollowerTimeout,
		grace:           opts.GracePeriod,
	}
}

// FollowerTimeout returns the configured follower wait bound.
func (g *Group) FollowerTimeout() time.Duration { return g.followerTimeout }

// Acquire registers interest in key and returns the flight to lead or join.
func (g *Group) Acquire(key string) (*Flight, Role) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.acquireLocked(key, nil)
}

// Takeover is Acquire for a follower whose wait on stale timed out. When
// stale is still the unpublished flight for its key it is replaced and the
// caller leads; otherwise the current flight is joined or led as usual.
func (g *Group) Takeover(stale *Flight) (*Flight, Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquireLocked(stale.key, stale)
}

func (g *Group) acquireLocked(key string, stale *Flight) (*Flight, Role) {
	if f, ok := g.flights[key]; ok && (f != stale || f.Done()) && joinable(f) {
		return f, Follower
	}

	f := &Flight{key: key, done: make(chan struct{})}
	g.flights[key] = f
	return f, Leader
}

func joinable(f *Flight) bool {
	if f.Done() {
		return f.ok
	}
	return true
}

// Publish records the leader's outcome, wakes all followers and schedules the
// flight's removal after the grace period. Only the first call has effect.
func (g *Group) Publish(f *Flight, value string, ok bool) {
	published := false
	f.once.Do(func() {
		f.value, f.ok = value, ok
		close(f.done)
		published = true
	})
	if !published {
		return
	}

	// A failure is not kept for the grace period: late callers retry.
	if !ok || g.grace <= 0 {
		g.remove(f)
		return
	}
	time.AfterFunc(g.grace, func() { g.remove(f) })
}

// remove deletes f unless it has already been replaced by a newer flight.
func (g *Group) remove(f *Flight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.flights[f.key]; ok && cur == f {
		delete(g.flights, f.key)
	}
}

// InFlight returns the number of tracked flights, including published flights
// still inside their grace period.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
