// Package examcache is a response cache for the two costly upstream
// operations of an exam-preparation platform: explanation generation and
// translation. A lookup consults a process-local map, then a durable store,
// then joins or leads a coalesced upstream call so that concurrent misses for
// one key cost a single provider request per process.
//
// Create one Cache per process with Open (or New for explicit wiring) and
// resolve values with Resolve, or through the Explainer and
// TranslationService collaborators.
package examcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ferro-labs/examcache/internal/backoff"
	"github.com/ferro-labs/examcache/internal/cache"
	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/circuitbreaker"
	"github.com/ferro-labs/examcache/internal/coalesce"
	"github.com/ferro-labs/examcache/internal/logging"
	"github.com/ferro-labs/examcache/internal/metrics"
	"github.com/ferro-labs/examcache/internal/store"
	"github.com/ferro-labs/examcache/internal/upstream"
)

// Source says which tier produced a Result.
type Source string

// Result sources.
const (
	SourceLocal     Source = "local"
	SourceDurable   Source = "durable"
	SourceCoalesced Source = "coalesced"
	SourceUpstream  Source = "upstream"
	SourceBypass    Source = "bypass"
)

var (
	// ErrLeaderFailed is returned to followers whose leader published no
	// result. It matches upstream.ErrProvider.
	ErrLeaderFailed = fmt.Errorf("%w: in-flight request produced no result", upstream.ErrProvider)

	// ErrCacheDisabled is returned by admin operations in disabled mode.
	ErrCacheDisabled = errors.New("examcache: cache is disabled")
)

// Request identifies a cacheable upstream operation.
type Request struct {
	Kind     cachekey.Kind
	EntityID *int64
	Attrs    cachekey.Attrs
	// Meta is stored alongside the value; Kind, EntityID, Provider and
	// Tokens are filled from the request and upstream result when empty.
	Meta store.Metadata
}

// Result is a resolved value.
type Result struct {
	Key    string
	Value  string
	Source Source
}

// Deps wires a Cache explicitly. Nil Local and Group get in-memory defaults;
// Store may be nil only in disabled mode.
type Deps struct {
	Mode   store.Mode
	Local  cache.Local
	Store  store.Store
	Group  *coalesce.Group
	Caller *upstream.Caller
	// WritePolicy bounds durable write-back retries under contention.
	WritePolicy backoff.Policy
	Logger      *slog.Logger
}

// Cache is the facade over every tier. It is safe for concurrent use.
type Cache struct {
	mode        store.Mode
	local       cache.Local
	store       store.Store
	group       *coalesce.Group
	caller      *upstream.Caller
	writePolicy backoff.Policy
	logger      *slog.Logger
}

// Option customises Open.
type Option func(*Deps)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deps) { d.Logger = l }
}

// WithStore replaces the durable backend Open would build from config.
func WithStore(s store.Store) Option {
	return func(d *Deps) { d.Store = s }
}

// Open builds a Cache from configuration.
func Open(cfg Config, opts ...Option) (*Cache, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	d := Deps{
		Mode:   cfg.Cache.EffectiveMode(),
		Logger: logging.Logger,
	}
	for _, opt := range opts {
		opt(&d)
	}

	if d.Store == nil {
		s, err := store.Open(d.Mode, store.OpenOptions{
			Location: cfg.Cache.StoreLocation,
			Driver:   cfg.Cache.Shared.Driver,
			DSN:      cfg.Cache.Shared.DSN,
			Logger:   d.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open durable store: %w", err)
		}
		d.Store = s
	}

	d.Group = coalesce.New(coalesce.Options{
		FollowerTimeout: cfg.Cache.FollowerTimeout.Std(),
		GracePeriod:     cfg.Cache.GracePeriod.Std(),
	})
	d.Caller = upstream.NewCaller(upstream.Options{
		Policy: backoff.Policy{
			MaxAttempts: cfg.Upstream.MaxAttempts,
			Base:        cfg.Upstream.BackoffBase.Std(),
			Max:         cfg.Upstream.MaxBackoff.Std(),
			Jitter:      0.2,
		},
		Timeout:           cfg.Upstream.Timeout.Std(),
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
		Breaker: circuitbreaker.Options{
			Threshold: cfg.Upstream.BreakerThreshold,
			Cooldown:  cfg.Upstream.BreakerCooldown.Std(),
		},
		Logger: d.Logger,
	})
	d.WritePolicy = backoff.Policy{
		MaxAttempts: cfg.Cache.MaxRetries + 1,
		Base:        cfg.Cache.BackoffBase.Std(),
		Max:         time.Second,
		Jitter:      0.2,
	}
	return New(d), nil
}

// New builds a Cache from explicit dependencies.
func New(d Deps) *Cache {
	if d.Mode == "" {
		d.Mode = store.ModeDisposable
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Local == nil {
		d.Local = cache.NewMemory()
	}
	if d.Group == nil {
		d.Group = coalesce.New(coalesce.Options{})
	}
	if d.Caller == nil {
		d.Caller = upstream.NewCaller(upstream.Options{Logger: d.Logger})
	}
	if d.Mode == store.ModeDisabled {
		d.Store = nil
	}
	return &Cache{
		mode:        d.Mode,
		local:       d.Local,
		store:       d.Store,
		group:       d.Group,
		caller:      d.Caller,
		writePolicy: d.WritePolicy.WithDefaults(),
		logger:      d.Logger.With("component", "cache"),
	}
}

// Mode returns the effective cache mode.
func (c *Cache) Mode() store.Mode { return c.mode }

// Resolve returns the value for req, calling compute on a full miss. In
// disabled mode, and for requests without an entity id, compute is always
// called and no tier is touched.
//
// Failures from compute are returned to the caller and never cached. A
// caller that gives up (ctx done) while leading gets ctx.Err(), but the
// upstream call and write-back continue so the next caller finds the value.
func (c *Cache) Resolve(ctx context.Context, req Request, compute upstream.Func) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("unknown cache kind %q", req.Kind)
	}
	key := cachekey.Build(req.Kind, req.EntityID, req.Attrs)
	log := logging.FromContext(ctx, c.logger).With("key", key)

	// Keys without an entity id are unique per call and would never hit.
	if c.mode == store.ModeDisabled || cachekey.IsEphemeral(key) {
		res, err := c.caller.Call(ctx, req.Kind, compute)
		if err != nil {
			return Result{Key: key}, err
		}
		return Result{Key: key, Value: res.Value, Source: SourceBypass}, nil
	}

	var stale *coalesce.Flight
	for {
		if v, ok := c.local.Get(key); ok {
			metrics.Lookups.WithLabelValues(metrics.TierLocal, metrics.ResultHit).Inc()
			return Result{Key: key, Value: v, Source: SourceLocal}, nil
		}
		metrics.Lookups.WithLabelValues(metrics.TierLocal, metrics.ResultMiss).Inc()

		if v, ok := c.durableGet(ctx, key, req.Kind, log); ok {
			c.local.Set(key, v)
			return Result{Key: key, Value: v, Source: SourceDurable}, nil
		}

		var (
			f    *coalesce.Flight
			role coalesce.Role
		)
		if stale != nil {
			f, role = c.group.Takeover(stale)
		} else {
			f, role = c.group.Acquire(key)
		}
		if role == coalesce.Leader {
			return c.lead(ctx, f, key, req, compute, log)
		}

		v, ok, err := f.Wait(ctx, c.group.FollowerTimeout())
		switch {
		case errors.Is(err, coalesce.ErrWaitTimeout):
			metrics.Coalesced.WithLabelValues(string(req.Kind), "timeout").Inc()
			log.Warn("gave up waiting for in-flight request, retrying lookup")
			stale = f
			continue
		case err != nil:
			metrics.Coalesced.WithLabelValues(string(req.Kind), "cancelled").Inc()
			return Result{Key: key}, err
		case !ok:
			metrics.Coalesced.WithLabelValues(string(req.Kind), "no_result").Inc()
			return Result{Key: key}, ErrLeaderFailed
		default:
			metrics.Coalesced.WithLabelValues(string(req.Kind), "value").Inc()
			c.local.Set(key, v)
			return Result{Key: key, Value: v, Source: SourceCoalesced}, nil
		}
	}
}

// durableGet treats read errors as misses.
func (c *Cache) durableGet(ctx context.Context, key string, kind cachekey.Kind, log *slog.Logger) (string, bool) {
	if c.store == nil {
		return "", false
	}
	e, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		metrics.Lookups.WithLabelValues(metrics.TierDurable, metrics.ResultError).Inc()
		log.Warn("durable read failed, treating as miss", "backend", c.store.Name(), "error", err)
		return "", false
	case !ok:
		metrics.Lookups.WithLabelValues(metrics.TierDurable, metrics.ResultMiss).Inc()
		return "", false
	}
	metrics.Lookups.WithLabelValues(metrics.TierDurable, metrics.ResultHit).Inc()
	if e.TokensCost > 0 {
		metrics.TokensSaved.WithLabelValues(string(kind)).Add(float64(e.TokensCost))
	}
	return e.Value, true
}

type outcome struct {
	res Result
	err error
}

func (c *Cache) lead(ctx context.Context, f *coalesce.Flight, key string, req Request, compute upstream.Func, log *slog.Logger) (Result, error) {
	done := make(chan outcome, 1)
	work := context.WithoutCancel(ctx)

	go func() {
		metrics.InFlight.Inc()
		defer metrics.InFlight.Dec()
		// No-op after a successful publish.
		defer c.group.Publish(f, "", false)

		res, err := c.call(work, req.Kind, compute)
		if err != nil {
			log.Debug("upstream call failed", "error", err)
			done <- outcome{res: Result{Key: key}, err: err}
			return
		}

		c.local.Set(key, res.Value)
		c.writeBack(work, key, req, res, log)
		c.group.Publish(f, res.Value, true)
		done <- outcome{res: Result{Key: key, Value: res.Value, Source: SourceUpstream}}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{Key: key}, ctx.Err()
	}
}

// call runs compute through the caller, turning a panic into a provider
// error. The leader goroutine is detached from any request recoverer.
func (c *Cache) call(ctx context.Context, kind cachekey.Kind, compute upstream.Func) (res upstream.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("upstream call panicked", "kind", kind, "panic", r, "stack", string(debug.Stack()))
			err = upstream.ProviderError("", 0, fmt.Errorf("%s upstream panicked: %v", kind, r))
		}
	}()
	return c.caller.Call(ctx, kind, compute)
}

// writeBack persists a fresh value, retrying contention. Giving up is logged
// and swallowed; the local tier already holds the value.
func (c *Cache) writeBack(ctx context.Context, key string, req Request, res upstream.Result, log *slog.Logger) {
	if c.store == nil {
		return
	}
	meta := req.Meta
	if meta.Kind == "" {
		meta.Kind = req.Kind
	}
	if meta.EntityID == nil {
		meta.EntityID = req.EntityID
	}
	if meta.Provider == "" {
		meta.Provider = res.Provider
	}
	if meta.Tokens == 0 {
		meta.Tokens = res.Tokens
	}

	backend := c.store.Name()
	err := backoff.Retry(ctx, c.writePolicy,
		func(err error) backoff.Decision {
			return backoff.Decision{Retry: errors.Is(err, store.ErrContention)}
		},
		func(attempt int, err error, wait time.Duration) {
			metrics.StoreWriteRetries.WithLabelValues(backend).Inc()
			log.Debug("durable write contended, retrying", "backend", backend, "attempt", attempt, "wait", wait, "error", err)
		},
		func(ctx context.Context) error {
			return c.store.Put(ctx, key, res.Value, meta)
		},
	)
	if err != nil {
		metrics.StoreWritesAbandoned.WithLabelValues(backend).Inc()
		log.Warn("durable write-back abandoned", "backend", backend, "error", err)
	}
}

// Stats is the admin view of the cache.
type Stats struct {
	Mode         store.Mode   `json:"mode"`
	LocalEntries int          `json:"local_entries"`
	InFlight     int          `json:"in_flight"`
	Durable      *store.Stats `json:"durable,omitempty"`
}

// Stats reports local size, in-flight count and durable store totals.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Mode: c.mode, LocalEntries: c.local.Len(), InFlight: c.group.InFlight()}
	if c.store == nil {
		return st, nil
	}
	ds, err := c.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Durable = &ds
	return st, nil
}

// List returns durable entries of kind (all kinds when empty).
func (c *Cache) List(ctx context.Context, kind cachekey.Kind) ([]store.Entry, error) {
	if c.store == nil {
		return nil, ErrCacheDisabled
	}
	return c.store.List(ctx, kind)
}

// Clear empties the disposable store and the local tier. The shared store
// refuses with store.ErrClearUnsupported and nothing is cleared.
func (c *Cache) Clear(ctx context.Context) error {
	if c.store == nil {
		return ErrCacheDisabled
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.local.Clear()
	return nil
}

// InFlight returns the number of tracked in-flight requests.
func (c *Cache) InFlight() int { return c.group.InFlight() }

// Close releases the durable store.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
