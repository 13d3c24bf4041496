package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferro-labs/examcache/internal/backoff"
	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/circuitbreaker"
	"github.com/ferro-labs/examcache/internal/metrics"
	"github.com/ferro-labs/examcache/internal/ratelimit"
)

// Result is a successful upstream response.
type Result struct {
	Value    string
	Provider string
	// Tokens is the cost of producing Value, used for the saved-cost estimate.
	Tokens int64
}

// Func performs one upstream attempt.
type Func func(ctx context.Context) (Result, error)

// Options configures a Caller.
type Options struct {
	// Policy bounds the rate-limit retries.
	Policy backoff.Policy
	// Timeout applies to each attempt. Zero disables it.
	Timeout time.Duration
	// RequestsPerSecond paces attempts per kind. Zero disables pacing.
	RequestsPerSecond float64
	Burst             float64
	// Breaker fails calls fast per kind after repeated failures. A zero
	// Threshold disables it.
	Breaker circuitbreaker.Options
	Logger  *slog.Logger
}

// Caller invokes upstream functions with rate-limit retries. It never reads
// or writes any cache tier.
type Caller struct {
	policy   backoff.Policy
	timeout  time.Duration
	limiters *ratelimit.Store
	breakers *circuitbreaker.Set
	logger   *slog.Logger
}

// NewCaller creates a Caller.
func NewCaller(opts Options) *Caller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		policy:   opts.Policy.WithDefaults(),
		timeout:  opts.Timeout,
		limiters: ratelimit.NewStore(opts.RequestsPerSecond, opts.Burst),
		breakers: circuitbreaker.NewSet(opts.Breaker),
		logger:   logger.With("component", "upstream"),
	}
}

// Call runs fn until it succeeds or fails with something other than a rate
// limit. Rate-limit errors are retried with backoff, honouring the provider's
// Retry-After; once attempts are exhausted the error is reported as
// ErrProvider wrapping the last rate-limit error. While the kind's breaker is
// open Call fails immediately with ErrProvider wrapping circuitbreaker.ErrOpen.
func (c *Caller) Call(ctx context.Context, kind cachekey.Kind, fn Func) (Result, error) {
	breaker := c.breakers.Get(string(kind))
	if err := breaker.Allow(); err != nil {
		metrics.UpstreamCalls.WithLabelValues(string(kind), "unknown", "circuit_open").Inc()
		return Result{}, ProviderError("", 503, fmt.Errorf("%s upstream: %w", kind, err))
	}

	start := time.Now()
	var (
		res      Result
		attempts int
	)

	err := backoff.Retry(ctx, c.policy, retryRateLimited,
		func(attempt int, err error, wait time.Duration) {
			metrics.UpstreamRetries.WithLabelValues(string(kind), "rate_limited").Inc()
			c.logger.Warn("upstream rate limited, retrying",
				"kind", kind,
				"provider", ProviderOf(err),
				"attempt", attempt,
				"wait", wait,
			)
		},
		func(ctx context.Context) error {
			attempts++
			r, err := c.attempt(ctx, kind, fn)
			if err != nil {
				return err
			}
			res = r
			return nil
		},
	)

	provider := res.Provider
	if err != nil {
		provider = ProviderOf(err)
		if isRateLimited(err) {
			err = ProviderError(provider, 429, fmt.Errorf("rate limit persisted after %d attempts: %w", attempts, err))
		}
	}
	if provider == "" {
		provider = "unknown"
	}

	metrics.UpstreamCalls.WithLabelValues(string(kind), provider, Status(err)).Inc()
	metrics.UpstreamDuration.WithLabelValues(string(kind), provider).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Debug("upstream call failed", "kind", kind, "provider", provider, "attempts", attempts, "error", err)
		if !errors.Is(err, context.Canceled) && breaker.Failure() {
			c.logger.Warn("upstream circuit opened", "kind", kind, "provider", provider)
		}
		return Result{}, err
	}
	breaker.Success()
	return res, nil
}

func (c *Caller) attempt(ctx context.Context, kind cachekey.Kind, fn Func) (Result, error) {
	if err := c.limiters.Wait(ctx, string(kind)); err != nil {
		return Result{}, err
	}

	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	r, err := fn(actx)
	if err == nil {
		return r, nil
	}
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return Result{}, Timeout(ProviderOf(err), err)
	}
	return Result{}, Classify(err)
}

// isRateLimited excludes errors that merely wrap a rate-limit error, such as
// a timeout or an exhausted retry.
func isRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited) && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrProvider)
}

func retryRateLimited(err error) backoff.Decision {
	if isRateLimited(err) {
		return backoff.Decision{Retry: true, After: RetryAfterOf(err)}
	}
	return backoff.Decision{}
}
