// Package backoff implements exponential backoff with jitter and a bounded
// retry loop. It is shared by the upstream caller (rate-limit retries) and the
// durable write-back (store contention retries).
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retry timing.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Default: 3
	MaxAttempts int

	// Base is the delay before the first retry.
	// Default: 100ms
	Base time.Duration

	// Max caps the delay between attempts.
	// Default: 30s
	Max time.Duration

	// Multiplier is applied to the delay after each attempt.
	// Default: 2.0
	Multiplier float64

	// Jitter is the fraction of the delay randomised around its nominal
	// value: 0.2 yields delays in [0.8d, 1.2d]. Zero disables jitter.
	Jitter float64
}

// WithDefaults returns p with zero fields replaced by defaults.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based: attempt 1 is
// the wait after the first failure).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if p.Jitter > 0 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	return time.Duration(delay)
}

// Decision tells Retry whether an error is worth another attempt and, when
// the failing party said so, how long to wait first.
type Decision struct {
	Retry bool
	After time.Duration
}

// Classifier inspects an attempt's error.
type Classifier func(err error) Decision

// Retry runs op until it succeeds, the classifier declines to retry, the
// attempts are exhausted, or ctx is done. It returns the last error from op,
// or ctx.Err() if the context ended while waiting. onRetry, if non-nil, is
// called before each wait.
func Retry(ctx context.Context, p Policy, classify Classifier, onRetry func(attempt int, err error, wait time.Duration), op func(ctx context.Context) error) error {
	p = p.WithDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		d := classify(err)
		if !d.Retry || attempt >= p.MaxAttempts {
			break
		}

		wait := d.After
		if wait <= 0 {
			wait = p.Delay(attempt)
		}
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
