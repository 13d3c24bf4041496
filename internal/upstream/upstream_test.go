package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferro-labs/examcache/internal/backoff"
	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/circuitbreaker"
)

func fastPolicy(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestCallSuccess(t *testing.T) {
	c := NewCaller(Options{Policy: fastPolicy(3)})
	res, err := c.Call(context.Background(), cachekey.KindTranslation, func(context.Context) (Result, error) {
		return Result{Value: "Hallo", Provider: "test", Tokens: 3}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != "Hallo" || res.Provider != "test" || res.Tokens != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCallRetriesRateLimit(t *testing.T) {
	var calls int32
	c := NewCaller(Options{Policy: fastPolicy(3)})
	res, err := c.Call(context.Background(), cachekey.KindExplanation, func(context.Context) (Result, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Result{}, RateLimited("test", 0, errors.New("slow down"))
		}
		return Result{Value: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected success on third attempt, got %+v after %d calls", res, calls)
	}
}

func TestCallRateLimitExhaustedBecomesProviderError(t *testing.T) {
	var calls int32
	c := NewCaller(Options{Policy: fastPolicy(3)})
	_, err := c.Call(context.Background(), cachekey.KindExplanation, func(context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{}, RateLimited("test", 0, errors.New("429"))
	})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider after exhaustion, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected exhaustion to wrap the rate-limit error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestCallDoesNotRetryOtherErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"provider error", ProviderError("test", 500, errors.New("boom")), ErrProvider},
		{"plain error", errors.New("bad request"), ErrProvider},
		{"timeout", Timeout("test", errors.New("slow")), ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := NewCaller(Options{Policy: fastPolicy(5)})
			_, err := c.Call(context.Background(), cachekey.KindTranslation, func(context.Context) (Result, error) {
				atomic.AddInt32(&calls, 1)
				return Result{}, tt.err
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if atomic.LoadInt32(&calls) != 1 {
				t.Fatalf("expected a single attempt, got %d", calls)
			}
		})
	}
}

func TestCallHonoursRetryAfter(t *testing.T) {
	var (
		calls int32
		first time.Time
		gap   time.Duration
	)
	c := NewCaller(Options{Policy: backoff.Policy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond}})
	_, err := c.Call(context.Background(), cachekey.KindTranslation, func(context.Context) (Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			first = time.Now()
			return Result{}, RateLimited("test", 80*time.Millisecond, nil)
		}
		gap = time.Since(first)
		return Result{Value: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gap < 70*time.Millisecond {
		t.Fatalf("expected retry to wait for Retry-After, waited %s", gap)
	}
}

func TestCallAttemptTimeout(t *testing.T) {
	var calls int32
	c := NewCaller(Options{Policy: fastPolicy(3), Timeout: 20 * time.Millisecond})
	_, err := c.Call(context.Background(), cachekey.KindExplanation, func(ctx context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("timeouts must not be retried, got %d attempts", calls)
	}
}

func TestCallCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCaller(Options{Policy: fastPolicy(3), RequestsPerSecond: 0.001})
	// Drain the single burst token so the next Wait observes the cancelled context.
	_, _ = c.Call(context.Background(), cachekey.KindTranslation, func(context.Context) (Result, error) {
		return Result{Value: "x"}, nil
	})
	_, err := c.Call(ctx, cachekey.KindTranslation, func(context.Context) (Result, error) {
		t.Fatal("fn must not run once the caller gave up")
		return Result{}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCallBreakerFailsFast(t *testing.T) {
	var calls int32
	c := NewCaller(Options{
		Policy:  fastPolicy(1),
		Breaker: circuitbreaker.Options{Threshold: 2, Cooldown: time.Minute},
	})
	failing := func(context.Context) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{}, ProviderError("test", 500, errors.New("down"))
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Call(context.Background(), cachekey.KindTranslation, failing); !errors.Is(err, ErrProvider) {
			t.Fatalf("call %d: expected provider error, got %v", i, err)
		}
	}
	_, err := c.Call(context.Background(), cachekey.KindTranslation, failing)
	if !errors.Is(err, circuitbreaker.ErrOpen) || !errors.Is(err, ErrProvider) {
		t.Fatalf("expected open circuit reported as provider error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("open breaker must not reach upstream, calls=%d", n)
	}

	// Other kinds keep their own breaker.
	if _, err := c.Call(context.Background(), cachekey.KindExplanation, func(context.Context) (Result, error) {
		return Result{Value: "ok"}, nil
	}); err != nil {
		t.Fatalf("explanation calls should be unaffected: %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if err := Classify(context.DeadlineExceeded); !errors.Is(err, ErrTimeout) {
		t.Fatalf("deadline should classify as timeout, got %v", err)
	}
	if err := Classify(errors.New("x")); !errors.Is(err, ErrProvider) {
		t.Fatalf("unknown error should classify as provider error, got %v", err)
	}
	rl := RateLimited("p", time.Second, nil)
	if err := Classify(rl); err != rl {
		t.Fatalf("classified errors should pass through unchanged")
	}
	if err := Classify(context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, ErrProvider) {
		t.Fatalf("cancellation should pass through, got %v", err)
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := ProviderError("openai", 503, cause)
	if !errors.Is(err, ErrProvider) || !errors.Is(err, cause) {
		t.Fatalf("expected error to match kind and cause: %v", err)
	}
	var ue *Error
	if !errors.As(err, &ue) || ue.StatusCode != 503 || ue.Provider != "openai" {
		t.Fatalf("expected *Error detail, got %+v", ue)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"5", 5 * time.Second, true},
		{"0.5", 500 * time.Millisecond, true},
		{"1.5s", 1500 * time.Millisecond, true},
		{"Rate limit reached. Please try again in 350ms.", 350 * time.Millisecond, true},
		{"Rate limit reached for gpt-4o. Please try again in 1.5s. Visit ...", 1500 * time.Millisecond, true},
		{"Too many requests, retry after 20 seconds.", 20 * time.Second, true},
		{"try again in 6m0s", 6 * time.Minute, true},
		{"retry after 2 minutes", 2 * time.Minute, true},
		{"", 0, false},
		{"-3", 0, false},
		{"NaN", 0, false},
		{"quota exceeded", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = (%s, %v), want (%s, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	when := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	got, ok := ParseRetryAfter(when)
	if !ok {
		t.Fatalf("expected HTTP-date to parse")
	}
	if got <= 0 || got > 11*time.Second {
		t.Fatalf("unexpected wait %s", got)
	}
}

func TestStatus(t *testing.T) {
	tests := map[string]error{
		"success":        nil,
		"rate_limited":   RateLimited("p", 0, nil),
		"provider_error": ProviderError("p", 0, RateLimited("p", 0, nil)),
		"timeout":        Timeout("p", nil),
		"cancelled":      context.Canceled,
	}
	for want, err := range tests {
		if got := Status(err); got != want {
			t.Errorf("Status(%v) = %q, want %q", err, got, want)
		}
	}
}
