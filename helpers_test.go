package examcache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/examcache/internal/backoff"
	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/coalesce"
	"github.com/ferro-labs/examcache/internal/store"
	"github.com/ferro-labs/examcache/internal/upstream"
	"github.com/ferro-labs/examcache/providers"
)

// fakeStore is an in-memory store.Store with injectable failures.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]store.Entry
	puts    int
	getErr  error
	// putErrs is consumed one error per Put; nil entries succeed.
	putErrs []error
	putAll  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]store.Entry)}
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	e, ok := f.entries[key]
	if !ok {
		return nil, false, nil
	}
	e.HitCount++
	f.entries[key] = e
	return &e, true, nil
}

func (f *fakeStore) Put(_ context.Context, key, value string, meta store.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putAll != nil {
		return f.putAll
	}
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return err
		}
	}
	f.entries[key] = store.Entry{Key: key, Value: value, Kind: meta.Kind, Provider: meta.Provider, TokensCost: meta.Tokens}
	return nil
}

func (f *fakeStore) Stats(context.Context) (store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Stats{Backend: "fake", Count: int64(len(f.entries))}, nil
}

func (f *fakeStore) List(context.Context, cachekey.Kind) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]store.Entry)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

// countingFunc returns an upstream.Func that counts invocations.
type countingFunc struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, ctx context.Context) (upstream.Result, error)
}

func (c *countingFunc) Func() upstream.Func {
	return func(ctx context.Context) (upstream.Result, error) {
		c.mu.Lock()
		c.calls++
		n := c.calls
		c.mu.Unlock()
		return c.fn(n, ctx)
	}
}

func (c *countingFunc) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func value(v string) func(int, context.Context) (upstream.Result, error) {
	return func(int, context.Context) (upstream.Result, error) {
		return upstream.Result{Value: v, Provider: "test", Tokens: 10}, nil
	}
}

func newTestCache(t *testing.T, s store.Store, opts coalesce.Options) *Cache {
	t.Helper()
	mode := store.ModeDisposable
	if s == nil {
		s = store.NewFileStore(filepath.Join(t.TempDir(), "cache.json"), nil)
	}
	return New(Deps{
		Mode:        mode,
		Store:       s,
		Group:       coalesce.New(opts),
		Caller:      upstream.NewCaller(upstream.Options{Policy: backoff.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}}),
		WritePolicy: backoff.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
}

func explanationRequest(id int64) Request {
	return Request{
		Kind:     cachekey.KindExplanation,
		EntityID: cachekey.ID(id),
		Attrs: cachekey.Attrs{
			cachekey.AttrSection: "main",
			cachekey.AttrOption:  "B",
			cachekey.AttrCorrect: cachekey.Bool(true),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
	delay time.Duration
}

func (g *fakeGenerator) Name() string { return "fake-gen" }

func (g *fakeGenerator) Generate(ctx context.Context, _ providers.GenerateRequest) (*providers.Generation, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return &providers.Generation{Text: g.text, Provider: "fake-gen", TotalTokens: 42}, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTranslator) Name() string { return "fake-tr" }

func (f *fakeTranslator) Translate(_ context.Context, req providers.TranslateRequest) (*providers.Translation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Translation{Text: "[" + req.Target + "] " + req.Text, Provider: "fake-tr", Characters: int64(len(req.Text))}, nil
}

func (f *fakeTranslator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
