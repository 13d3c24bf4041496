package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ferro-labs/examcache"
	"github.com/ferro-labs/examcache/internal/store"
	"github.com/ferro-labs/examcache/internal/upstream"
	"github.com/ferro-labs/examcache/providers"
)

type fakeGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(_ context.Context, req providers.GenerateRequest) (*providers.Generation, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &providers.Generation{Text: "because " + req.Model, Provider: "fake", TotalTokens: 7}, nil
}

type fakeTranslator struct {
	err error
}

func (f *fakeTranslator) Name() string { return "fake" }

func (f *fakeTranslator) Translate(_ context.Context, req providers.TranslateRequest) (*providers.Translation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Translation{Text: strings.ToUpper(req.Text), Provider: "fake"}, nil
}

func newTestServer(t *testing.T, gen providers.Generator, tr providers.Translator) http.Handler {
	t.Helper()
	cfg := examcache.Default()
	cfg.Server.AdminToken = "tok"
	cfg.Providers.Explanation.Model = "m1"
	s := store.NewFileStore(filepath.Join(t.TempDir(), "cache.json"), nil)
	c := examcache.New(examcache.Deps{Mode: store.ModeDisposable, Store: s})
	t.Cleanup(func() { _ = c.Close() })
	return newRouter(newServer(c, gen, tr, cfg))
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if strings.HasPrefix(path, "/admin") {
		req.Header.Set("Authorization", "Bearer tok")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, &fakeTranslator{})

	w := do(h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("health: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}

	w = do(h, http.MethodGet, "/version", "")
	var info map[string]string
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["version"] == "" {
		t.Fatalf("unexpected version body %v", info)
	}
}

func TestExplanations(t *testing.T) {
	gen := &fakeGenerator{}
	h := newTestServer(t, gen, &fakeTranslator{})
	body := `{"question_id":4,"question":"2+2?","options":{"a":"3","b":"4"},"option":"b","correct":true,"section":"main"}`

	for i := 0; i < 2; i++ {
		w := do(h, http.MethodPost, "/v1/explanations", body)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]string
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp["explanation"] != "because m1" {
			t.Fatalf("unexpected explanation %v", resp)
		}
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("expected one generation, got %d", gen.calls.Load())
	}
}

func TestExplanations_Errors(t *testing.T) {
	gen := &fakeGenerator{err: upstream.ProviderError("fake", 500, errors.New("boom"))}
	h := newTestServer(t, gen, &fakeTranslator{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"question":`, http.StatusBadRequest},
		{"unknown field", `{"question":"q","option":"a","bogus":1}`, http.StatusBadRequest},
		{"missing option", `{"question":"q"}`, http.StatusBadRequest},
		{"generation failed", `{"question_id":1,"question":"q","option":"a"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodPost, "/v1/explanations", tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Fatalf("expected error envelope, got %s", w.Body.String())
			}
		})
	}
}

func TestTranslations(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, &fakeTranslator{})

	w := do(h, http.MethodPost, "/v1/translations", `{"entity_id":1,"field":"question_text","text":"hello","source":"en","target":"de"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"HELLO"`) {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	w = do(h, http.MethodPost, "/v1/translations", `{"entity_id":1,"fields":{"option_a":"yes","option_b":"no"},"target":"de"}`)
	var resp struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Fields["option_a"] != "YES" || resp.Fields["option_b"] != "NO" {
		t.Fatalf("unexpected fields %v", resp.Fields)
	}

	w = do(h, http.MethodPost, "/v1/translations", `{"text":"hello"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing target should be rejected, got %d", w.Code)
	}
}

func TestTranslations_DegradeToSource(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, &fakeTranslator{err: upstream.ProviderError("fake", 403, errors.New("quota"))})
	w := do(h, http.MethodPost, "/v1/translations", `{"entity_id":2,"field":"option_a","text":"hello","target":"fr"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"hello"`) {
		t.Fatalf("expected source text with 200, got %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsAndAdmin(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, &fakeTranslator{})
	_ = do(h, http.MethodPost, "/v1/translations", `{"entity_id":3,"field":"f","text":"x","target":"es"}`)

	w := do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "examcache_lookups_total") {
		t.Fatalf("metrics missing cache collectors: %d", w.Code)
	}

	w = do(h, http.MethodGet, "/admin/cache/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"local_entries":1`) {
		t.Fatalf("unexpected admin stats %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin without token should be 401, got %d", rec.Code)
	}
}

func TestApplyEnvKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("GOOGLE_TRANSLATE_API_KEY", "g-env")
	t.Setenv("EXAMCACHE_ADMIN_TOKEN", "admin-env")

	cfg := examcache.Default()
	cfg.Providers.Translation.APIKey = "from-config"
	applyEnvKeys(&cfg)

	if cfg.Providers.Explanation.APIKey != "sk-env" {
		t.Errorf("openai key = %q", cfg.Providers.Explanation.APIKey)
	}
	if cfg.Providers.Translation.APIKey != "from-config" {
		t.Errorf("configured key should win, got %q", cfg.Providers.Translation.APIKey)
	}
	if cfg.Server.AdminToken != "admin-env" {
		t.Errorf("admin token = %q", cfg.Server.AdminToken)
	}
}
