package examcache

import (
	"context"
	"errors"
	"testing"

	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/coalesce"
	"github.com/ferro-labs/examcache/internal/upstream"
)

func TestTranslate_CachedPerFieldAndLanguage(t *testing.T) {
	fs := newFakeStore()
	c := newTestCache(t, fs, coalesce.Options{})
	tr := &fakeTranslator{}
	svc := NewTranslationService(c, tr, 0)

	req := TranslateRequest{EntityID: cachekey.ID(12), Field: "question_text", Text: "Question", Source: "en", Target: "de"}
	for i := 0; i < 3; i++ {
		if got := svc.Translate(context.Background(), req); got != "[de] Question" {
			t.Fatalf("unexpected translation %q", got)
		}
	}
	if tr.Calls() != 1 {
		t.Fatalf("expected one provider call, got %d", tr.Calls())
	}
	if !fs.has("translation:12:question_text:de") {
		t.Fatal("expected translation to be written back")
	}

	req.Target = "fr"
	if got := svc.Translate(context.Background(), req); got != "[fr] Question" {
		t.Fatalf("unexpected translation %q", got)
	}
	if tr.Calls() != 2 {
		t.Fatalf("a new target language must reach the provider, calls=%d", tr.Calls())
	}
}

func TestTranslate_FailureReturnsSourceText(t *testing.T) {
	fs := newFakeStore()
	c := newTestCache(t, fs, coalesce.Options{})
	tr := &fakeTranslator{err: upstream.ProviderError("fake-tr", 403, errors.New("forbidden"))}
	svc := NewTranslationService(c, tr, 0)

	got := svc.Translate(context.Background(), TranslateRequest{EntityID: cachekey.ID(1), Field: "option_a", Text: "Oxygen", Target: "es"})
	if got != "Oxygen" {
		t.Fatalf("expected source text fallback, got %q", got)
	}
	if fs.putCount() != 0 {
		t.Fatal("fallback text must not be cached")
	}
}

func TestTranslate_ShortCircuits(t *testing.T) {
	c := newTestCache(t, newFakeStore(), coalesce.Options{})
	tr := &fakeTranslator{}
	svc := NewTranslationService(c, tr, 0)

	tests := []struct {
		name string
		req  TranslateRequest
	}{
		{"empty text", TranslateRequest{EntityID: cachekey.ID(1), Field: "f", Text: " ", Source: "en", Target: "de"}},
		{"same language", TranslateRequest{EntityID: cachekey.ID(1), Field: "f", Text: "Hallo", Source: "DE", Target: "de"}},
		{"no target", TranslateRequest{EntityID: cachekey.ID(1), Field: "f", Text: "Hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.Translate(context.Background(), tt.req); got != tt.req.Text {
				t.Fatalf("expected input back, got %q", got)
			}
		})
	}
	if tr.Calls() != 0 {
		t.Fatalf("short-circuited requests must not reach the provider, calls=%d", tr.Calls())
	}
}

func TestTranslateFields(t *testing.T) {
	c := newTestCache(t, newFakeStore(), coalesce.Options{})
	tr := &fakeTranslator{}
	svc := NewTranslationService(c, tr, 2)

	fields := map[string]string{
		"question_text": "What is H2O?",
		"option_a":      "Water",
		"option_b":      "Hydrogen",
		"option_c":      "",
	}
	got := svc.TranslateFields(context.Background(), cachekey.ID(5), fields, "en", "it")
	if len(got) != len(fields) {
		t.Fatalf("expected %d fields, got %v", len(fields), got)
	}
	if got["option_a"] != "[it] Water" || got["question_text"] != "[it] What is H2O?" {
		t.Fatalf("unexpected translations %v", got)
	}
	if got["option_c"] != "" {
		t.Fatalf("empty field should stay empty, got %q", got["option_c"])
	}
	if tr.Calls() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", tr.Calls())
	}
}
