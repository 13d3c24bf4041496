package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/ferro-labs/examcache/internal/upstream"
)

// GenerateFunc adapts one generation into an upstream.Func. Blank output is
// reported as a provider error so it is never cached.
func GenerateFunc(g Generator, req GenerateRequest) upstream.Func {
	return func(ctx context.Context) (upstream.Result, error) {
		out, err := g.Generate(ctx, req)
		if err != nil {
			return upstream.Result{}, err
		}
		text := strings.TrimSpace(out.Text)
		if text == "" {
			return upstream.Result{}, upstream.ProviderError(g.Name(), 0, errors.New("empty generation"))
		}
		provider := out.Provider
		if provider == "" {
			provider = g.Name()
		}
		return upstream.Result{Value: text, Provider: provider, Tokens: out.TotalTokens}, nil
	}
}

// TranslateFunc adapts one translation into an upstream.Func. The billed
// character count is recorded as the cost.
func TranslateFunc(t Translator, req TranslateRequest) upstream.Func {
	return func(ctx context.Context) (upstream.Result, error) {
		out, err := t.Translate(ctx, req)
		if err != nil {
			return upstream.Result{}, err
		}
		if strings.TrimSpace(out.Text) == "" {
			return upstream.Result{}, upstream.ProviderError(t.Name(), 0, errors.New("empty translation"))
		}
		provider := out.Provider
		if provider == "" {
			provider = t.Name()
		}
		return upstream.Result{Value: out.Text, Provider: provider, Tokens: out.Characters}, nil
	}
}
