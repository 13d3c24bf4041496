package providers

import (
	"context"
	"fmt"
	"strings"
)

// LLMTranslator translates by prompting a Generator.
type LLMTranslator struct {
	gen       Generator
	maxTokens int
}

// NewLLMTranslator wraps gen. maxTokens bounds each translation (default 1024).
func NewLLMTranslator(gen Generator, maxTokens int) *LLMTranslator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMTranslator{gen: gen, maxTokens: maxTokens}
}

// Name reports the wrapped generator, e.g. "llm:openai".
func (t *LLMTranslator) Name() string { return "llm:" + t.gen.Name() }

const translateSystemPrompt = "You are a professional translator for exam preparation material. " +
	"Translate faithfully, keep formatting, numbers and option letters unchanged, " +
	"and reply with the translation only."

// Translate implements Translator.
func (t *LLMTranslator) Translate(ctx context.Context, req TranslateRequest) (*Translation, error) {
	source := req.Source
	if source == "" {
		source = "the detected source language"
	}
	prompt := fmt.Sprintf("Translate the following text from %s to %s.\n\n%s", source, req.Target, req.Text)

	out, err := t.gen.Generate(ctx, GenerateRequest{
		System:    translateSystemPrompt,
		Prompt:    prompt,
		MaxTokens: t.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &Translation{
		Text:       strings.TrimSpace(out.Text),
		Provider:   t.Name(),
		Characters: int64(len([]rune(req.Text))),
	}, nil
}
