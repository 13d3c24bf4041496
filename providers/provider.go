// Package providers implements the upstream backends behind the cache:
// explanation generators (OpenAI, AWS Bedrock) and translators (Google Cloud
// Translation, or any Generator prompted to translate).
//
// Providers report failures as upstream errors (upstream.RateLimited,
// upstream.Timeout, upstream.ProviderError) and never retry on their own;
// retries belong to upstream.Caller.
package providers

import (
	"context"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Generator produces natural-language text from a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
}

// Translator translates text between languages.
type Translator interface {
	Name() string
	Translate(ctx context.Context, req TranslateRequest) (*Translation, error)
}

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	// Model overrides the provider's configured model when set.
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	// Temperature is passed through when positive.
	Temperature float64
}

// Generation is a generator's response.
type Generation struct {
	Text     string
	Model    string
	Provider string
	// TotalTokens is prompt plus completion tokens as billed.
	TotalTokens int64
}

// TranslateRequest asks for Text to be translated from Source to Target.
// Source may be empty to let the provider detect it.
type TranslateRequest struct {
	Text   string
	Source string
	Target string
}

// Translation is a translator's response.
type Translation struct {
	Text     string
	Provider string
	// Characters is the billed size of the request.
	Characters int64
}
