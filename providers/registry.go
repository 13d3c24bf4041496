package providers

import (
	"context"
	"fmt"
	"strings"
)

// Config describes one configured provider.
type Config struct {
	// Type is openai or bedrock for generators, google or llm for translators.
	Type    string `json:"type" yaml:"type"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Region is the AWS region for bedrock.
	Region      string  `json:"region,omitempty" yaml:"region,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Provider type names.
const (
	TypeOpenAI  = "openai"
	TypeBedrock = "bedrock"
	TypeGoogle  = "google"
	TypeLLM     = "llm"
)

// NewGenerator builds the explanation generator named by cfg.Type.
func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeOpenAI:
		g, err := NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	case TypeBedrock:
		g, err := NewBedrock(ctx, BedrockOptions{
			Region:      cfg.Region,
			Model:       cfg.Model,
			Credentials: cfg.APIKey,
			Endpoint:    cfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generator type: %q", cfg.Type)
	}
}

// NewTranslator builds the translator named by cfg.Type. The llm type
// translates through gen, which must then be non-nil.
func NewTranslator(ctx context.Context, cfg Config, gen Generator) (Translator, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeGoogle:
		t, err := NewGoogleTranslator(ctx, GoogleOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
		if err != nil {
			return nil, err
		}
		return t, nil
	case TypeLLM:
		if gen == nil {
			return nil, fmt.Errorf("llm translator requires a generator")
		}
		return NewLLMTranslator(gen, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown translator type: %q", cfg.Type)
	}
}
