package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ferro-labs/examcache/internal/upstream"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIGenerator generates explanations with the OpenAI chat completions API.
type OpenAIGenerator struct {
	Base
	client openai.Client
}

// NewOpenAI creates an OpenAI generator. baseURL overrides the API endpoint
// (pass "" for the default); model is the default model for requests that do
// not name one.
func NewOpenAI(apiKey, baseURL, model string, extra ...option.RequestOption) (*OpenAIGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// upstream.Caller owns retries.
		option.WithMaxRetries(0),
	}
	resolvedBase := "https://api.openai.com/v1"
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
		resolvedBase = baseURL
	}
	opts = append(opts, extra...)
	return &OpenAIGenerator{
		Base:   Base{name: "openai", apiKey: apiKey, baseURL: resolvedBase, model: model},
		client: openai.NewClient(opts...),
	}, nil
}

// Generate sends a single-turn chat completion.
func (p *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    p.modelFor(req.Model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, upstream.ProviderError(p.name, 0, errors.New("openai: response has no choices"))
	}
	return &Generation{
		Text:        completion.Choices[0].Message.Content,
		Model:       completion.Model,
		Provider:    p.name,
		TotalTokens: completion.Usage.TotalTokens,
	}, nil
}

func (p *OpenAIGenerator) classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return upstream.Classify(err)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		// Quota exhaustion shares the status code but never clears by waiting.
		if apiErr.Code == "insufficient_quota" {
			return upstream.ProviderError(p.name, apiErr.StatusCode, err)
		}
		return upstream.RateLimited(p.name, openAIRetryAfter(apiErr), err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return upstream.Timeout(p.name, err)
	default:
		return upstream.ProviderError(p.name, apiErr.StatusCode, err)
	}
}

// openAIRetryAfter prefers the retry-after-ms header, then Retry-After, then
// the wait quoted in the error message.
func openAIRetryAfter(apiErr *openai.Error) time.Duration {
	if resp := apiErr.Response; resp != nil {
		if ms, err := strconv.ParseFloat(resp.Header.Get("Retry-After-Ms"), 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
		if d, ok := upstream.ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return d
		}
	}
	if d, ok := upstream.ParseRetryAfter(apiErr.Message); ok {
		return d
	}
	return 0
}
