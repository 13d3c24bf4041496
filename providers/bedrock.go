package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ferro-labs/examcache/internal/upstream"
)

const defaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// BedrockGenerator generates explanations with Anthropic Claude models on AWS
// Bedrock through the InvokeModel API.
type BedrockGenerator struct {
	Base
	client *bedrockruntime.Client
	region string
}

// BedrockOptions configures NewBedrock.
type BedrockOptions struct {
	// Region defaults to us-east-1.
	Region string
	Model  string
	// Credentials is "ACCESS_KEY_ID:SECRET_ACCESS_KEY"; empty uses the
	// default AWS credential chain.
	Credentials string
	// Endpoint overrides the Bedrock runtime endpoint.
	Endpoint string
}

// NewBedrock creates a Bedrock generator.
func NewBedrock(ctx context.Context, opts BedrockOptions) (*BedrockGenerator, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	model := opts.Model
	if model == "" {
		model = defaultBedrockModel
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// upstream.Caller owns retries.
		config.WithRetryMaxAttempts(1),
	}
	if opts.Credentials != "" {
		id, secret, ok := strings.Cut(opts.Credentials, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("bedrock: credentials must be ACCESS_KEY_ID:SECRET_ACCESS_KEY")
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	baseURL := opts.Endpoint
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	return &BedrockGenerator{
		Base:   Base{name: "bedrock", baseURL: baseURL, model: model},
		client: client,
		region: region,
	}, nil
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	System           string           `json:"system,omitempty"`
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Generate invokes an Anthropic model on Bedrock.
func (p *BedrockGenerator) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	model := p.modelFor(req.Model)
	if !strings.HasPrefix(model, "anthropic.") && !strings.Contains(model, ".anthropic.") {
		return nil, upstream.ProviderError(p.name, 0, fmt.Errorf("unsupported Bedrock model %q: only Anthropic models are supported", model))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []bedrockMessage{{Role: RoleUser, Content: req.Prompt}},
		System:           req.System,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, p.classify(err)
	}

	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, upstream.ProviderError(p.name, 0, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return &Generation{
		Text:        text.String(),
		Model:       resp.Model,
		Provider:    p.name,
		TotalTokens: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

func (p *BedrockGenerator) classify(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return upstream.RateLimited(p.name, 0, err)
	}
	var modelTimeout *types.ModelTimeoutException
	if errors.As(err, &modelTimeout) {
		return upstream.Timeout(p.name, err)
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); code {
		case http.StatusTooManyRequests:
			return upstream.RateLimited(p.name, 0, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return upstream.Timeout(p.name, err)
		default:
			return upstream.ProviderError(p.name, code, err)
		}
	}
	return upstream.Classify(err)
}

// Region returns the AWS region the client signs for.
func (p *BedrockGenerator) Region() string { return p.region }
