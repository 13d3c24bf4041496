package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ferro-labs/examcache/internal/upstream"
)

const (
	googleTranslateBaseURL = "https://translation.googleapis.com/language/translate/v2"
	googleTranslateScope   = "https://www.googleapis.com/auth/cloud-translation"
)

// GoogleTranslator calls the Cloud Translation v2 REST API.
type GoogleTranslator struct {
	Base
	httpClient *http.Client
}

// GoogleOptions configures NewGoogleTranslator.
type GoogleOptions struct {
	// APIKey authenticates with a key; when empty, Application Default
	// Credentials are used through an OAuth2 token source.
	APIKey  string
	BaseURL string
	// HTTPClient overrides the transport; it is used as-is, so it must
	// carry its own credentials when APIKey is empty.
	HTTPClient *http.Client
}

// NewGoogleTranslator creates a Cloud Translation client.
func NewGoogleTranslator(ctx context.Context, opts GoogleOptions) (*GoogleTranslator, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = googleTranslateBaseURL
	}

	client := opts.HTTPClient
	if client == nil {
		if opts.APIKey != "" {
			client = http.DefaultClient
		} else {
			ts, err := google.DefaultTokenSource(ctx, googleTranslateScope)
			if err != nil {
				return nil, fmt.Errorf("google translate: no api key and no default credentials: %w", err)
			}
			client = oauth2.NewClient(ctx, ts)
		}
	}

	return &GoogleTranslator{
		Base:       Base{name: "google", apiKey: opts.APIKey, baseURL: baseURL},
		httpClient: client,
	}, nil
}

type googleTranslateRequest struct {
	Q      []string `json:"q"`
	Target string   `json:"target"`
	Source string   `json:"source,omitempty"`
	Format string   `json:"format"`
}

type googleTranslateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage"`
		} `json:"translations"`
	} `json:"data"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Translate translates one text.
func (p *GoogleTranslator) Translate(ctx context.Context, req TranslateRequest) (*Translation, error) {
	body, err := json.Marshal(googleTranslateRequest{
		Q:      []string{req.Text},
		Target: req.Target,
		Source: req.Source,
		Format: "text",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := p.baseURL
	if p.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(p.apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, upstream.Classify(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, upstream.Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp, data)
	}

	var out googleTranslateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, upstream.ProviderError(p.name, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(out.Data.Translations) == 0 {
		return nil, upstream.ProviderError(p.name, resp.StatusCode, errors.New("google translate: empty translations"))
	}
	return &Translation{
		Text:       out.Data.Translations[0].TranslatedText,
		Provider:   p.name,
		Characters: int64(len([]rune(req.Text))),
	}, nil
}

func (p *GoogleTranslator) statusError(resp *http.Response, data []byte) error {
	msg := strings.TrimSpace(string(data))
	var ge googleErrorResponse
	if json.Unmarshal(data, &ge) == nil && ge.Error.Message != "" {
		msg = ge.Error.Message
	}
	err := fmt.Errorf("google translate: %s", msg)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		wait, ok := upstream.ParseRetryAfter(resp.Header.Get("Retry-After"))
		if !ok {
			wait, _ = upstream.ParseRetryAfter(msg)
		}
		return upstream.RateLimited(p.name, wait, err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return upstream.Timeout(p.name, err)
	default:
		return upstream.ProviderError(p.name, resp.StatusCode, err)
	}
}
