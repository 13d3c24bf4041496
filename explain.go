package examcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/logging"
	"github.com/ferro-labs/examcache/internal/store"
	"github.com/ferro-labs/examcache/providers"
)

// ErrGenerationFailed is returned when no explanation could be produced.
// Explanations have no safe fallback, so the failure is always surfaced.
var ErrGenerationFailed = errors.New("examcache: explanation generation failed")

// ExplainRequest asks why an answer option is right or wrong.
type ExplainRequest struct {
	// QuestionID is the stable question identity; nil disables reuse.
	QuestionID *int64
	Question   string
	// Options maps option letters to their text.
	Options map[string]string
	// Option is the letter being explained.
	Option  string
	Correct bool
	// Section names the part of the explanation, e.g. "main" or "hint".
	Section string
	// Language is the language to answer in; empty means English.
	Language string
}

// ExplainerOptions tunes generation.
type ExplainerOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

// Explainer produces cached answer explanations.
type Explainer struct {
	cache  *Cache
	gen    providers.Generator
	opts   ExplainerOptions
	logger *slog.Logger
}

// NewExplainer creates an Explainer resolving through c.
func NewExplainer(c *Cache, gen providers.Generator, opts ExplainerOptions) *Explainer {
	logger := opts.Logger
	if logger == nil {
		logger = c.logger
	}
	return &Explainer{cache: c, gen: gen, opts: opts, logger: logger.With("component", "explainer")}
}

const explainSystemPrompt = "You are a patient tutor helping students prepare for a multiple-choice exam. " +
	"Explain concisely and accurately, without restating the whole question."

// Explain returns the explanation for req, generating it at most once per
// question variant and process.
func (e *Explainer) Explain(ctx context.Context, req ExplainRequest) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", fmt.Errorf("%w: question text is required", ErrGenerationFailed)
	}
	option := strings.ToUpper(strings.TrimSpace(req.Option))
	section := strings.ToLower(strings.TrimSpace(req.Section))
	lang := normalizeLang(req.Language)

	attrs := cachekey.Attrs{
		cachekey.AttrSection: section,
		cachekey.AttrOption:  option,
		cachekey.AttrCorrect: cachekey.Bool(req.Correct),
	}
	if lang != "" && lang != "en" {
		attrs[cachekey.AttrLang] = lang
	}
	correct := req.Correct

	compute := providers.GenerateFunc(e.gen, providers.GenerateRequest{
		Model:       e.opts.Model,
		System:      explainSystemPrompt,
		Prompt:      explainPrompt(req, option, lang),
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	})
	res, err := e.cache.Resolve(ctx, Request{
		Kind:     cachekey.KindExplanation,
		EntityID: req.QuestionID,
		Attrs:    attrs,
		Meta: store.Metadata{
			Field:    section,
			Option:   option,
			Correct:  &correct,
			Language: lang,
		},
	}, compute)
	if err != nil {
		logging.FromContext(ctx, e.logger).Warn("explanation failed", "key", res.Key, "error", err)
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return res.Value, nil
}

func explainPrompt(req ExplainRequest, option, lang string) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(strings.TrimSpace(req.Question))
	b.WriteString("\n\nOptions:\n")

	letters := make([]string, 0, len(req.Options))
	for l := range req.Options {
		letters = append(letters, l)
	}
	sort.Strings(letters)
	for _, l := range letters {
		fmt.Fprintf(&b, "%s) %s\n", strings.ToUpper(l), strings.TrimSpace(req.Options[l]))
	}

	verdict := "incorrect"
	if req.Correct {
		verdict = "correct"
	}
	fmt.Fprintf(&b, "\nExplain why option %s is %s.", option, verdict)
	if req.Section != "" {
		fmt.Fprintf(&b, " Focus on the %s.", req.Section)
	}
	if lang != "" && lang != "en" {
		fmt.Fprintf(&b, " Answer in the language with code %q.", lang)
	}
	return b.String()
}

func normalizeLang(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
