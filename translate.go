package examcache

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/logging"
	"github.com/ferro-labs/examcache/internal/store"
	"github.com/ferro-labs/examcache/providers"
)

// TranslateRequest asks for one field of an entity to be translated.
type TranslateRequest struct {
	// EntityID is the owning question or explanation; nil disables reuse.
	EntityID *int64
	// Field names the translated attribute, e.g. "question_text" or "option_a".
	Field  string
	Text   string
	Source string
	Target string
}

// DefaultTranslateConcurrency bounds TranslateFields fan-out.
const DefaultTranslateConcurrency = 4

// TranslationService produces cached translations. Failures never reach the
// caller: the source text is returned instead.
type TranslationService struct {
	cache       *Cache
	tr          providers.Translator
	concurrency int
	logger      *slog.Logger
}

// NewTranslationService creates a TranslationService resolving through c.
// concurrency <= 0 means DefaultTranslateConcurrency.
func NewTranslationService(c *Cache, tr providers.Translator, concurrency int) *TranslationService {
	if concurrency <= 0 {
		concurrency = DefaultTranslateConcurrency
	}
	return &TranslationService{
		cache:       c,
		tr:          tr,
		concurrency: concurrency,
		logger:      c.logger.With("component", "translator"),
	}
}

// Translate returns req.Text in req.Target. Empty text and same-language
// requests return immediately without touching the cache.
func (s *TranslationService) Translate(ctx context.Context, req TranslateRequest) string {
	source := normalizeLang(req.Source)
	target := normalizeLang(req.Target)
	if strings.TrimSpace(req.Text) == "" || target == "" || source == target {
		return req.Text
	}

	res, err := s.cache.Resolve(ctx, Request{
		Kind:     cachekey.KindTranslation,
		EntityID: req.EntityID,
		Attrs: cachekey.Attrs{
			cachekey.AttrField: req.Field,
			cachekey.AttrLang:  target,
		},
		Meta: store.Metadata{Field: req.Field, Language: target},
	}, providers.TranslateFunc(s.tr, providers.TranslateRequest{
		Text:   req.Text,
		Source: source,
		Target: target,
	}))
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("translation failed, returning source text",
			"key", res.Key, "field", req.Field, "target", target, "error", err)
		return req.Text
	}
	return res.Value
}

// TranslateFields translates every field of one entity concurrently and
// returns the results keyed like fields.
func (s *TranslationService) TranslateFields(ctx context.Context, entityID *int64, fields map[string]string, source, target string) map[string]string {
	out := make(map[string]string, len(fields))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for field, text := range fields {
		g.Go(func() error {
			v := s.Translate(ctx, TranslateRequest{
				EntityID: entityID,
				Field:    field,
				Text:     text,
				Source:   source,
				Target:   target,
			})
			mu.Lock()
			out[field] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
