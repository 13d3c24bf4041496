package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/examcache"
	"github.com/ferro-labs/examcache/internal/admin"
	"github.com/ferro-labs/examcache/internal/logging"
	"github.com/ferro-labs/examcache/internal/version"
	"github.com/ferro-labs/examcache/providers"
)

const maxBodyBytes = 1 << 20

type server struct {
	cache      *examcache.Cache
	explainer  *examcache.Explainer
	translator *examcache.TranslationService
	adminToken string
}

func newServer(c *examcache.Cache, gen providers.Generator, tr providers.Translator, cfg examcache.Config) *server {
	ex := cfg.Providers.Explanation
	return &server{
		cache: c,
		explainer: examcache.NewExplainer(c, gen, examcache.ExplainerOptions{
			Model:       ex.Model,
			MaxTokens:   ex.MaxTokens,
			Temperature: ex.Temperature,
		}),
		translator: examcache.NewTranslationService(c, tr, 0),
		adminToken: cfg.Server.AdminToken,
	}
}

// newRouter builds the HTTP router.
func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/explanations", s.explain)
	r.Post("/v1/translations", s.translate)

	adminHandlers := &admin.Handlers{Cache: s.cache}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(s.adminToken))
		r.Mount("/", adminHandlers.Routes())
	})
	return r
}

type explainBody struct {
	QuestionID *int64            `json:"question_id"`
	Question   string            `json:"question"`
	Options    map[string]string `json:"options"`
	Option     string            `json:"option"`
	Correct    bool              `json:"correct"`
	Section    string            `json:"section"`
	Language   string            `json:"language"`
}

func (s *server) explain(w http.ResponseWriter, r *http.Request) {
	var body explainBody
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Question) == "" || strings.TrimSpace(body.Option) == "" {
		admin.WriteError(w, http.StatusBadRequest, "question and option are required", "invalid_request_error", "invalid_request")
		return
	}

	text, err := s.explainer.Explain(r.Context(), examcache.ExplainRequest{
		QuestionID: body.QuestionID,
		Question:   body.Question,
		Options:    body.Options,
		Option:     body.Option,
		Correct:    body.Correct,
		Section:    body.Section,
		Language:   body.Language,
	})
	if err != nil {
		if r.Context().Err() != nil {
			// client went away
			return
		}
		admin.WriteError(w, http.StatusBadGateway, err.Error(), "upstream_error", "generation_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"explanation": text})
}

type translateBody struct {
	EntityID *int64            `json:"entity_id"`
	Field    string            `json:"field"`
	Text     string            `json:"text"`
	Fields   map[string]string `json:"fields"`
	Source   string            `json:"source"`
	Target   string            `json:"target"`
}

// translate always answers 200; failed translations come back as the
// source text.
func (s *server) translate(w http.ResponseWriter, r *http.Request) {
	var body translateBody
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Target) == "" {
		admin.WriteError(w, http.StatusBadRequest, "target is required", "invalid_request_error", "invalid_request")
		return
	}

	if len(body.Fields) > 0 {
		out := s.translator.TranslateFields(r.Context(), body.EntityID, body.Fields, body.Source, body.Target)
		writeJSON(w, http.StatusOK, map[string]interface{}{"fields": out})
		return
	}
	text := s.translator.Translate(r.Context(), examcache.TranslateRequest{
		EntityID: body.EntityID,
		Field:    body.Field,
		Text:     body.Text,
		Source:   body.Source,
		Target:   body.Target,
	})
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		admin.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_request")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
