// Package admin provides HTTP handlers for cache administration.
// Routes expose tier statistics, durable entry listing, clearing and the
// in-flight request count. All routes are protected by bearer-token
// authentication via AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/examcache"
	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/store"
)

// Cache is the subset of *examcache.Cache the admin API needs.
type Cache interface {
	Stats(ctx context.Context) (examcache.Stats, error)
	List(ctx context.Context, kind cachekey.Kind) ([]store.Entry, error)
	Clear(ctx context.Context) error
	InFlight() int
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Cache Cache
}

const previewLimit = 120

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cache/stats", h.stats)
	r.Get("/cache/entries", h.listEntries)
	r.Delete("/cache/entries", h.clearEntries)
	r.Get("/cache/inflight", h.inFlight)
	return r
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Cache.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load cache stats", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// entryView is the listing shape; values are previewed, not dumped.
type entryView struct {
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	Preview     string    `json:"preview"`
	Provider    string    `json:"provider,omitempty"`
	TokensCost  int64     `json:"tokens_cost"`
	HitCount    int64     `json:"hit_count"`
	TokensSaved int64     `json:"tokens_saved"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	kind := cachekey.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid kind: must be translation or explanation", "invalid_request_error", "invalid_request")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "invalid_request_error", "invalid_request")
			return
		}
		limit = n
	}

	entries, err := h.Cache.List(r.Context(), kind)
	if errors.Is(err, examcache.ErrCacheDisabled) {
		writeError(w, http.StatusConflict, err.Error(), "conflict_error", "cache_disabled")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cache entries", "server_error", "internal_error")
		return
	}

	total := len(entries)
	if limit > 0 && limit < total {
		entries = entries[:limit]
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			Key:         e.Key,
			Kind:        string(e.Kind),
			Preview:     preview(e.Value),
			Provider:    e.Provider,
			TokensCost:  e.TokensCost,
			HitCount:    e.HitCount,
			TokensSaved: e.TokensSaved,
			CreatedAt:   e.CreatedAt,
			LastUsedAt:  e.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  views,
		"total": total,
	})
}

func (h *Handlers) clearEntries(w http.ResponseWriter, r *http.Request) {
	err := h.Cache.Clear(r.Context())
	switch {
	case errors.Is(err, store.ErrClearUnsupported):
		writeError(w, http.StatusConflict, "the shared store cannot be cleared through the cache", "conflict_error", "clear_unsupported")
		return
	case errors.Is(err, examcache.ErrCacheDisabled):
		writeError(w, http.StatusConflict, err.Error(), "conflict_error", "cache_disabled")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to clear cache", "server_error", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) inFlight(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"in_flight": h.Cache.InFlight()})
}

func preview(v string) string {
	r := []rune(v)
	if len(r) <= previewLimit {
		return v
	}
	return string(r[:previewLimit]) + "..."
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
