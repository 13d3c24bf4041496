// Package store implements the durable tier of the response cache. Two
// backends exist: a disposable JSON file for single-process development use
// and a shared SQL table (SQLite or Postgres) for multi-process deployments.
// A process uses at most one of them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ferro-labs/examcache/internal/cachekey"
)

// Mode selects the durable backend.
type Mode string

// Supported modes.
const (
	ModeDisabled   Mode = "disabled"
	ModeDisposable Mode = "disposable"
	ModeShared     Mode = "shared"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDisabled, ModeDisposable, ModeShared:
		return true
	}
	return false
}

var (
	// ErrContention is returned when a write lost to a concurrent writer
	// (busy/locked database, serialization failure). It is retryable.
	ErrContention = errors.New("store: write contention")

	// ErrUnavailable is returned when the backend cannot be reached or read.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrClearUnsupported is returned by backends that do not allow bulk
	// deletion.
	ErrClearUnsupported = errors.New("store: clear not supported by this backend")
)

// Entry is one durable cache record.
type Entry struct {
	Key         string        `json:"key"`
	Value       string        `json:"value"`
	Kind        cachekey.Kind `json:"kind"`
	EntityID    *int64        `json:"entity_id,omitempty"`
	Field       string        `json:"field,omitempty"`
	Option      string        `json:"option,omitempty"`
	Correct     *bool         `json:"correct,omitempty"`
	Language    string        `json:"language,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	HitCount    int64         `json:"hit_count"`
	TokensCost  int64         `json:"tokens_cost"`
	TokensSaved int64         `json:"tokens_saved"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUsedAt  time.Time     `json:"last_used_at"`
}

// Metadata describes a value being written. Tokens is the upstream cost of
// producing it; each later read hit adds Tokens to the entry's saved total.
type Metadata struct {
	Kind     cachekey.Kind
	EntityID *int64
	Field    string
	Option   string
	Correct  *bool
	Language string
	Provider string
	Tokens   int64
}

// Stats summarises a backend's contents.
type Stats struct {
	Backend    string                  `json:"backend"`
	Count      int64                   `json:"count"`
	TotalHits  int64                   `json:"total_hits"`
	TotalSaved int64                   `json:"total_tokens_saved"`
	ByKind     map[cachekey.Kind]int64 `json:"by_kind"`
}

// Store is the durable tier. Implementations are safe for concurrent use
// within one process.
type Store interface {
	// Name returns the backend name used in logs and metrics.
	Name() string
	// Get returns the entry for key. A hit increments the entry's counters.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Put inserts or replaces the value for key.
	Put(ctx context.Context, key, value string, meta Metadata) error
	Stats(ctx context.Context) (Stats, error)
	// List returns entries of the given kind ordered by key; an empty kind
	// lists everything.
	List(ctx context.Context, kind cachekey.Kind) ([]Entry, error)
	Clear(ctx context.Context) error
	Close() error
}

// OpenOptions carries backend settings from configuration.
type OpenOptions struct {
	// Location is the disposable store's file path.
	Location string
	// Driver is "sqlite" or "postgres" for the shared store.
	Driver string
	// DSN is the shared store's data source name.
	DSN    string
	Logger *slog.Logger
}

// Open returns the backend for mode. The shared mode always wins over the
// disposable location; the disabled mode returns a nil Store.
func Open(mode Mode, opts OpenOptions) (Store, error) {
	switch mode {
	case ModeDisabled:
		return nil, nil
	case ModeShared:
		switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
		case "", "sqlite", "sqlite3":
			return NewSQLiteStore(opts.DSN, opts.Logger)
		case "postgres", "postgresql":
			return NewPostgresStore(opts.DSN, opts.Logger)
		default:
			return nil, fmt.Errorf("unsupported shared store driver %q", opts.Driver)
		}
	case ModeDisposable:
		return NewFileStore(opts.Location, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown cache mode %q", mode)
	}
}

func metaEntry(key, value string, meta Metadata, now time.Time) Entry {
	return Entry{
		Key:        key,
		Value:      value,
		Kind:       meta.Kind,
		EntityID:   meta.EntityID,
		Field:      meta.Field,
		Option:     meta.Option,
		Correct:    meta.Correct,
		Language:   meta.Language,
		Provider:   meta.Provider,
		TokensCost: meta.Tokens,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}
