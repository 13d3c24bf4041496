package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/examcache/internal/cachekey"
)

const defaultFileLocation = "examcache.json"

type fileDocument struct {
	Entries map[string]Entry `json:"entries"`
}

// FileStore keeps every entry in one JSON document. Each operation reads the
// whole file and each mutation rewrites it through a temp file and rename.
// The mutex serialises this process only; concurrent writers in other
// processes can lose each other's updates.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates a disposable store at path. The file is created on the
// first write; a missing file is an empty store.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFileLocation
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger.With("component", "store", "backend", "file"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Store.
func (s *FileStore) Name() string { return "file" }

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}
	e, ok := doc.Entries[key]
	if !ok {
		return nil, false, nil
	}

	e.HitCount++
	e.TokensSaved += e.TokensCost
	e.LastUsedAt = s.now()
	doc.Entries[key] = e
	if err := s.save(doc); err != nil {
		s.logger.Warn("persist hit counters failed", "key", key, "error", err)
	}
	return &e, true, nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, key, value string, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		// The file is disposable; start over rather than refusing writes forever.
		s.logger.Warn("discarding unreadable cache file", "path", s.path, "error", err)
		doc = fileDocument{Entries: make(map[string]Entry)}
	}

	now := s.now()
	next := metaEntry(key, value, meta, now)
	if prev, ok := doc.Entries[key]; ok {
		next.CreatedAt = prev.CreatedAt
		next.HitCount = prev.HitCount
		next.TokensSaved = prev.TokensSaved
	}
	doc.Entries[key] = next
	return s.save(doc)
}

// Stats implements Store.
func (s *FileStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Backend: s.Name(), ByKind: make(map[cachekey.Kind]int64)}
	for _, e := range doc.Entries {
		st.Count++
		st.TotalHits += e.HitCount
		st.TotalSaved += e.TokensSaved
		st.ByKind[e.Kind]++
	}
	return st, nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context, kind cachekey.Kind) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear removes every entry.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(fileDocument{Entries: make(map[string]Entry)})
}

// Close implements Store. The file store holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (fileDocument, error) {
	doc := fileDocument{Entries: make(map[string]Entry)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("%w: read %s: %v", ErrUnavailable, s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDocument{Entries: make(map[string]Entry)}, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, s.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]Entry)
	}
	return doc, nil
}

func (s *FileStore) save(doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
