package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ferro-labs/examcache/internal/cachekey"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

const defaultSQLiteDSN = "examcache.db"

// SQLStore is the shared durable store: one response_cache table in SQLite or
// Postgres that any number of processes read and write.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	logger  *slog.Logger
	now     func() time.Time
}

// NewSQLiteStore opens a SQLite-backed shared store. dsn can be a file path
// or a SQLite DSN; busy_timeout and WAL pragmas are added when absent.
func NewSQLiteStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = defaultSQLiteDSN
	}
	memory := strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	db, err := sql.Open("sqlite", sqliteDSN(dsn, memory))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return newSQLStore(db, dialectSQLite, logger)
}

// NewPostgresStore opens a Postgres-backed shared store.
func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return newSQLStore(db, dialectPostgres, logger)
}

func newSQLStore(db *sql.DB, dialect sqlDialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "store", "backend", string(dialect)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(dsn string, memory bool) string {
	var pragmas []string
	if !strings.Contains(dsn, "busy_timeout") {
		pragmas = append(pragmas, "_pragma=busy_timeout(5000)")
	}
	if !memory && !strings.Contains(dsn, "journal_mode") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if len(pragmas) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("%w: ping %s store: %v", ErrUnavailable, s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS response_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	kind TEXT NOT NULL,
	entity_id BIGINT NULL,
	field TEXT NOT NULL DEFAULT '',
	option_letter TEXT NOT NULL DEFAULT '',
	is_correct BOOLEAN NULL,
	language TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT '',
	hit_count BIGINT NOT NULL DEFAULT 0,
	tokens_cost BIGINT NOT NULL DEFAULT 0,
	tokens_saved BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_response_cache_kind ON response_cache(kind);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS response_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	kind TEXT NOT NULL,
	entity_id INTEGER NULL,
	field TEXT NOT NULL DEFAULT '',
	option_letter TEXT NOT NULL DEFAULT '',
	is_correct BOOLEAN NULL,
	language TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT '',
	hit_count INTEGER NOT NULL DEFAULT 0,
	tokens_cost INTEGER NOT NULL DEFAULT 0,
	tokens_saved INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_response_cache_kind ON response_cache(kind);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// Name implements Store.
func (s *SQLStore) Name() string { return string(s.dialect) }

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *SQLStore) DB() *sql.DB { return s.db }

const selectColumns = `key, value, kind, entity_id, field, option_letter, is_correct, language, provider_name, hit_count, tokens_cost, tokens_saved, created_at, last_used_at`

// Get implements Store. The counter bump is a single UPDATE so concurrent
// readers never lose increments; if it fails the hit is still returned.
func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	q := s.bind(`SELECT ` + selectColumns + ` FROM response_cache WHERE key = ?`)
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.classify("get", err)
	}

	now := s.now()
	upd := s.bind(`UPDATE response_cache SET hit_count = hit_count + 1, tokens_saved = tokens_saved + tokens_cost, last_used_at = ? WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, upd, now, key); err != nil {
		s.logger.Warn("update hit counters failed", "key", key, "error", err)
		return e, true, nil
	}
	e.HitCount++
	e.TokensSaved += e.TokensCost
	e.LastUsedAt = now
	return e, true, nil
}

// Put implements Store. A unique-key violation means another writer inserted
// the row first; the row is then updated in place.
func (s *SQLStore) Put(ctx context.Context, key, value string, meta Metadata) error {
	now := s.now()
	e := metaEntry(key, value, meta, now)

	ins := s.bind(`
INSERT INTO response_cache(key, value, kind, entity_id, field, option_letter, is_correct, language, provider_name, hit_count, tokens_cost, tokens_saved, created_at, last_used_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?)`)
	_, err := s.db.ExecContext(ctx, ins,
		e.Key, e.Value, string(e.Kind), nullInt(e.EntityID), e.Field, e.Option, nullBool(e.Correct),
		e.Language, e.Provider, e.TokensCost, e.CreatedAt, e.LastUsedAt)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return s.classify("insert", err)
	}

	upd := s.bind(`UPDATE response_cache SET value = ?, provider_name = ?, tokens_cost = ?, last_used_at = ? WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, upd, e.Value, e.Provider, e.TokensCost, now, key); err != nil {
		return s.classify("update", err)
	}
	return nil
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(tokens_saved), 0)
FROM response_cache
GROUP BY kind`)
	if err != nil {
		return Stats{}, s.classify("stats", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	st := Stats{Backend: s.Name(), ByKind: make(map[cachekey.Kind]int64)}
	for rows.Next() {
		var (
			kind              string
			count, hits, save int64
		)
		if err := rows.Scan(&kind, &count, &hits, &save); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		st.ByKind[cachekey.Kind(kind)] = count
		st.Count += count
		st.TotalHits += hits
		st.TotalSaved += save
	}
	if err := rows.Err(); err != nil {
		return Stats{}, s.classify("stats", err)
	}
	return st, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, kind cachekey.Kind) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM response_cache ORDER BY key`)
	} else {
		q := s.bind(`SELECT ` + selectColumns + ` FROM response_cache WHERE kind = ? ORDER BY key`)
		rows, err = s.db.QueryContext(ctx, q, string(kind))
	}
	if err != nil {
		return nil, s.classify("list", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("list", err)
	}
	return out, nil
}

// Clear is not offered on the shared table; other processes depend on it.
func (s *SQLStore) Clear(context.Context) error { return ErrClearUnsupported }

// Close releases the database handle.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*Entry, error) {
	var (
		e        Entry
		kind     string
		entityID sql.NullInt64
		correct  sql.NullBool
	)
	err := scanner.Scan(
		&e.Key,
		&e.Value,
		&kind,
		&entityID,
		&e.Field,
		&e.Option,
		&correct,
		&e.Language,
		&e.Provider,
		&e.HitCount,
		&e.TokensCost,
		&e.TokensSaved,
		&e.CreatedAt,
		&e.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = cachekey.Kind(kind)
	if entityID.Valid {
		v := entityID.Int64
		e.EntityID = &v
	}
	if correct.Valid {
		v := correct.Bool
		e.Correct = &v
	}
	return &e, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

// classify maps driver errors onto the store sentinels.
func (s *SQLStore) classify(op string, err error) error {
	switch {
	case isContention(err):
		return fmt.Errorf("%w: %s: %v", ErrContention, op, err)
	case isUnavailable(err):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%s %s: %w", s.dialect, op, err)
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func isContention(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
