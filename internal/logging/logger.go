// Package logging configures the process-wide slog logger and carries a
// per-request trace id through contexts so cache lookups, upstream calls and
// write-backs can be correlated in the logs.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// TraceHeader is the request/response header carrying the trace id.
const TraceHeader = "X-Request-ID"

// Logger is the package-level structured logger. Prefer FromContext(ctx) so
// the trace id is attached.
var Logger *slog.Logger

func init() {
	Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// ParseLevel maps debug/info/warn/error onto slog levels; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w. format is "json" (default) or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Setup (re-)initialises the package logger on stdout and installs it as the
// slog default.
func Setup(level, format string) {
	Logger = New(os.Stdout, level, format)
	slog.SetDefault(Logger)
}

// Component returns the package logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// NewTraceID generates a random 16-byte hex trace id.
func NewTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithTraceID stores a trace id in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace id stored in the context.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// FromContext returns base annotated with the trace id from ctx. A nil base
// means the package logger.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = Logger
	}
	if id := TraceIDFromContext(ctx); id != "" {
		return base.With("trace_id", id)
	}
	return base
}

// Middleware injects a trace id into every request context and echoes it in
// the X-Request-ID response header, reusing the caller's id when present.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = NewTraceID()
		}
		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}
