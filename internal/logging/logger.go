// Package logging provides structured logging helpers for the compiler and service.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/sdk/log"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

// DefaultServiceName names the OTLP log scope when none is configured.
const DefaultServiceName = "hierplan"

// Logger wraps slog.Logger with convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logging configuration
type Config struct {
	Level          string              // debug, info, warn, error
	Format         string              // json, text
	ServiceName    string              // OTLP instrumentation scope
	Output         io.Writer           // defaults to stdout
	LoggerProvider *log.LoggerProvider // Optional OTLP logger provider for exporting logs
}

// ParseLevel maps a configured level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewLogger creates a new structured logger based on configuration
func NewLogger(cfg Config) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelError,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	handler := newLocalHandler(cfg.Format, out, opts)

	// Local output always stays on; OTLP export is added alongside it.
	if cfg.LoggerProvider != nil {
		name := cfg.ServiceName
		if name == "" {
			name = DefaultServiceName
		}
		otlpHandler := otelslog.NewHandler(name, otelslog.WithLoggerProvider(cfg.LoggerProvider))
		handler = newMultiHandler(handler, otlpHandler)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

func newLocalHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// fanout sends each record to every handler enabled for its level. Local
// output and the OTLP bridge are the usual pair.
type fanout []slog.Handler

func newMultiHandler(handlers ...slog.Handler) fanout {
	return fanout(handlers)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(f, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

// Handle gives each handler its own clone and reports the first failure
// after all handlers have run.
func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}

// WithRequestID tags every record with the request correlation id.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.WithFields(slog.String("request_id", requestID))
}

// WithFields returns a child logger carrying the given attributes.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...)}
}

// FromContext returns the request logger stored by WithLogger, falling back
// to the slog default.
func FromContext(ctx context.Context) *Logger {
	if l, _ := ctx.Value(loggerKey).(*Logger); l != nil {
		return l
	}
	return &Logger{Logger: slog.Default()}
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetRequestID returns the id stored by WithRequestIDContext, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithRequestIDContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
