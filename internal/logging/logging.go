// Package logging configures slog for the service and enriches records with
// trace ids and per-context fields.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Config selects the handler.
type Config struct {
	Format string // json or text
	Level  string // debug, info, warn, error
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New builds a logger writing to w.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewTraceHandler(handler))
}

// Setup installs a stdout logger as the slog default and returns it.
func Setup(cfg Config) *slog.Logger {
	logger := New(cfg, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

// TraceHandler adds OpenTelemetry ids and context Fields to every record.
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := FieldsFrom(ctx)
	if fields.MessageID != 0 {
		r.AddAttrs(slog.Int64("message_id", fields.MessageID))
	}
	if fields.EmployeeID != "" {
		r.AddAttrs(slog.String("employee_id", fields.EmployeeID))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

type fieldsKey struct{}

// Fields are attached to every log record made with a context carrying them.
type Fields struct {
	MessageID  int64
	EmployeeID string
	Component  string
}

// WithFields merges f into the fields already on ctx. Zero values keep the
// existing value.
func WithFields(ctx context.Context, f Fields) context.Context {
	cur := FieldsFrom(ctx)
	if f.MessageID != 0 {
		cur.MessageID = f.MessageID
	}
	if f.EmployeeID != "" {
		cur.EmployeeID = f.EmployeeID
	}
	if f.Component != "" {
		cur.Component = f.Component
	}
	return context.WithValue(ctx, fieldsKey{}, cur)
}

func FieldsFrom(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}
