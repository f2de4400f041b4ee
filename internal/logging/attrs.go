package logging

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Attr is re-exported so callers need not import log/slog for fields.
type Attr = slog.Attr

func String(key, value string) Attr { return slog.String(key, value) }
func Int(key string, value int) Attr { return slog.Int(key, value) }
func Int64(key string, value int64) Attr { return slog.Int64(key, value) }
func Bool(key string, value bool) Attr { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }
func Any(key string, value any) Attr { return slog.Any(key, value) }

// Event sets event_type, the key dashboards and alerts filter on.
func Event(eventType string) Attr { return slog.String(FieldEventType, eventType) }

// Error records err under "error"; a nil error is written literally.
func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

const defaultErrorHint = "see surrounding log lines"

// WarnWithContext logs at warn level, guaranteeing event_type and error_hint.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	logWithHint(logger, slog.LevelWarn, msg, eventType, attrs)
}

// ErrorWithContext logs at error level, guaranteeing event_type and error_hint.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	logWithHint(logger, slog.LevelError, msg, eventType, attrs)
}

func logWithHint(logger *slog.Logger, level slog.Level, msg, eventType string, attrs []Attr) {
	if logger == nil {
		return
	}
	has := func(key string) bool {
		return slices.ContainsFunc(attrs, func(a Attr) bool { return a.Key == key })
	}
	if !has(FieldEventType) {
		attrs = append(attrs, Event(eventType))
	}
	if !has(FieldErrorHint) {
		attrs = append(attrs, String(FieldErrorHint, defaultErrorHint))
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// NewComponentLogger tags logger with component. A nil logger discards.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// NewNop returns a logger that drops everything.
func NewNop() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h discardHandler) WithGroup(string) slog.Handler { return h }
