package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger writes one JSON object per line, keyed by action.
type Logger struct {
	service string
	l       *slog.Logger
}

func New(service string) *Logger { return NewWithWriter(service, os.Stdout) }

func NewWithWriter(service string, w io.Writer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String("timestamp", a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			case slog.MessageKey:
				return slog.String("message", a.Value.String())
			}
			return a
		},
	})
	return &Logger{
		service: service,
		l:       slog.New(h).With("service", service, "hostname", hostname()),
	}
}

// Nop discards everything; handy for tests and optional collaborators.
func Nop() *Logger { return NewWithWriter("", io.Discard) }

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{service: l.service, l: l.l.With(attrs(fields)...)}
}

func (l *Logger) log(level slog.Level, action string, fields map[string]any, err error) {
	args := append([]any{"action", action}, attrs(fields)...)
	if err != nil {
		args = append(args, slog.Group("error", "msg", err.Error(), "type", fmt.Sprintf("%T", err)))
	}
	l.l.Log(context.Background(), level, action, args...)
}

func (l *Logger) Info(action string, fields map[string]any) {
	l.log(slog.LevelInfo, action, fields, nil)
}
func (l *Logger) Debug(action string, fields map[string]any) {
	l.log(slog.LevelDebug, action, fields, nil)
}
func (l *Logger) Warn(action string, fields map[string]any) {
	l.log(slog.LevelWarn, action, fields, nil)
}
func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.log(slog.LevelError, action, fields, err)
}

func attrs(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func hostname() string { h, _ := os.Hostname(); return h }
