// Package log builds the slog.Logger used across kvmlink.
//
// Without a log file, records below error level go to stdout and errors go to
// stderr. With a log file, everything is mirrored to the file and stderr.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below Debug and enables per-frame output.
const LevelTrace slog.Level = -8

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
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

// MultiHandler fans out records to multiple handlers.
type MultiHandler struct{ hs []slog.Handler }

func (m MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.hs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.hs {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		_ = h.Handle(ctx, r.Clone())
	}
	return nil
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return MultiHandler{hs: m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })}
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	return MultiHandler{hs: m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })}
}

func (m MultiHandler) each(f func(slog.Handler) slog.Handler) []slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = f(h)
	}
	return out
}

// LevelFilter passes only records accepted by pass to the wrapped handler.
type LevelFilter struct {
	pass func(slog.Level) bool
	h    slog.Handler
}

func (f LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.pass(level) && f.h.Enabled(ctx, level)
}

func (f LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if !f.pass(r.Level) {
		return nil
	}
	return f.h.Handle(ctx, r)
}

func (f LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return LevelFilter{pass: f.pass, h: f.h.WithAttrs(attrs)}
}

func (f LevelFilter) WithGroup(name string) slog.Handler {
	return LevelFilter{pass: f.pass, h: f.h.WithGroup(name)}
}

// SetupLogger builds the process logger and returns files the caller must close.
func SetupLogger(logLevel, logFile string) (*slog.Logger, []io.Closer, error) {
	level := ParseLevel(logLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	var closers []io.Closer
	if logFile == "" {
		handlers = append(handlers,
			LevelFilter{pass: func(l slog.Level) bool { return l < slog.LevelError }, h: slog.NewTextHandler(os.Stdout, opts)},
			LevelFilter{pass: func(l slog.Level) bool { return l >= slog.LevelError }, h: slog.NewTextHandler(os.Stderr, opts)},
		)
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, f)
		handlers = append(handlers,
			slog.NewTextHandler(os.Stderr, opts),
			slog.NewTextHandler(f, opts),
		)
	}
	return slog.New(MultiHandler{hs: handlers}), closers, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Component scopes a logger to a named subsystem. A nil logger yields Discard.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("component", name)
}
