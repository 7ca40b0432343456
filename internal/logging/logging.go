// Package logging configures the process-wide slog logger and hands out
// component loggers.
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("series")
//	log.Info("suite loaded", "suite", name, "entries", n)
//
// Ingestion paths attach the suite, commit and request ID to the context so
// that WithContext can tag every line of one request.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var root atomic.Pointer[slog.Logger]

func logger() *slog.Logger {
	if l := root.Load(); l != nil {
		return l
	}
	Init(slog.LevelInfo, false)
	return root.Load()
}

// Init installs a stderr logger at level, text or JSON.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stderr, level, jsonFormat)
}

// InitWriter installs a logger writing to w. Debug level adds source
// locations.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if jsonFormat {
		h = slog.NewJSONHandler(w, opts)
	}

	l := slog.New(h)
	root.Store(l)
	slog.SetDefault(l)
}

// ParseLevel maps debug, info, warn and error to a level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return logger().With("component", name)
}

// =============================================================================
// Context attributes
// =============================================================================

type ctxKey string

const (
	keySuite     ctxKey = "suite"
	keyCommit    ctxKey = "commit"
	keyRequestID ctxKey = "request_id"
)

var ctxKeys = []ctxKey{keySuite, keyCommit, keyRequestID}

// WithContext returns the root logger tagged with the attributes stored in
// ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := logger()
	var args []any
	for _, k := range ctxKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			args = append(args, string(k), v)
		}
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

func ContextWithSuite(ctx context.Context, suite string) context.Context {
	return context.WithValue(ctx, keySuite, suite)
}

func ContextWithCommit(ctx context.Context, commit string) context.Context {
	return context.WithValue(ctx, keyCommit, commit)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}
