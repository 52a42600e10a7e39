// Package logctx carries a zerolog logger through context.Context.
//
// Fill runs enrich the logger as they descend: the session adds the cache
// namespace, each work chunk adds its sequence index, and reader code logs
// through whatever logger the context holds.
//
//	ctx = logctx.WithLogger(ctx, base)
//	ctx = logctx.WithChunk(ctx, seq)
//	logger := logctx.FromContext(ctx)
//	logger.Debug().Msg("chunk started")
package logctx

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
)

// DefaultLogger returns the process-wide fallback logger: info-level JSON on
// stderr with timestamps.
func DefaultLogger() zerolog.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewConfiguredLogger(os.Stderr, false, false)
	})
	return defaultLogger
}

// SetDefaultLogger overrides the fallback logger. Call during startup only.
func SetDefaultLogger(l zerolog.Logger) {
	DefaultLogger()
	defaultLogger = l
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context logger, or the default logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return DefaultLogger()
}

// WithStr returns a context whose logger has a string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Str(key, value).Logger())
}

// WithInt returns a context whose logger has an int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Int(key, value).Logger())
}

// WithChunk tags the logger with a work chunk sequence index.
func WithChunk(ctx context.Context, seq int) context.Context {
	return WithInt(ctx, "chunk_seq", seq)
}

// WithDefinition tags the logger with a summary definition name.
func WithDefinition(ctx context.Context, name string) context.Context {
	return WithStr(ctx, "definition", name)
}

// NewConfiguredLogger builds a logger writing to w. debug selects Debug
// level and human selects the console writer.
func NewConfiguredLogger(w io.Writer, debug, human bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if human {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
