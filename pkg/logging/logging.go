// Package logging provides the process logger and completion events for
// fill runs.
package logging

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/eunmann/histcache/internal/logctx"
)

// Phases of a fill run.
const (
	PhaseProbe   = "probe"
	PhaseScan    = "scan"
	PhaseReduce  = "reduce"
	PhasePersist = "persist"
)

var (
	logger *zerolog.Logger
	pretty atomic.Bool
)

func init() {
	l := logctx.NewConfiguredLogger(os.Stderr, false, false)
	logger = &l
}

// Init configures the global logger. debug lowers the level to Debug and
// human switches to a console writer with human-readable companion fields.
func Init(debug bool, human bool) {
	pretty.Store(human)
	l := logctx.NewConfiguredLogger(os.Stderr, debug, human)
	logger = &l
}

// IsPrettyMode reports whether completion events carry "_h" companions.
func IsPrettyMode() bool {
	return pretty.Load()
}

// SetPrettyMode toggles human-readable companions without touching the writer.
func SetPrettyMode(on bool) {
	pretty.Store(on)
}

// L returns the base logger.
func L() *zerolog.Logger {
	return logger
}

// WithPhase returns a logger with the phase field set.
func WithPhase(phase string) zerolog.Logger {
	return logger.With().Str("phase", phase).Logger()
}

// SetLogger overrides the global logger.
func SetLogger(l zerolog.Logger) {
	logger = &l
}
