// Package logging builds the zap loggers used across the recorder.
//
// Verbosity follows the debug switches: SCREENREC_DEBUG=1 turns
// on debug level and SCREENREC_DEBUG_FILE appends all output to a file
// instead of stderr.
package logging

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envDebug     = "SCREENREC_DEBUG"
	envDebugFile = "SCREENREC_DEBUG_FILE"
)

// Options configures New. Zero value logs info and above to stderr.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info, or debug
	// when SCREENREC_DEBUG=1.
	Level string

	// File overrides SCREENREC_DEBUG_FILE.
	File string

	// JSON selects the JSON encoder instead of the console encoder.
	JSON bool
}

// DebugEnabled reports whether SCREENREC_DEBUG=1.
func DebugEnabled() bool {
	return strings.TrimSpace(os.Getenv(envDebug)) == "1"
}

// New builds a logger from opts and the environment.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if DebugEnabled() {
		level = zapcore.DebugLevel
	}
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, err
		}
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil

	out := opts.File
	if out == "" {
		out = strings.TrimSpace(os.Getenv(envDebugFile))
	}
	if out != "" {
		cfg.OutputPaths = []string{out}
		cfg.ErrorOutputPaths = []string{out}
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Every reports whether at least period has passed since the last time it
// returned true for last. It is safe for concurrent use and is meant for
// rate limiting hot-path warnings.
func Every(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
