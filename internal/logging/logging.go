// Package logging builds the process logger: a logr facade over zap.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels for logger.V(...).
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// Options selects the logger flavour.
type Options struct {
	// Verbosity is the highest V level that is emitted.
	Verbosity int
	// Development switches to the human readable console encoder.
	Development bool
}

// New returns a logger and a function that flushes it.
func New(opts Options) (logr.Logger, func(), error) {
	if opts.Verbosity < 0 {
		return logr.Logger{}, nil, fmt.Errorf("invalid log verbosity %d", opts.Verbosity)
	}

	cfg := uberzap.NewProductionConfig()
	if opts.Development {
		cfg = uberzap.NewDevelopmentConfig()
	}
	// zapr maps V(n) to zap level -n.
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-opts.Verbosity))
	cfg.Sampling = nil

	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// NewTestLogger creates a development logger that emits every level.
func NewTestLogger() logr.Logger {
	cfg := uberzap.NewDevelopmentConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}
