// Package logger builds the zap loggers used across gemmcheck.
package logger

import (
	"go.uber.org/zap"
)

// New returns a production zap logger at the given verbosity ("debug", "info", "warn", "error").
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// NewDevelopment returns a human-readable console logger, used by the CLI when stderr is a terminal.
func NewDevelopment(verbosity string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// OrNop returns log, or a no-op logger if log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
