// Package log provides structured logging for the parameter server runtime.
// It wraps go.uber.org/zap with per-subsystem child loggers so every
// component (transport, cluster, tensor store, ...) can be filtered
// independently in aggregated log output.
package log

import (
	"go.uber.org/zap"
)

// Logger wraps zap.Logger with parameter-server-specific context.
type Logger struct {
	inner *zap.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = New()
}

// New creates a Logger that writes leveled, structured output to stderr.
func New() *Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	return &Logger{inner: zl}
}

// NewWithZap wraps an existing zap.Logger. Useful for tests that want to
// capture log output with an observer core.
func NewWithZap(zl *zap.Logger) *Logger {
	return &Logger{inner: zl}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger tagged with the owning subsystem, e.g.
// "transport", "cluster", "tensor_store". This is the primary way
// components obtain their own contextual logger.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With(zap.String("module", name))}
}

// With returns a child logger with additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{inner: l.inner.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.inner.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.inner.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.inner.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.inner.Error(msg, fields...) }

// Sync flushes any buffered log entries. Call before process exit.
func (l *Logger) Sync() error { return l.inner.Sync() }

// ---------------------------------------------------------------------------
// Package-level convenience functions -- delegate to defaultLogger.
// ---------------------------------------------------------------------------

func Debug(msg string, fields ...zap.Field) { defaultLogger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { defaultLogger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { defaultLogger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { defaultLogger.Error(msg, fields...) }
