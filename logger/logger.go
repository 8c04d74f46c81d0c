package logger

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the process-wide logger.
type Config struct {
	Level       string
	Development bool
}

type ctxKey struct{}

// std holds the process-wide logger, built with a caller skip of one for the
// package helpers.
var std atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	std.Store(l)
}

// Init replaces the process-wide logger. It should be called once from main
// before any handler runs.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	l, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	Replace(l)
	return nil
}

// Replace swaps the process-wide logger and returns a function restoring the
// previous one. Tests use it together with zaptest/observer.
func Replace(l *zap.Logger) func() {
	prev := std.Swap(l)
	return func() { std.Store(prev) }
}

// L returns the process-wide logger without the helper caller skip.
func L() *zap.Logger {
	return std.Load().WithOptions(zap.AddCallerSkip(-1))
}

// WithContext stores a request-scoped logger in ctx.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger, falling back to the
// process-wide one.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}

// LogErr logs the provided error (if non-nil) and returns it unchanged.
// It is meant to be used inline when propagating errors up the call stack.
func LogErr(err error) error {
	if err == nil {
		return nil
	}
	std.Load().Error(err.Error())
	return err
}

// Error logs the provided error (if non-nil).
func Error(err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	std.Load().Error(err.Error(), fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	std.Load().Warn(msg, fields...)
}

// Info logs an informational message.
func Info(msg string, fields ...zap.Field) {
	std.Load().Info(msg, fields...)
}

// Fatal logs the provided error (if non-nil) and terminates the process.
func Fatal(err error) {
	if err == nil {
		return
	}
	l := std.Load()
	l.Error(err.Error())
	_ = l.Sync()
	os.Exit(1)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = std.Load().Sync()
}
