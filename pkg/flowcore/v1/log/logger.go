// Package log defines the logging contract shared by flowcore packages and
// handed to task bodies through their context.
package log

import (
	"context"
	"log/slog"
)

// Logger is the leveled, structured logger used by the engine, the limiter,
// the cache manager and task bodies.
type Logger interface {
	// Debugf, Infof, Warnf and Errorf log a fmt.Sprintf-style message.
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Log logs msg at level with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, letting implementations attach trace ids.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a child logger carrying the given attributes on every entry.
	With(args ...interface{}) Logger
	// IsEnabled reports whether entries at level would be written.
	IsEnabled(level slog.Level) bool
}
