// Package logger provides structured logging setup for ForgeSync.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/ForgeSync/internal/config"
)

// level is the active log level. Handlers hold a pointer to it, so
// SetLevel takes effect on live loggers.
var level slog.LevelVar

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When cfg.Async is set, records pass through a buffered AsyncHandler;
// the returned Closer flushes it on shutdown. In synchronous mode the
// Closer is a no-op.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	})

	closer := Closer(nopCloser{})
	if cfg.Async {
		async := NewAsyncHandler(handler, 1024, 1)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// SetLevel adjusts the active log level at runtime, typically after a
// config reload.
func SetLevel(s string) {
	level.Set(parseLevel(s))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
