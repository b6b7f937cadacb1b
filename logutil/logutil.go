// Package logutil provides the structured logging conventions shared by
// every package in this module. All logging goes through log/slog, the
// same way the original engine's own packages do.
package logutil

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// LevelTrace is one step below slog.LevelDebug, used for the very chatty
// per-dispatch and per-token logging that the kernel library and the
// layer driver emit during development and incident investigation.
const LevelTrace = slog.Level(-8)

var traceEnabled atomic.Bool

// EnableTrace turns on trace-level logging for the lifetime of the process.
func EnableTrace(enabled bool) {
	traceEnabled.Store(enabled)
}

// Trace logs at LevelTrace if trace logging has been enabled. It is a
// no-op otherwise, so call sites can leave it in hot paths (the layer
// driver's per-kernel dispatch logging) without a handler lookup cost
// when disabled.
func Trace(msg string, args ...any) {
	if !traceEnabled.Load() {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, args...)
}

// NewHandler builds the default text handler used by the engine's
// standalone binaries, honoring LevelTrace.
func NewHandler(level slog.Level) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
}
