package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var levelVar = new(slog.LevelVar)

type handlerBox struct{ slog.Handler }

var current atomic.Pointer[handlerBox]

// L never changes; SetOutput swaps the handler underneath it, so it is safe to
// redirect while other goroutines log.
var L = slog.New(swapHandler{})

func init() {
	SetOutput(os.Stdout, "json")
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	levelVar.Set(parseLevel(lvl))
}

// SetFormat swaps the global handler between "json" (default) and "text".
func SetFormat(format string) {
	SetOutput(os.Stdout, format)
}

// SetOutput redirects the global logger. Loggers derived earlier with With or
// WithGroup keep writing to the previous output.
func SetOutput(w io.Writer, format string) {
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "text") {
		current.Store(&handlerBox{slog.NewTextHandler(w, opts)})
		return
	}
	current.Store(&handlerBox{slog.NewJSONHandler(w, opts)})
}

// swapHandler forwards to whatever handler SetOutput installed last.
type swapHandler struct{}

func (swapHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return current.Load().Enabled(ctx, l)
}

func (swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return current.Load().Handle(ctx, r)
}

func (swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return current.Load().WithAttrs(attrs)
}

func (swapHandler) WithGroup(name string) slog.Handler {
	return current.Load().WithGroup(name)
}

func parseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
