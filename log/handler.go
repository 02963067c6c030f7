package log

import (
	"context"
	"io"
	"log/slog"
)

// NewTerminalHandlerWithLevel returns a text handler writing records at or
// above lvl to w. addSource adds the caller's file:line to each record.
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, addSource bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok {
					return slog.String(slog.LevelKey, LevelAlignedString(l))
				}
			}
			return a
		},
	})
}

// NewJSONHandlerWithLevel is the JSON counterpart of NewTerminalHandlerWithLevel.
func NewJSONHandlerWithLevel(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
}

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}
