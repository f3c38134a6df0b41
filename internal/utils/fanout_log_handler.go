package utils

import (
	"context"
	"log/slog"
)

// FanoutLogHandler forwards each record to every wrapped slog.Handler.
// Used to log to the console and to the log file at the same time.
type FanoutLogHandler struct {
	handlers []slog.Handler
}

func NewFanoutLogHandler(handlers ...slog.Handler) *FanoutLogHandler {
	return &FanoutLogHandler{handlers: handlers}
}

func (h *FanoutLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if e := handler.Handle(ctx, r); e != nil {
				err = e
			}
		}
	}
	return err
}

func (h *FanoutLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return NewFanoutLogHandler(handlers...)
}

func (h *FanoutLogHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return NewFanoutLogHandler(handlers...)
}
