package log

import (
	"context"
	"log/slog"
)

// Component returns a logger tagged with component=name that writes through
// whatever handler slog.Default holds at the time of each call, so it follows
// a later Init.
func Component(name string) *slog.Logger {
	return slog.New(currentHandler{}).With("component", name)
}

// currentHandler resolves slog.Default's handler per record and replays the
// attributes and groups added with WithAttrs and WithGroup on top of it.
type currentHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h currentHandler) resolve() slog.Handler {
	out := slog.Default().Handler()
	for _, op := range h.ops {
		out = op(out)
	}
	return out
}

func (h currentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h currentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h currentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h currentHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h currentHandler) with(op func(slog.Handler) slog.Handler) currentHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return currentHandler{ops: append(ops, op)}
}
