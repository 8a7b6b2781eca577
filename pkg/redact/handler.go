package redact

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and masks attribute values whose keys
// match the vocabulary before they are rendered.
type Handler struct {
	inner slog.Handler
	vocab *Vocabulary
}

// NewHandler wraps inner. A nil vocab uses the default vocabulary.
func NewHandler(inner slog.Handler, vocab *Vocabulary) *Handler {
	if vocab == nil {
		vocab = Default()
	}
	return &Handler{inner: inner, vocab: vocab}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	masked := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, h.maskAttr(a))
	}
	return &Handler{inner: h.inner.WithAttrs(out), vocab: h.vocab}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), vocab: h.vocab}
}

func (h *Handler) maskAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]slog.Attr, 0, len(group))
		for _, g := range group {
			out = append(out, h.maskAttr(g))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	if h.vocab.Sensitive(a.Key) {
		return slog.String(a.Key, Placeholder)
	}
	if a.Value.Kind() == slog.KindAny {
		if m, ok := a.Value.Any().(map[string]any); ok {
			return slog.Any(a.Key, h.vocab.MaskMap(m))
		}
	}
	return a
}
