package privacy

import (
	"context"
	"log/slog"
	"strings"
)

const scrubbed = "[scrubbed]"

// SanitizeForLog strips emails, URLs and phone-like numbers from s.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = urlPattern.ReplaceAllString(s, scrubbed)
	s = emailPattern.ReplaceAllString(s, scrubbed)
	s = phonePattern.ReplaceAllString(s, scrubbed)
	s = secretPattern.ReplaceAllString(s, scrubbed)
	return s
}

// SanitizeError returns a log-safe rendering of err.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeForLog(err.Error())
}

// HandlerOption configures a sanitizing handler.
type HandlerOption func(*SanitizingHandler)

// WithAllowedKeys drops every attribute whose key is not listed.
func WithAllowedKeys(keys ...string) HandlerOption {
	return func(h *SanitizingHandler) {
		h.allowed = make(map[string]bool, len(keys))
		for _, k := range keys {
			h.allowed[k] = true
		}
	}
}

// PipelineLogKeys are the only attributes the routing pipeline may log.
var PipelineLogKeys = []string{
	"request_id",
	"conversation_id",
	"token_count",
	"latency_ms",
	"redaction_count",
	"event_type",
	"status_code",
	"error_type",
}

// SanitizingHandler wraps a slog.Handler and scrubs the message and every
// string attribute before they reach the underlying handler.
type SanitizingHandler struct {
	next    slog.Handler
	allowed map[string]bool
}

// NewSanitizingHandler wraps next.
func NewSanitizingHandler(next slog.Handler, opts ...HandlerOption) *SanitizingHandler {
	h := &SanitizingHandler{next: next}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, SanitizeForLog(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		if attr, ok := h.scrub(a); ok {
			out.AddAttrs(attr)
		}
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kept := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if attr, ok := h.scrub(a); ok {
			kept = append(kept, attr)
		}
	}
	return &SanitizingHandler{next: h.next.WithAttrs(kept), allowed: h.allowed}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), allowed: h.allowed}
}

func (h *SanitizingHandler) scrub(a slog.Attr) (slog.Attr, bool) {
	if h.allowed != nil && !h.allowed[a.Key] {
		return a, false
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, SanitizeForLog(v.String())), true
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, SanitizeError(err)), true
		}
		if s, ok := v.Any().(interface{ String() string }); ok {
			return slog.String(a.Key, SanitizeForLog(s.String())), true
		}
		return a, true
	case slog.KindGroup:
		group := v.Group()
		kept := make([]any, 0, len(group))
		for _, g := range group {
			if attr, ok := h.scrub(g); ok {
				kept = append(kept, attr)
			}
		}
		return slog.Group(a.Key, kept...), true
	default:
		return a, true
	}
}

// Excerpt truncates s to at most n bytes on a rune boundary and scrubs it.
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		cut := n
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return SanitizeForLog(s)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
