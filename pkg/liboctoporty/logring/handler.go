package logring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

// FanoutFunc receives every captured record in real time, after it has
// been appended to the ring. Implementations must not log through the
// same handler and must not block.
type FanoutFunc func(entry tunnel.LogEntry)

// Handler is a slog.Handler decorator: records pass through to the
// wrapped handler unchanged and are additionally captured into a Ring
// and offered to an optional fanout callback.
type Handler struct {
	inner  slog.Handler
	ring   *Ring
	attrs  []slog.Attr
	groups []string

	// fanout is shared by all WithAttrs/WithGroup clones so SetFanout
	// takes effect everywhere at once.
	fanout *fanoutSlot
}

type fanoutSlot struct {
	mu sync.RWMutex
	fn FanoutFunc
}

// NewHandler wraps inner so its records are also captured into ring.
func NewHandler(inner slog.Handler, ring *Ring) *Handler {
	return &Handler{inner: inner, ring: ring, fanout: &fanoutSlot{}}
}

// SetFanout installs or clears (nil) the real-time fanout callback.
func (h *Handler) SetFanout(fn FanoutFunc) {
	h.fanout.mu.Lock()
	h.fanout.fn = fn
	h.fanout.mu.Unlock()
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	msg := h.render(rec)
	id := h.ring.Append(rec.Time.UnixMilli(), wireLevel(rec.Level), msg)

	h.fanout.mu.RLock()
	fn := h.fanout.fn
	h.fanout.mu.RUnlock()
	if fn != nil {
		fn(tunnel.LogEntry{
			ID:          id,
			TimestampMS: rec.Time.UnixMilli(),
			Level:       wireLevel(rec.Level),
			Message:     msg,
		})
	}

	return h.inner.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := h.clone()
	clone.inner = h.inner.WithGroup(name)
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) clone() *Handler {
	return &Handler{
		inner:  h.inner,
		ring:   h.ring,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
		fanout: h.fanout,
	}
}

// render flattens a record into "msg key=value ..." for the wire; the
// wrapped handler still formats the record its own way for local output.
func (h *Handler) render(rec slog.Record) string {
	var b strings.Builder
	b.WriteString(rec.Message)

	prefix := strings.Join(h.groups, ".")
	writeAttr := func(a slog.Attr) {
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, a.Value.Resolve().Any())
	}

	for _, a := range h.attrs {
		writeAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	return b.String()
}

func wireLevel(l slog.Level) tunnel.LogLevel {
	switch {
	case l >= slog.LevelError:
		return tunnel.LogError
	case l >= slog.LevelWarn:
		return tunnel.LogWarning
	case l >= slog.LevelInfo:
		return tunnel.LogInfo
	default:
		return tunnel.LogDebug
	}
}
