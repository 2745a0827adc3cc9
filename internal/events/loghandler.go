package events

import (
	"context"
	"log/slog"
)

// LogHandler forwards records at or above level to the bus as log events
// while passing every record to next.
type LogHandler struct {
	next  slog.Handler
	bus   *Bus
	level slog.Level
	attrs []slog.Attr
}

func NewLogHandler(next slog.Handler, bus *Bus, level slog.Level) *LogHandler {
	return &LogHandler{next: next, bus: bus, level: level}
}

func (h *LogHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level || h.next.Enabled(ctx, l)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		line := LogLine{Level: r.Level.String(), Message: r.Message}
		add := func(a slog.Attr) bool {
			if line.Attrs == nil {
				line.Attrs = map[string]string{}
			}
			line.Attrs[a.Key] = a.Value.String()
			return true
		}
		for _, a := range h.attrs {
			add(a)
		}
		r.Attrs(add)
		h.bus.Publish(TopicLog, line)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		next:  h.next.WithAttrs(attrs),
		bus:   h.bus,
		level: h.level,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name), bus: h.bus, level: h.level, attrs: h.attrs}
}
