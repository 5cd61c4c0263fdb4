package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogHandler is a slog.Handler that writes the message index (from 0), the
// level and the message, without a timestamp, so log output of a test is
// deterministic. Handlers derived with WithAttrs or WithGroup share the
// index and the writer.
type LogHandler struct {
	out *logOutput

	attrs               []slog.Attr
	groups              []string
	ignoreErrorPrefixes []string
	ignoreDebug         bool
}

type logOutput struct {
	mu    sync.Mutex
	w     io.Writer
	index int
}

type LogHandlerOption func(*LogHandler)

// WithWriter sends output to w instead of stdout.
func WithWriter(w io.Writer) LogHandlerOption {
	return func(h *LogHandler) { h.out.w = w }
}

// WithIgnoreErrorPrefixes drops ERROR records whose message has one of the
// prefixes.
func WithIgnoreErrorPrefixes(prefixes ...string) LogHandlerOption {
	return func(h *LogHandler) {
		h.ignoreErrorPrefixes = append(h.ignoreErrorPrefixes, prefixes...)
	}
}

func WithIgnoreDebug() LogHandlerOption {
	return func(h *LogHandler) { h.ignoreDebug = true }
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{out: &logOutput{w: os.Stdout}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return !(h.ignoreDebug && level == slog.LevelDebug)
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}
	if r.Level == slog.LevelError {
		for _, prefix := range h.ignoreErrorPrefixes {
			if strings.HasPrefix(r.Message, prefix) {
				return nil
			}
		}
	}

	attrs := h.format(&r)

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	var err error
	if attrs != "" {
		_, err = fmt.Fprintf(h.out.w, "[%d] %s: %s %s\n", h.out.index, r.Level, r.Message, attrs)
	} else {
		_, err = fmt.Fprintf(h.out.w, "[%d] %s: %s\n", h.out.index, r.Level, r.Message)
	}
	h.out.index++
	return err
}

func (h *LogHandler) format(r *slog.Record) string {
	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, formatAttr(a, ""))
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, formatAttr(a, prefix))
		return true
	})
	return strings.Join(parts, ", ")
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		parts := make([]string, 0, len(group))
		for _, ga := range group {
			parts = append(parts, formatAttr(ga, prefix+a.Key+"."))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

// WithAttrs stores attrs under the current group path.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	next := *h
	next.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &next
}
