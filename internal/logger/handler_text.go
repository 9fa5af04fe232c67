package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiKey   = "\033[36m"
)

// levelStyles maps the four levels to their label and color.
var levelStyles = [...]struct{ label, color string }{
	{"DEBUG", "\033[90m"},
	{"INFO", "\033[32m"},
	{"WARN", "\033[33m"},
	{"ERROR", "\033[31m"},
}

// ColorTextHandler is a slog.Handler writing one line per record in the
// form
//
//	[2026-01-02 15:04:05.000] [INFO] Volume mounted files=3 free=120
//
// Groups are flattened into dotted keys. Keys and levels are colored when
// enabled.
type ColorTextHandler struct {
	level  slog.Leveler
	w      io.Writer
	mu     *sync.Mutex
	color  bool
	bound  []byte // preformatted attrs from WithAttrs
	groups string // dotted prefix from WithGroup
}

// NewColorTextHandler creates a handler writing to w. A nil opts logs at
// info and above.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *ColorTextHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &ColorTextHandler{level: level, w: w, mu: &sync.Mutex{}, color: useColor}
}

// Enabled implements slog.Handler.
func (h *ColorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(r.Time.Format("2006-01-02 15:04:05.000"))
	buf.WriteString("] [")
	h.writeLevel(&buf, r.Level)
	buf.WriteString("] ")
	buf.WriteString(r.Message)
	buf.Write(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, h.groups, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *ColorTextHandler) writeLevel(buf *bytes.Buffer, level slog.Level) {
	i := 3
	switch {
	case level < slog.LevelInfo:
		i = 0
	case level < slog.LevelWarn:
		i = 1
	case level < slog.LevelError:
		i = 2
	}
	style := levelStyles[i]
	if !h.color {
		buf.WriteString(style.label)
		return
	}
	buf.WriteString(style.color)
	buf.WriteString(style.label)
	buf.WriteString(ansiReset)
}

func (h *ColorTextHandler) writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, member := range a.Value.Group() {
			h.writeAttr(buf, prefix, member)
		}
		return
	}

	buf.WriteByte(' ')
	if h.color {
		buf.WriteString(ansiKey)
	}
	buf.WriteString(prefix)
	buf.WriteString(a.Key)
	if h.color {
		buf.WriteString(ansiReset)
	}
	buf.WriteByte('=')
	buf.WriteString(textValue(a.Value))
}

// textValue renders v, quoting strings that would break key=value parsing.
func textValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		if s := v.String(); strings.ContainsAny(s, " \t\"=") {
			return strconv.Quote(s)
		}
		return v.String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', 3, 64)
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		// Int64, Uint64, Bool, Duration and Any print natively.
		return v.String()
	}
}

// WithAttrs implements slog.Handler.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var buf bytes.Buffer
	buf.Write(h.bound)
	for _, a := range attrs {
		h.writeAttr(&buf, h.groups, a)
	}
	clone := *h
	clone.bound = buf.Bytes()
	return &clone
}

// WithGroup implements slog.Handler.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups += name + "."
	return &clone
}
