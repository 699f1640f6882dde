package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler writes one human-readable line per record:
//
//	2026-01-02T15:04:05Z vmlink[4242]: [warn] agentconn[vm-1]: connect failed error="connection refused"
//
// The component and vm_id attributes move into the header. Groups are
// flattened into dotted keys.
type ConsoleHandler struct {
	level      slog.Leveler
	out        io.Writer
	mu         *sync.Mutex
	timeFormat string
	process    string

	component string
	vmID      string
	attrs     []slog.Attr
	group     string
}

// NewConsoleHandler creates a ConsoleHandler. The process name in the header
// is the base name of the running binary.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	h := &ConsoleHandler{
		level:      slog.LevelInfo,
		out:        out,
		mu:         &sync.Mutex{},
		timeFormat: time.RFC3339,
		process:    processName(),
	}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func processName() string {
	name := "vmlink"
	if len(os.Args) > 0 && os.Args[0] != "" {
		base := os.Args[0]
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		if base != "" {
			name = base
		}
	}
	return name + "[" + strconv.Itoa(os.Getpid()) + "]"
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats r and writes it as a single line.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	component, vmID := h.component, h.vmID
	var recAttrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		switch {
		case h.group == "" && a.Key == KeyComponent:
			component = a.Value.String()
		case h.group == "" && a.Key == KeyVM:
			vmID = a.Value.String()
		default:
			recAttrs = append(recAttrs, a)
		}
		return true
	})

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = t.AppendFormat(buf, h.timeFormat)
	buf = append(buf, ' ')
	buf = append(buf, h.process...)
	buf = append(buf, ": ["...)
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	if component != "" || vmID != "" {
		buf = append(buf, strings.ToLower(component)...)
		if vmID != "" {
			buf = append(buf, '[')
			buf = append(buf, vmID...)
			buf = append(buf, ']')
		}
		buf = append(buf, ": "...)
	}
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = appendAttr(buf, "", a)
	}
	for _, a := range recAttrs {
		buf = appendAttr(buf, h.group, a)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, key, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	val := a.Value.String()
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		return strconv.AppendQuote(buf, val)
	}
	return append(buf, val...)
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		switch {
		case h.group == "" && a.Key == KeyComponent:
			h2.component = a.Value.String()
		case h.group == "" && a.Key == KeyVM:
			h2.vmID = a.Value.String()
		case h.group != "":
			a.Key = h.group + "." + a.Key
			h2.attrs = append(h2.attrs, a)
		default:
			h2.attrs = append(h2.attrs, a)
		}
	}
	return &h2
}

// WithGroup returns a handler that prefixes later keys with name.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	h2.group = name
	return &h2
}
