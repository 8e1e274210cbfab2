package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Attribute keys with dedicated rendering on the console.
const (
	KeySession = "session_id"
	KeyPhase   = "phase"
	KeyUnit    = "unit"
	KeyAttempt = "attempt"
)

// SanitizingHandler redacts secrets from the message and every attribute
// before the record reaches the wrapped handler.
type SanitizingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

// NewSanitizingHandler wraps next.
func NewSanitizingHandler(next slog.Handler, sanitizer *Sanitizer) *SanitizingHandler {
	return &SanitizingHandler{next: next, sanitizer: sanitizer}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.clean(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		cleaned[i] = h.clean(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(cleaned), sanitizer: h.sanitizer}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), sanitizer: h.sanitizer}
}

// clean redacts string values, error texts and groups. Errors are flattened
// to strings since their messages routinely quote runtime output.
func (h *SanitizingHandler) clean(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindGroup:
		group := v.Group()
		cleaned := make([]slog.Attr, len(group))
		for i, g := range group {
			cleaned[i] = h.clean(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(cleaned...)}
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, h.sanitizer.Sanitize(x.Error()))
		case map[string]any, []any, []string:
			return slog.Any(a.Key, h.sanitizer.SanitizeValue(x))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

var (
	styleTime   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleScope  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	styleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	levelStyles = map[slog.Level]lipgloss.Style{
		slog.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		slog.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		slog.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		slog.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
	levelLabels = map[slog.Level]string{
		slog.LevelDebug: "DBG",
		slog.LevelInfo:  "INF",
		slog.LevelWarn:  "WRN",
		slog.LevelError: "ERR",
	}
)

// scope is the session/unit context a console line is prefixed with.
type scope struct {
	session string
	phase   string
	unit    string
	attempt string
}

func (s *scope) absorb(a slog.Attr) bool {
	switch a.Key {
	case KeySession:
		s.session = a.Value.String()
	case KeyPhase:
		s.phase = a.Value.String()
	case KeyUnit:
		s.unit = a.Value.String()
	case KeyAttempt:
		s.attempt = a.Value.String()
	default:
		return false
	}
	return true
}

// String renders "[1b9d6bcd recon#2]". Session ids are cut to eight
// characters, like archive directory suffixes.
func (s scope) String() string {
	var parts []string
	if s.session != "" {
		id := s.session
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, id)
	}
	name := s.unit
	if name == "" {
		name = s.phase
	}
	if name != "" {
		if s.attempt != "" {
			name += "#" + s.attempt
		}
		parts = append(parts, name)
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ConsoleHandler writes one colored line per record for interactive use.
// Session, phase, unit and attempt attributes collapse into a short prefix.
type ConsoleHandler struct {
	mu       *sync.Mutex
	w        io.Writer
	renderer *lipgloss.Renderer
	level    slog.Level
	scope    scope
	attrs    []slog.Attr
	prefix   string
}

// NewConsoleHandler creates a console handler writing to w.
func NewConsoleHandler(w io.Writer, level slog.Level) *ConsoleHandler {
	return &ConsoleHandler{
		mu:       &sync.Mutex{},
		w:        w,
		renderer: lipgloss.NewRenderer(w),
		level:    level,
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	sc := h.scope
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix != "" || !sc.absorb(a) {
			attrs = append(attrs, a)
		}
		return true
	})

	var b strings.Builder
	b.WriteString(h.style(styleTime).Render(r.Time.Format(time.TimeOnly)))
	b.WriteByte(' ')
	b.WriteString(h.formatLevel(r.Level))
	if s := sc.String(); s != "" {
		b.WriteByte(' ')
		b.WriteString(h.style(styleScope).Render(s))
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		h.writeAttr(&b, "", a)
	}
	for _, a := range attrs {
		h.writeAttr(&b, h.prefix, a)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix == "" && next.scope.absorb(a) {
			continue
		}
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &next
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *ConsoleHandler) style(s lipgloss.Style) lipgloss.Style {
	return s.Renderer(h.renderer)
}

func (h *ConsoleHandler) formatLevel(level slog.Level) string {
	label, ok := levelLabels[level]
	if !ok {
		return level.String()
	}
	return h.style(levelStyles[level]).Render(label)
}

func (h *ConsoleHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, g := range v.Group() {
			h.writeAttr(b, prefix+a.Key+".", g)
		}
		return
	}
	val := v.String()
	if v.Kind() == slog.KindDuration {
		val = v.Duration().Round(time.Millisecond).String()
	}
	if strings.ContainsAny(val, " \t\n\"") {
		val = fmt.Sprintf("%q", val)
	}
	b.WriteByte(' ')
	b.WriteString(h.style(styleKey).Render(prefix + a.Key))
	b.WriteByte('=')
	b.WriteString(val)
}
