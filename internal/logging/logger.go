package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Logger wraps slog.Logger with additional features.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "auto",
		Output:    os.Stderr,
		AddSource: false,
	}
}

// New creates a logger. Every handler is wrapped so secrets never reach the
// output, whatever the format.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	sanitizer := NewSanitizer()
	return &Logger{
		Logger:    slog.New(NewSanitizingHandler(newHandler(cfg), sanitizer)),
		sanitizer: sanitizer,
	}
}

// newHandler picks the output format. "auto" renders the console format on
// a terminal and JSON lines otherwise, so redirected runs stay parseable.
func newHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	switch cfg.Format {
	case "text":
		return slog.NewTextHandler(cfg.Output, opts)
	case "json":
		return slog.NewJSONHandler(cfg.Output, opts)
	}
	if isTerminal(cfg.Output) {
		return NewConsoleHandler(cfg.Output, opts.Level.Level())
	}
	return slog.NewJSONHandler(cfg.Output, opts)
}

// NewNop creates a logger that discards everything.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.DiscardHandler),
		sanitizer: NewSanitizer(),
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying l.
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or nil.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(ctxKey{}).(*Logger)
	return l
}

// WithContext returns the logger scoped to ctx when one was attached with
// NewContext, and l otherwise.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if scoped := FromContext(ctx); scoped != nil {
		return scoped
	}
	return l
}

func (l *Logger) scoped(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), sanitizer: l.sanitizer}
}

// WithSession tags records with the session id.
func (l *Logger) WithSession(sessionID string) *Logger { return l.scoped(KeySession, sessionID) }

// WithPhase tags records with the phase name.
func (l *Logger) WithPhase(phase string) *Logger { return l.scoped(KeyPhase, phase) }

// WithUnit tags records with the unit name.
func (l *Logger) WithUnit(unit string) *Logger { return l.scoped(KeyUnit, unit) }

// WithAttempt tags records with the 1-based attempt number.
func (l *Logger) WithAttempt(attempt int) *Logger { return l.scoped(KeyAttempt, attempt) }

// With returns a logger with custom fields.
func (l *Logger) With(args ...any) *Logger { return l.scoped(args...) }

// Sanitizer returns the sanitizer used by this logger.
func (l *Logger) Sanitizer() *Sanitizer {
	return l.sanitizer
}

// Sanitize sanitizes a string using the logger's sanitizer.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}
