package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a slog.Logger bound to one component. The component attribute
// is attached exactly once, so WithComponent replaces rather than stacks.
type Logger struct {
	*slog.Logger
	base      *slog.Logger
	component string
}

// Format selects the record encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration. Handler, when set, wins over
// Format and Output.
type Config struct {
	Level     slog.Level
	Format    Format
	Component string
	Output    io.Writer
	Handler   slog.Handler
}

func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		Format:    FormatText,
		Component: ComponentApp,
		Output:    os.Stdout,
	}
}

// ParseLevel maps LOG_LEVEL values (debug, info, warn, error) to slog levels.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat accepts "json"; anything else is text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// StatusLevel is the level an HTTP response with status is logged at.
func StatusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewText builds a component logger writing text records to w.
func NewText(w io.Writer, level slog.Level, component string) *Logger {
	return New(Config{Level: level, Format: FormatText, Component: component, Output: w})
}

func New(cfg Config) *Logger {
	h := cfg.Handler
	if h == nil {
		h = newHandler(cfg)
	}
	return bind(slog.New(h), cfg.Component)
}

func newHandler(cfg Config) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Ledger timestamps are UTC.
			if a.Key == slog.TimeKey && len(groups) == 0 && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		},
	}
	if cfg.Format == FormatJSON {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

func bind(base *slog.Logger, component string) *Logger {
	l := &Logger{Logger: base, base: base, component: component}
	if component != "" {
		l.Logger = base.With(FieldComponent, component)
	}
	return l
}

// With returns a logger carrying args in addition to the component.
func (l *Logger) With(args ...any) *Logger {
	return bind(l.base.With(args...), l.component)
}

// WithComponent rebinds the logger to component.
func (l *Logger) WithComponent(component string) *Logger {
	if component == l.component {
		return l
	}
	return bind(l.base, component)
}

func (l *Logger) Component() string {
	return l.component
}

// SetDefault installs logger as the process-wide slog default, so packages
// that log through slog directly share its handler and level.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}
