package log

import (
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"strings"
)

// Config declares a logger: level, format (json|text) and output
// (console|null). Redact lists field keys whose values are masked.
type Config struct {
	Level  string
	Format string
	Output string
	Redact []string
	// SampleInitial/SampleThereafter enable per-message sampling when
	// SampleThereafter > 0.
	SampleInitial    int
	SampleThereafter int
}

// ParseLevel maps a level name to Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg. The "token" key is always redacted.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(lvl)}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts = append(opts, WithFormatter(&TextFormatter{}))
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	switch strings.ToLower(cfg.Output) {
	case "", "console", "stderr":
		opts = append(opts, WithOutput(NewConsoleOutput()))
	case "null":
		opts = append(opts, WithOutput(NullOutput{}))
	default:
		return nil, fmt.Errorf("log: unknown output %q", cfg.Output)
	}
	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(append([]string{"token"}, cfg.Redact...))
	h = h.withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}

// RedirectStdLog sends the standard library logger through l at info level.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(ToStdWriter(l))
}

// ToStdLogger returns a *log.Logger writing into l.
func ToStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(ToStdWriter(l), "", 0)
}

type stdWriter struct{ l Logger }

// ToStdWriter adapts l to an io.Writer, one record per write.
func ToStdWriter(l Logger) io.Writer { return &stdWriter{l: l} }

func (w *stdWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"), Str("source", "stdlog"))
	return len(p), nil
}
