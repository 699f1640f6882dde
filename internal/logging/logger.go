// Package logging provides the structured logger used across vmlink.
//
// It wraps log/slog with a compact console handler and a JSON mode. Loggers
// are scoped with WithComponent, and per-agent loggers add the VM id with
// WithVM so every line about a session can be grepped by vm_id.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Attribute keys the console handler lifts into the line header.
const (
	KeyComponent = "component"
	KeyVM        = "vm_id"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Logger wraps slog with a shared, adjustable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level     Level
	Output    io.Writer
	JSON      bool
	AddSource bool
	// TimeFormat applies to console output only. Empty means RFC 3339.
	TimeFormat string
}

// DefaultConfig returns console logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		h := NewConsoleHandler(cfg.Output, opts)
		if cfg.TimeFormat != "" {
			h.timeFormat = cfg.TimeFormat
		}
		handler = h
	}

	return &Logger{Logger: slog.New(handler), level: levelVar}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Level: LevelError + 4, Output: io.Discard})
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// into a Level. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Default returns the process-wide logger, creating a console logger on
// first use.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger and routes the slog package
// functions through it.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(KeyComponent, name)
}

// WithVM returns a logger tagged with a VM id.
func (l *Logger) WithVM(vmID string) *Logger {
	return l.with(KeyVM, vmID)
}

// Audit records an action taken on a resource without an operator asking
// for it, such as tearing down a session after its endpoint vanished.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := make([]any, 0, 6+2*len(details))
	args = append(args, "audit", true, "action", action, "resource", resource)
	for k, v := range details {
		args = append(args, k, v)
	}
	l.Info("audit", args...)
}
