// Package logger is the process-wide structured logger, built on log/slog.
//
// Packages log through the package-level functions with key/value pairs:
//
//	logger.Debug("Block reclaimed", logger.KeyBlock, b, logger.KeyEraseCount, n)
//
// Output goes to stdout in colored text by default (plain text when stdout
// is not a terminal), and can be switched to JSON or redirected with Init.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// Level represents log levels
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func (l Level) toSlog() slog.Level {
	// slog levels are spaced by 4 starting at Debug = -4.
	return slog.Level(4 * (int(l) - 1))
}

// ParseLevel converts a level name to a Level. WARNING is accepted for WARN.
func ParseLevel(s string) (Level, bool) {
	name := strings.ToUpper(s)
	if name == "WARNING" {
		return LevelWarn, true
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return LevelInfo, false
}

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

// settings is an immutable snapshot of the logger state. Every change
// installs a new snapshot with a rebuilt handler.
type settings struct {
	level  Level
	format string
	out    io.Writer
	color  bool
	logger *slog.Logger
}

var (
	updateMu sync.Mutex
	current  atomic.Pointer[settings]
)

func init() {
	update(func(s *settings) {
		s.level = LevelInfo
		s.format = "text"
		s.out = os.Stdout
		s.color = isTerminal(os.Stdout)
	})
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// update applies fn to a copy of the current settings and installs it.
func update(fn func(s *settings)) {
	updateMu.Lock()
	defer updateMu.Unlock()

	var next settings
	if cur := current.Load(); cur != nil {
		next = *cur
	}
	fn(&next)

	opts := &slog.HandlerOptions{Level: next.level.toSlog()}
	var handler slog.Handler
	if next.format == "json" {
		handler = slog.NewJSONHandler(next.out, opts)
	} else {
		handler = NewColorTextHandler(next.out, opts, next.color)
	}
	next.logger = slog.New(handler)
	current.Store(&next)
}

// openOutput resolves an output name to a writer and reports whether it
// supports color.
func openOutput(name string) (io.Writer, bool, error) {
	switch strings.ToLower(name) {
	case "stdout":
		return os.Stdout, isTerminal(os.Stdout), nil
	case "stderr":
		return os.Stderr, isTerminal(os.Stderr), nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open log file %q: %w", name, err)
	}
	return f, false, nil
}

// Init initializes the logger with the given configuration. Empty fields
// keep their current value; unknown level and format names are ignored.
func Init(cfg Config) error {
	var (
		out   io.Writer
		color bool
	)
	if cfg.Output != "" {
		var err error
		if out, color, err = openOutput(cfg.Output); err != nil {
			return err
		}
	}

	update(func(s *settings) {
		if out != nil {
			s.out, s.color = out, color
		}
		applyLevel(s, cfg.Level)
		applyFormat(s, cfg.Format)
	})
	return nil
}

// InitWithWriter directs output to w. Used by tests.
func InitWithWriter(w io.Writer, level, format string, enableColor bool) {
	update(func(s *settings) {
		s.out, s.color = w, enableColor
		applyLevel(s, level)
		applyFormat(s, format)
	})
}

func applyLevel(s *settings, name string) {
	if l, ok := ParseLevel(name); ok {
		s.level = l
	}
}

func applyFormat(s *settings, name string) {
	switch f := strings.ToLower(name); f {
	case "text", "json":
		s.format = f
	}
}

// SetLevel sets the minimum log level. Unknown names are ignored.
func SetLevel(level string) {
	update(func(s *settings) { applyLevel(s, level) })
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	return current.Load().level
}

// SetFormat sets the output format (text or json). Unknown names are
// ignored.
func SetFormat(format string) {
	update(func(s *settings) { applyFormat(s, format) })
}

// With returns a logger with attributes bound to every record.
func With(args ...any) *slog.Logger {
	return current.Load().logger.With(args...)
}

func emit(ctx context.Context, level Level, msg string, args []any) {
	s := current.Load()
	if level < s.level {
		return
	}
	s.logger.Log(ctx, level.toSlog(), msg, args...)
}

// ============================================================================
// Structured Logging API
// ============================================================================

// Debug logs at debug level.
// Usage: Debug("message", "key1", value1, "key2", value2)
func Debug(msg string, args ...any) { emit(context.Background(), LevelDebug, msg, args) }

// Info logs at info level.
func Info(msg string, args ...any) { emit(context.Background(), LevelInfo, msg, args) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { emit(context.Background(), LevelWarn, msg, args) }

// Error logs at error level.
func Error(msg string, args ...any) { emit(context.Background(), LevelError, msg, args) }

// ============================================================================
// Context-aware Logging API
// ============================================================================

// DebugCtx logs at debug level, prefixed with the LogContext fields of ctx.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, LevelDebug, msg, withContextFields(ctx, args))
}

// InfoCtx logs at info level with context.
func InfoCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, LevelInfo, msg, withContextFields(ctx, args))
}

// WarnCtx logs at warn level with context.
func WarnCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, LevelWarn, msg, withContextFields(ctx, args))
}

// ErrorCtx logs at error level with context.
func ErrorCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, LevelError, msg, withContextFields(ctx, args))
}
