package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	levelVar     = new(slog.LevelVar)
	logger       *slog.Logger
	initOnce     sync.Once
)

// ParseLevel converts a level name into a LogLevel. Unknown names map to
// LevelInfo and report ok=false.
func ParseLevel(name string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// levelFromEnv reads DEBUG first, then LOG_LEVEL.
func levelFromEnv() LogLevel {
	if debug := os.Getenv("DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "1", "true", "yes", "on":
			return LevelDebug
		}
	}
	level, _ := ParseLevel(os.Getenv("LOG_LEVEL"))
	return level
}

func ensureInit() {
	initOnce.Do(func() {
		level := levelFromEnv()
		mu.Lock()
		currentLevel = level
		levelVar.Set(level.slogLevel())
		logger = slog.New(newHandler(os.Stderr, os.Getenv("LOG_FORMAT")))
		mu.Unlock()
	})
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Configure replaces the output writer and format ("text" or "json") and
// sets the level. A nil writer keeps stderr.
func Configure(w io.Writer, format string, level LogLevel) {
	ensureInit()
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	levelVar.Set(level.slogLevel())
	logger = slog.New(newHandler(w, format))
}

// SetLevel changes the active level at runtime.
func SetLevel(level LogLevel) {
	ensureInit()
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	levelVar.Set(level.slogLevel())
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	ensureInit()
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

// Logger returns the underlying structured logger, tagged with component
// when one is given.
func Logger(component string) *slog.Logger {
	ensureInit()
	mu.RLock()
	l := logger
	mu.RUnlock()
	if component != "" {
		return l.With(slog.String("component", component))
	}
	return l
}

func logf(level slog.Level, format string, args ...interface{}) {
	l := Logger("")
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	logf(slog.LevelDebug, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	logf(slog.LevelInfo, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	logf(slog.LevelWarn, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	logf(slog.LevelError, format, args...)
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	logf(slog.LevelError, "[FATAL] "+format, args...)
	os.Exit(1)
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}
