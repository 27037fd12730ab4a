package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu       sync.RWMutex
	disabled = false
	logger   = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Options configures the process-wide logger
type Options struct {
	Level  string    // debug, info, warn, error
	Pretty bool      // human-readable console output
	Output io.Writer // defaults to stdout
}

// Configure replaces the process-wide logger
func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "nebochat").
		Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
}

// ParseLevel maps a config level name to a zerolog level (default: info)
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Disable turns off all logging
func Disable() {
	mu.Lock()
	disabled = true
	mu.Unlock()
}

// Enable turns logging back on
func Enable() {
	mu.Lock()
	disabled = false
	mu.Unlock()
}

func current() (zerolog.Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return logger, disabled
}

// Component returns a structured logger tagged with a component name.
// Disabled logging yields a no-op logger.
func Component(name string) zerolog.Logger {
	l, off := current()
	if off {
		return zerolog.Nop()
	}
	return l.With().Str("component", name).Logger()
}

func emit(level zerolog.Level, msg string) {
	l, off := current()
	if off {
		return
	}
	l.WithLevel(level).Msg(msg)
}

// Info logs an info message
func Info(v ...any) { emit(zerolog.InfoLevel, sprint(v...)) }

// Infof logs a formatted info message
func Infof(format string, v ...any) { emit(zerolog.InfoLevel, fmt.Sprintf(format, v...)) }

// Error logs an error message
func Error(v ...any) { emit(zerolog.ErrorLevel, sprint(v...)) }

// Errorf logs a formatted error message
func Errorf(format string, v ...any) { emit(zerolog.ErrorLevel, fmt.Sprintf(format, v...)) }

// Warn logs a warning message
func Warn(v ...any) { emit(zerolog.WarnLevel, sprint(v...)) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) { emit(zerolog.WarnLevel, fmt.Sprintf(format, v...)) }

// Debug logs a debug message
func Debug(v ...any) { emit(zerolog.DebugLevel, sprint(v...)) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) { emit(zerolog.DebugLevel, fmt.Sprintf(format, v...)) }

// sprint joins operands with spaces like log.Println without the trailing newline
func sprint(v ...any) string {
	return strings.TrimSuffix(fmt.Sprintln(v...), "\n")
}
