// logging.go: Pluggable logging system with an hclog bridge
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// loggerContextKey is a custom type for context keys to avoid collisions
type loggerContextKey string

const (
	// Context keys for logger storage
	loggerKey loggerContextKey = "logger"
)

// Logger defines the pluggable logging interface used by hosts and plugins.
//
// Any logging framework can be adapted by implementing these five methods.
// Arguments are alternating key-value pairs:
//
//	logger.Info("Plugin ready", "address", addr, "protocol", "grpc")
//
// Plugins usually log through NewHclogLogger on stderr in JSON form, so the
// host relay can decode each line and re-emit it through its own Logger.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// Supported types:
//   - Logger interface: Used directly
//   - hclog.Logger: Wrapped with NewHclogLogger
//   - nil: Returns NoOpLogger for silent operation
//   - Unsupported types: Panic with descriptive message
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case hclog.Logger:
		return NewHclogLogger(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger, hclog.Logger or nil")
	}
}

// HclogLogger adapts an hclog.Logger to the Logger interface.
type HclogLogger struct {
	logger hclog.Logger
}

// NewHclogLogger wraps l. A nil l yields a default hclog logger on stderr.
func NewHclogLogger(l hclog.Logger) *HclogLogger {
	if l == nil {
		l = hclog.Default()
	}
	return &HclogLogger{logger: l}
}

// NewPluginLogger builds the logger a plugin process should use: JSON lines
// on stderr, which the host relay understands.
func NewPluginLogger(name string, level string) *HclogLogger {
	return NewHclogLogger(newPluginHclog(name, level, os.Stderr))
}

func newPluginHclog(name, level string, w io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		Output:     w,
		JSONFormat: true,
	})
}

// Debug implements Logger interface
func (h *HclogLogger) Debug(msg string, args ...any) { h.logger.Debug(msg, args...) }

// Info implements Logger interface
func (h *HclogLogger) Info(msg string, args ...any) { h.logger.Info(msg, args...) }

// Warn implements Logger interface
func (h *HclogLogger) Warn(msg string, args ...any) { h.logger.Warn(msg, args...) }

// Error implements Logger interface
func (h *HclogLogger) Error(msg string, args ...any) { h.logger.Error(msg, args...) }

// With implements Logger interface
func (h *HclogLogger) With(args ...any) Logger {
	return &HclogLogger{logger: h.logger.With(args...)}
}

// Hclog returns the wrapped hclog.Logger.
func (h *HclogLogger) Hclog() hclog.Logger { return h.logger }

// pluginLogEntry is one decoded hclog JSON line.
type pluginLogEntry struct {
	Level   hclog.Level
	Message string
	Module  string
	Args    []any
}

// parsePluginLogLine decodes a JSON line written by an hclog logger.
// ok is false for anything that is not a JSON object.
func parsePluginLogLine(line []byte) (entry pluginLogEntry, ok bool) {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "{") {
		return entry, false
	}

	raw := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return entry, false
	}

	entry.Level = hclog.Info
	if lvl, isString := raw["@level"].(string); isString {
		if parsed := hclog.LevelFromString(lvl); parsed != hclog.NoLevel {
			entry.Level = parsed
		}
	}
	entry.Message, _ = raw["@message"].(string)
	entry.Module, _ = raw["@module"].(string)

	keys := make([]string, 0, len(raw))
	for k := range raw {
		if strings.HasPrefix(k, "@") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry.Args = append(entry.Args, k, raw[k])
	}
	return entry, true
}

// logPluginLine re-emits one plugin stderr line through logger.
func logPluginLine(logger Logger, line []byte) {
	entry, ok := parsePluginLogLine(line)
	if !ok {
		text := strings.TrimRight(string(line), "\r\n")
		if text != "" {
			logger.Debug(text)
		}
		return
	}

	args := entry.Args
	if entry.Module != "" {
		args = append([]any{"plugin_module", entry.Module}, args...)
	}

	switch entry.Level {
	case hclog.Trace, hclog.Debug:
		logger.Debug(entry.Message, args...)
	case hclog.Warn:
		logger.Warn(entry.Message, args...)
	case hclog.Error:
		logger.Error(entry.Message, args...)
	default:
		logger.Info(entry.Message, args...)
	}
}

// NoOpLogger provides a silent logger implementation for testing and minimal setups.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug implements Logger interface (no-op)
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger interface (no-op)
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger interface (no-op)
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger interface (no-op)
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger for testing - captures log messages
type TestLogger struct {
	mu       sync.RWMutex     `json:"-"`
	Messages []TestLogMessage `json:"messages"`
}

// TestLogMessage represents a captured log message for testing.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{
		Messages: make([]TestLogMessage, 0),
	}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, TestLogMessage{
		Level:   level,
		Message: msg,
		Args:    args,
	})
}

// Debug implements Logger interface (captures message)
func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }

// Info implements Logger interface (captures message)
func (t *TestLogger) Info(msg string, args ...any) { t.record("INFO", msg, args) }

// Warn implements Logger interface (captures message)
func (t *TestLogger) Warn(msg string, args ...any) { t.record("WARN", msg, args) }

// Error implements Logger interface (captures message)
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With implements Logger interface. Context is not chained; the same
// capture buffer is shared so messages from derived loggers are visible.
func (t *TestLogger) With(args ...any) Logger {
	return t
}

// HasMessage checks if the logger captured a message at level with the exact text.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range t.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the captured messages.
func (t *TestLogger) Snapshot() []TestLogMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TestLogMessage, len(t.Messages))
	copy(out, t.Messages)
	return out
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = t.Messages[:0]
}

// DefaultLogger creates a reasonable default logger for the library.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger from context if available.
//
// Plugin service handlers receive the runtime logger this way.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}

	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
