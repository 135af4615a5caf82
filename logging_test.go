// logging_test.go: Tests for the logger adapters and the plugin log relay
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"bytes"
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	test := NewTestLogger()
	assert.Same(t, test, NewLogger(test))

	_, isNoOp := NewLogger(nil).(*NoOpLogger)
	assert.True(t, isNoOp)

	_, isHclog := NewLogger(hclog.NewNullLogger()).(*HclogLogger)
	assert.True(t, isHclog)

	assert.Panics(t, func() { NewLogger("not a logger") })
}

func TestParsePluginLogLine(t *testing.T) {
	var buf bytes.Buffer
	newPluginHclog("demo", "debug", &buf).Warn("disk almost full", "free_mb", 12)

	entry, ok := parsePluginLogLine(buf.Bytes())
	require.True(t, ok)
	assert.Equal(t, hclog.Warn, entry.Level)
	assert.Equal(t, "disk almost full", entry.Message)
	assert.Equal(t, "demo", entry.Module)
	assert.Equal(t, []any{"free_mb", float64(12)}, entry.Args)

	_, ok = parsePluginLogLine([]byte("plain text\n"))
	assert.False(t, ok)

	_, ok = parsePluginLogLine([]byte("{not json"))
	assert.False(t, ok)

	entry, ok = parsePluginLogLine([]byte(`{"@message":"no level"}`))
	require.True(t, ok)
	assert.Equal(t, hclog.Info, entry.Level)
}

func TestLogPluginLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		level   string
		message string
	}{
		{"trace", `{"@level":"trace","@message":"t"}`, "DEBUG", "t"},
		{"debug", `{"@level":"debug","@message":"d"}`, "DEBUG", "d"},
		{"info", `{"@level":"info","@message":"i"}`, "INFO", "i"},
		{"warn", `{"@level":"warn","@message":"w"}`, "WARN", "w"},
		{"error", `{"@level":"error","@message":"e"}`, "ERROR", "e"},
		{"plain", "some output\r\n", "DEBUG", "some output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewTestLogger()
			logPluginLine(logger, []byte(tt.line))
			assert.True(t, logger.HasMessage(tt.level, tt.message), "messages: %+v", logger.Snapshot())
		})
	}

	logger := NewTestLogger()
	logPluginLine(logger, []byte("\n"))
	assert.Empty(t, logger.Snapshot())
}

func TestLogPluginLineKeepsModule(t *testing.T) {
	logger := NewTestLogger()
	logPluginLine(logger, []byte(`{"@level":"info","@message":"ready","@module":"demo","port":1}`))

	messages := logger.Snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, []any{"plugin_module", "demo", "port", float64(1)}, messages[0].Args)
}

func TestTestLogger(t *testing.T) {
	logger := NewTestLogger()
	logger.Info("one")
	logger.With("k", "v").Error("two")

	assert.True(t, logger.HasMessage("INFO", "one"))
	assert.True(t, logger.HasMessage("ERROR", "two"))
	assert.False(t, logger.HasMessage("WARN", "one"))

	logger.Clear()
	assert.Empty(t, logger.Snapshot())
}

func TestLoggerContext(t *testing.T) {
	_, isNoOp := LoggerFromContext(context.Background()).(*NoOpLogger)
	assert.True(t, isNoOp)

	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
}
