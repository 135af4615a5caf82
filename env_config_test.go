// env_config_test.go: Tests for environment variable expansion in catalogs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvironmentVariables_BasicExpansion(t *testing.T) {
	t.Setenv("BRIDGE_TEST_VAR1", "value1")
	t.Setenv("BRIDGE_TEST_VAR2", "value2")

	options := DefaultEnvConfigOptions()

	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"no variables", "no variables"},
		{"${BRIDGE_TEST_VAR1}", "value1"},
		{"${BRIDGE_TEST_VAR1}-${BRIDGE_TEST_VAR2}", "value1-value2"},
		{"${BRIDGE_TEST_MISSING:-fallback}", "fallback"},
		{"${BRIDGE_TEST_MISSING}", ""},
		{"$BRIDGE_TEST_VAR1", "$BRIDGE_TEST_VAR1"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ExpandEnvironmentVariables(tt.input, options)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExpandEnvironmentVariables_ResolutionOrder(t *testing.T) {
	options := EnvConfigOptions{
		Prefix:    "PLUGIN_BRIDGE_",
		Defaults:  map[string]string{"BRIDGE_ORDER": "global"},
		Overrides: map[string]string{},
	}

	got, err := ExpandEnvironmentVariables("${BRIDGE_ORDER:-inline}", options)
	require.NoError(t, err)
	assert.Equal(t, "inline", got, "inline default wins over Defaults")

	got, err = ExpandEnvironmentVariables("${BRIDGE_ORDER}", options)
	require.NoError(t, err)
	assert.Equal(t, "global", got)

	options.Overrides["BRIDGE_ORDER"] = "override"
	got, err = ExpandEnvironmentVariables("${BRIDGE_ORDER:-inline}", options)
	require.NoError(t, err)
	assert.Equal(t, "override", got)

	t.Setenv("BRIDGE_ORDER", "bare")
	got, err = ExpandEnvironmentVariables("${BRIDGE_ORDER:-inline}", options)
	require.NoError(t, err)
	assert.Equal(t, "bare", got)

	t.Setenv("PLUGIN_BRIDGE_BRIDGE_ORDER", "prefixed")
	got, err = ExpandEnvironmentVariables("${BRIDGE_ORDER:-inline}", options)
	require.NoError(t, err)
	assert.Equal(t, "prefixed", got)
}

func TestExpandEnvironmentVariables_FailOnMissing(t *testing.T) {
	options := DefaultEnvConfigOptions()
	options.FailOnMissing = true

	input := "cmd --token ${BRIDGE_TEST_ABSENT}"
	got, err := ExpandEnvironmentVariables(input, options)
	require.Error(t, err)
	assert.True(t, hasCode(err, ErrCodeConfigValidationError))
	assert.Equal(t, input, got, "input is left unexpanded on failure")
}

func TestExpandEnvironmentVariables_Validation(t *testing.T) {
	options := DefaultEnvConfigOptions()

	t.Run("control character", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_CTRL", "bad\x07value")
		_, err := ExpandEnvironmentVariables("${BRIDGE_TEST_CTRL}", options)
		assert.Error(t, err)
	})

	t.Run("too long", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_LONG", strings.Repeat("a", maxEnvValueLength+1))
		_, err := ExpandEnvironmentVariables("${BRIDGE_TEST_LONG}", options)
		assert.Error(t, err)
	})

	t.Run("tabs allowed", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_TAB", "a\tb")
		got, err := ExpandEnvironmentVariables("${BRIDGE_TEST_TAB}", options)
		require.NoError(t, err)
		assert.Equal(t, "a\tb", got)
	})

	t.Run("validation disabled", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_CTRL", "bad\x07value")
		relaxed := options
		relaxed.ValidateValues = false
		got, err := ExpandEnvironmentVariables("${BRIDGE_TEST_CTRL}", relaxed)
		require.NoError(t, err)
		assert.Equal(t, "bad\x07value", got)
	})

	t.Run("null byte in override", func(t *testing.T) {
		withNull := DefaultEnvConfigOptions()
		withNull.Overrides["BRIDGE_TEST_NULL"] = "a\x00b"
		_, err := ExpandEnvironmentVariables("${BRIDGE_TEST_NULL}", withNull)
		assert.Error(t, err)
	})
}

func TestEnvExpander(t *testing.T) {
	t.Setenv("BRIDGE_TEST_DIR", "/opt/plugins")

	e := &envExpander{options: DefaultEnvConfigOptions()}
	command := "${BRIDGE_TEST_DIR}/demo"
	args := []string{"--dir", "${BRIDGE_TEST_DIR}"}
	env := map[string]string{"HOME": "${BRIDGE_TEST_DIR}/home"}

	e.field("command", &command)
	e.slice("args", args)
	e.mapValues("env", env)
	require.NoError(t, e.err)

	assert.Equal(t, "/opt/plugins/demo", command)
	assert.Equal(t, []string{"--dir", "/opt/plugins"}, args)
	assert.Equal(t, "/opt/plugins/home", env["HOME"])

	strict := &envExpander{options: EnvConfigOptions{FailOnMissing: true}}
	missing := "${BRIDGE_TEST_NOPE}"
	later := "${BRIDGE_TEST_DIR}"
	strict.field("first", &missing)
	strict.field("second", &later)
	require.Error(t, strict.err)
	assert.Equal(t, "${BRIDGE_TEST_DIR}", later, "expansion stops after the first error")
}
