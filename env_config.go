// env_config.go: Environment variable expansion for plugin catalogs
//
// Catalog string fields may reference the host environment with ${VAR} or
// ${VAR:-default}. Expansion happens once per load, before validation, so a
// reloaded catalog picks up the environment of the moment.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// maxEnvValueLength bounds an expanded value.
const maxEnvValueLength = 4096

var envVariablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// EnvConfigOptions configures environment variable expansion.
//
// Example:
//
//	options := EnvConfigOptions{
//	    Prefix:         "PLUGIN_BRIDGE_",
//	    FailOnMissing:  true,
//	    ValidateValues: true,
//	}
type EnvConfigOptions struct {
	// Prefix is tried before the bare variable name.
	Prefix string `json:"prefix" yaml:"prefix"`

	// FailOnMissing turns an unresolved variable into an error instead of
	// an empty string.
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// ValidateValues rejects values with null bytes, control characters or
	// excessive length.
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`

	// Defaults apply when neither the environment nor an inline default
	// resolves a variable.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Overrides win over inline and global defaults but not over the
	// environment.
	Overrides map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultEnvConfigOptions returns the options used by LoadCatalog.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         "PLUGIN_BRIDGE_",
		FailOnMissing:  false,
		ValidateValues: true,
		Defaults:       make(map[string]string),
		Overrides:      make(map[string]string),
	}
}

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} in input.
//
// Resolution order for each variable:
//  1. the prefixed environment variable
//  2. the bare environment variable
//  3. Overrides
//  4. the inline default
//  5. Defaults
//
// An unresolved variable expands to "" unless FailOnMissing is set. The
// first failure is returned and input is left unexpanded.
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" || !strings.Contains(input, "${") {
		return input, nil
	}

	var firstErr error
	result := envVariablePattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVariablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		inlineDefault := ""
		if len(submatches) >= 4 {
			inlineDefault = submatches[3]
		}

		expanded, err := expandSingleEnvironmentVariable(submatches[1], inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return expanded
	})
	if firstErr != nil {
		return input, firstErr
	}
	return result, nil
}

func expandSingleEnvironmentVariable(varName, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixedName := options.Prefix + varName
	if options.Prefix != "" {
		if value := os.Getenv(prefixedName); value != "" {
			return validateAndSanitizeValue(varName, value, options)
		}
	}
	if value := os.Getenv(varName); value != "" {
		return validateAndSanitizeValue(varName, value, options)
	}
	if value, exists := options.Overrides[varName]; exists {
		return validateAndSanitizeValue(varName, value, options)
	}
	if inlineDefault != "" {
		return validateAndSanitizeValue(varName, inlineDefault, options)
	}
	if value, exists := options.Defaults[varName]; exists {
		return validateAndSanitizeValue(varName, value, options)
	}

	if options.FailOnMissing {
		return "", NewConfigValidationError(
			fmt.Sprintf("required environment variable not found: %s (also tried %s)", varName, prefixedName), nil)
	}
	return "", nil
}

func validateAndSanitizeValue(varName, value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}
	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable %s contains null byte", varName), nil)
	}
	if len(value) > maxEnvValueLength {
		return "", NewConfigValidationError(
			fmt.Sprintf("environment variable %s too long: %d bytes (max %d)", varName, len(value), maxEnvValueLength), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return "", NewConfigValidationError(
				fmt.Sprintf("environment variable %s contains control character at position %d", varName, i), nil)
		}
	}
	return value, nil
}

// envExpander applies one set of options to many fields and keeps the
// first error.
type envExpander struct {
	options EnvConfigOptions
	err     error
}

func (e *envExpander) field(name string, value *string) {
	if e.err != nil {
		return
	}
	expanded, err := ExpandEnvironmentVariables(*value, e.options)
	if err != nil {
		e.err = NewConfigValidationError(fmt.Sprintf("failed to expand %s", name), err)
		return
	}
	*value = expanded
}

func (e *envExpander) slice(name string, values []string) {
	for i := range values {
		e.field(fmt.Sprintf("%s[%d]", name, i), &values[i])
	}
}

func (e *envExpander) mapValues(name string, values map[string]string) {
	for k, v := range values {
		e.field(name+"."+k, &v)
		values[k] = v
	}
}
