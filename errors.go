// errors.go: structured error definitions for the plugin bridge
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"errors"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for the plugin bridge
const (
	// Handshake errors (2100-2199)
	ErrCodeHandshakeError   = "HANDSHAKE_2101"
	ErrCodeHandshakeTimeout = "HANDSHAKE_2102"

	// Transport errors (2200-2299)
	ErrCodeConnectError   = "TRANSPORT_2201"
	ErrCodeTransportError = "TRANSPORT_2202"

	// Registry errors (2300-2399)
	ErrCodeNotFound         = "REGISTRY_2301"
	ErrCodeDuplicateService = "REGISTRY_2302"

	// Lifecycle errors (2400-2499)
	ErrCodeInvalidConfiguration = "LIFECYCLE_2401"
	ErrCodeInvalidState         = "LIFECYCLE_2402"

	// Stdio errors (2500-2599)
	ErrCodeAlreadyTaken = "STDIO_2501"

	// Process errors (2600-2699)
	ErrCodeProcessError = "PROCESS_2601"

	// Configuration management errors (2700-2799)
	ErrCodeConfigValidationError = "CONFIG_2701"
	ErrCodeConfigParseError      = "CONFIG_2702"
	ErrCodeConfigWatcherError    = "CONFIG_2703"
)

// build picks Wrap when there is a cause so the chain stays inspectable.
func build(code goerrors.ErrorCode, message string, cause error) *goerrors.Error {
	if cause != nil {
		return goerrors.Wrap(cause, code, message)
	}
	return goerrors.New(code, message)
}

// Handshake error constructors

func NewHandshakeError(message string, cause error) *goerrors.Error {
	return build(ErrCodeHandshakeError, "Handshake error: "+message, cause).
		WithUserMessage("Plugin handshake failed").
		WithSeverity("error")
}

func NewHandshakeTimeoutError(timeout interface{}) *goerrors.Error {
	return goerrors.New(ErrCodeHandshakeTimeout, "Handshake error: plugin did not write its handshake line in time").
		WithUserMessage("Plugin handshake timed out").
		WithContext("timeout", timeout).
		WithSeverity("error")
}

// Transport error constructors

func NewConnectError(address string, cause error) *goerrors.Error {
	return build(ErrCodeConnectError, "Failed to connect to plugin", cause).
		WithUserMessage("Could not open a channel to the plugin").
		WithContext("address", address).
		WithSeverity("error")
}

func NewTransportError(message string, cause error) *goerrors.Error {
	return build(ErrCodeTransportError, "Transport error: "+message, cause).
		WithUserMessage("Plugin transport failure").
		WithSeverity("error")
}

// Registry error constructors

func NewNotFoundError(name string) *goerrors.Error {
	return goerrors.New(ErrCodeNotFound, "Plugin service not found").
		WithUserMessage("The requested service is not available from the plugin").
		WithContext("service", name).
		WithSeverity("error")
}

func NewDuplicateServiceError(name string) *goerrors.Error {
	return goerrors.New(ErrCodeDuplicateService, "Duplicate service name").
		WithUserMessage("A service with this name is already registered").
		WithContext("service", name).
		WithSeverity("error")
}

// Lifecycle error constructors

func NewInvalidConfigurationError(message string, cause error) *goerrors.Error {
	return build(ErrCodeInvalidConfiguration, "Invalid configuration: "+message, cause).
		WithUserMessage("The plugin rejected its configuration").
		WithSeverity("error")
}

func NewInvalidStateError(operation string, state interface{}) *goerrors.Error {
	return goerrors.New(ErrCodeInvalidState, "Operation not allowed in current state").
		WithUserMessage("The plugin is not in a state that accepts this call").
		WithContext("operation", operation).
		WithContext("state", state).
		WithSeverity("error")
}

// Stdio error constructors

func NewAlreadyTakenError(stream string) *goerrors.Error {
	return goerrors.New(ErrCodeAlreadyTaken, "Stream already taken").
		WithUserMessage("This plugin output stream has already been handed out").
		WithContext("stream", stream).
		WithSeverity("warning")
}

// Process error constructors

func NewProcessError(message string, cause error) *goerrors.Error {
	return build(ErrCodeProcessError, "Process error: "+message, cause).
		WithUserMessage("Plugin process failure").
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigValidationError(message string, cause error) *goerrors.Error {
	return build(ErrCodeConfigValidationError, "Config validation error: "+message, cause).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *goerrors.Error {
	return build(ErrCodeConfigParseError, "Failed to parse configuration", cause).
		WithUserMessage("Configuration file is not valid").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *goerrors.Error {
	return build(ErrCodeConfigWatcherError, "Config watcher error: "+message, cause).
		WithUserMessage("Configuration watcher failure").
		WithSeverity("error")
}

// hasCode reports whether any structured error in the chain carries code.
func hasCode(err error, code goerrors.ErrorCode) bool {
	for err != nil {
		var bridgeErr *goerrors.Error
		if !errors.As(err, &bridgeErr) {
			return false
		}
		if bridgeErr.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(bridgeErr)
	}
	return false
}

// IsHandshakeError reports handshake failures, timeouts included.
func IsHandshakeError(err error) bool {
	return hasCode(err, ErrCodeHandshakeError) || hasCode(err, ErrCodeHandshakeTimeout)
}

func IsHandshakeTimeoutError(err error) bool { return hasCode(err, ErrCodeHandshakeTimeout) }

func IsConnectError(err error) bool { return hasCode(err, ErrCodeConnectError) }

func IsNotFoundError(err error) bool { return hasCode(err, ErrCodeNotFound) }

func IsDuplicateServiceError(err error) bool { return hasCode(err, ErrCodeDuplicateService) }

func IsInvalidConfigurationError(err error) bool { return hasCode(err, ErrCodeInvalidConfiguration) }

func IsInvalidStateError(err error) bool { return hasCode(err, ErrCodeInvalidState) }

func IsAlreadyTakenError(err error) bool { return hasCode(err, ErrCodeAlreadyTaken) }
