// panic_recovery.go: Panic recovery for relay goroutines and plugin handlers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"fmt"
	"runtime"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a panic recovery function that logs panic details
// including full stack trace. Use it with defer:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// recoverInto turns a panic into an error stored in *errp, for goroutines
// run under an errgroup where a panic must not take the host down.
func recoverInto(logger Logger, component string, errp *error) {
	if r := recover(); r != nil {
		logger.Error("Panic recovered",
			"component", component,
			"panic", r,
			"stack", string(captureStack()))
		*errp = fmt.Errorf("%s: panic: %v", component, r)
	}
}

// SafeGo executes a function in a new goroutine with automatic panic recovery.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// grpcPanicHandler converts a panic inside a plugin service handler into an
// Internal status so one faulty call does not kill the plugin process.
func grpcPanicHandler(logger Logger) func(ctx context.Context, p interface{}) error {
	return func(ctx context.Context, p interface{}) error {
		logger.Error("Panic recovered in service handler",
			"panic", p,
			"stack", string(captureStack()))
		return status.Errorf(codes.Internal, "plugin panic: %v", p)
	}
}
