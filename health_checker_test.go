// health_checker_test.go: Tests for periodic plugin health probing
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePinger fails while failing is set.
type fakePinger struct {
	failing atomic.Bool
	calls   atomic.Int64
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errors.New("plugin unreachable")
	}
	return nil
}

func TestNewHealthCheckerDefaults(t *testing.T) {
	hc := NewHealthChecker(&fakePinger{}, HealthCheckConfig{}, nil)
	assert.Equal(t, DefaultHealthCheckConfig.Interval, hc.config.Interval)
	assert.Equal(t, DefaultHealthCheckConfig.Timeout, hc.config.Timeout)
	assert.Equal(t, DefaultHealthCheckConfig.FailureLimit, hc.config.FailureLimit)
	assert.Equal(t, StatusUnknown, hc.Status().Status)
	assert.True(t, hc.GetLastCheck().IsZero())
}

func TestHealthCheckerTransitions(t *testing.T) {
	pinger := &fakePinger{}
	var mu sync.Mutex
	var transitions []string
	hc := NewHealthChecker(pinger, HealthCheckConfig{
		FailureLimit: 2,
		OnChange: func(previous, current HealthStatus) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, previous.Status.String()+"->"+current.Status.String())
		},
	}, NewTestLogger())

	status := hc.Check()
	assert.Equal(t, StatusHealthy, status.Status)
	assert.False(t, hc.GetLastCheck().IsZero())

	pinger.failing.Store(true)
	status = hc.Check()
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "plugin unreachable", status.Message)
	assert.Equal(t, 1, status.Failures)

	status = hc.Check()
	assert.Equal(t, StatusOffline, status.Status)
	assert.Equal(t, int64(2), hc.GetConsecutiveFailures())

	// Staying offline is not a change.
	hc.Check()

	pinger.failing.Store(false)
	status = hc.Check()
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, int64(0), hc.GetConsecutiveFailures())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"unknown->healthy",
		"healthy->unhealthy",
		"unhealthy->offline",
		"offline->healthy",
	}, transitions)
}

func TestHealthCheckerStartStop(t *testing.T) {
	verifyNoLeaks(t)

	pinger := &fakePinger{}
	hc := NewHealthChecker(pinger, HealthCheckConfig{Interval: 10 * time.Millisecond}, NewTestLogger())

	hc.Start()
	hc.Start()
	require.True(t, hc.IsRunning())

	waitForCondition(t, func() bool { return pinger.calls.Load() >= 3 }, 2*time.Second, "periodic probes")

	hc.Stop()
	hc.Stop()
	assert.False(t, hc.IsRunning())

	calls := pinger.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, pinger.calls.Load(), "no probes after Stop")
}
