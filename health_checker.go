// health_checker.go: Periodic liveness probing of a connected plugin
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Pinger is anything that can probe a plugin. *Client and *Channel
// implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckConfig configures a HealthChecker.
type HealthCheckConfig struct {
	Interval     time.Duration `json:"interval" yaml:"interval"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	FailureLimit int           `json:"failure_limit" yaml:"failure_limit"`

	// OnChange is called from the checker goroutine whenever the reported
	// status changes.
	OnChange func(previous, current HealthStatus) `json:"-" yaml:"-"`
}

// DefaultHealthCheckConfig holds the defaults applied by NewHealthChecker.
var DefaultHealthCheckConfig = HealthCheckConfig{
	Interval:     30 * time.Second,
	Timeout:      5 * time.Second,
	FailureLimit: 3,
}

// HealthChecker pings a plugin at a fixed interval and tracks consecutive
// failures. The bridge never restarts a plugin; OnChange is where a host
// hooks its own policy.
type HealthChecker struct {
	target Pinger
	config HealthCheckConfig
	logger Logger

	consecutiveFailures atomic.Int64
	lastCheck           atomic.Int64

	mu   sync.Mutex
	last HealthStatus

	running  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHealthChecker creates a stopped checker for target.
func NewHealthChecker(target Pinger, config HealthCheckConfig, logger Logger) *HealthChecker {
	if config.Interval <= 0 {
		config.Interval = DefaultHealthCheckConfig.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHealthCheckConfig.Timeout
	}
	if config.FailureLimit <= 0 {
		config.FailureLimit = DefaultHealthCheckConfig.FailureLimit
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &HealthChecker{
		target: target,
		config: config,
		logger: logger,
		last:   HealthStatus{Status: StatusUnknown},
	}
}

// Check performs one synchronous probe.
func (hc *HealthChecker) Check() HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), hc.config.Timeout)
	defer cancel()

	start := time.Now()
	err := hc.target.Ping(ctx)
	responseTime := time.Since(start)
	hc.lastCheck.Store(timecache.CachedTimeNano())

	status := HealthStatus{
		Status:       StatusHealthy,
		LastCheck:    timecache.CachedTime(),
		ResponseTime: responseTime,
	}
	if err != nil {
		failures := hc.consecutiveFailures.Add(1)
		status.Status = StatusUnhealthy
		status.Message = err.Error()
		if failures >= int64(hc.config.FailureLimit) {
			status.Status = StatusOffline
		}
	} else {
		hc.consecutiveFailures.Store(0)
	}
	status.Failures = int(hc.consecutiveFailures.Load())

	hc.record(status)
	return status
}

func (hc *HealthChecker) record(status HealthStatus) {
	hc.mu.Lock()
	previous := hc.last
	hc.last = status
	hc.mu.Unlock()

	if previous.Status == status.Status {
		return
	}
	hc.logger.Info("Plugin health changed",
		"previous", previous.Status.String(),
		"current", status.Status.String(),
		"failures", status.Failures)
	if hc.config.OnChange != nil {
		hc.config.OnChange(previous, status)
	}
}

// Status returns the result of the last probe.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.last
}

// Start launches periodic probing. It is idempotent.
func (hc *HealthChecker) Start() {
	if hc.running.CompareAndSwap(false, true) {
		hc.stopChan = make(chan struct{})
		hc.doneChan = make(chan struct{})
		go hc.run(hc.stopChan, hc.doneChan)
	}
}

// Stop halts probing and waits for an in-flight probe. It is idempotent.
func (hc *HealthChecker) Stop() {
	if hc.running.CompareAndSwap(true, false) {
		close(hc.stopChan)
		<-hc.doneChan
	}
}

// IsRunning returns true if the checker is probing.
func (hc *HealthChecker) IsRunning() bool {
	return hc.running.Load()
}

// GetLastCheck returns the time of the last probe.
func (hc *HealthChecker) GetLastCheck() time.Time {
	timestamp := hc.lastCheck.Load()
	if timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(0, timestamp)
}

// GetConsecutiveFailures returns the number of consecutive failed probes.
func (hc *HealthChecker) GetConsecutiveFailures() int64 {
	return hc.consecutiveFailures.Load()
}

func (hc *HealthChecker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer withStackRecover(hc.logger)()

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	hc.Check()
	for {
		select {
		case <-ticker.C:
			hc.Check()
		case <-stop:
			return
		}
	}
}
