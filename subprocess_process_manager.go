// subprocess_process_manager.go: Plugin subprocess spawning and exit tracking
//
// This component owns the plugin command: it wires its standard streams to
// pipes read by the stream relay, starts it with the handshake environment
// and observes its exit from a dedicated waiter goroutine.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ProcessManager handles the plugin subprocess lifecycle.
type ProcessManager struct {
	cmd    *exec.Cmd
	logger Logger

	mu      sync.RWMutex
	info    ProcessInfo
	waitErr error

	stdout *os.File
	stderr *os.File

	exited chan struct{}
}

// NewProcessManager creates a manager for an unstarted command.
func NewProcessManager(cmd *exec.Cmd, logger Logger) *ProcessManager {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &ProcessManager{
		cmd:    cmd,
		logger: logger,
		info:   ProcessInfo{Status: ProcessNotStarted},
		exited: make(chan struct{}),
	}
}

// Start launches the command with env appended to its environment and
// returns the read ends of its stdout and stderr.
//
// The streams are plain pipes rather than exec's own copies so that Wait
// returns on process exit even while the relay is still reading.
func (pm *ProcessManager) Start(env []string) (stdout, stderr io.ReadCloser, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.info.Status != ProcessNotStarted {
		return nil, nil, NewProcessError("process already started", nil)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, NewProcessError("failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, nil, NewProcessError("failed to create stderr pipe", err)
	}

	base := pm.cmd.Env
	if base == nil {
		base = os.Environ()
	}
	pm.cmd.Env = append(append([]string(nil), base...), env...)
	pm.cmd.Stdout = stdoutW
	pm.cmd.Stderr = stderrW

	pm.logger.Info("Starting plugin process", "path", pm.cmd.Path, "args", pm.cmd.Args)

	startErr := pm.cmd.Start()

	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, nil, NewProcessError("failed to start plugin process", startErr).
			WithContext("path", pm.cmd.Path)
	}

	pm.stdout, pm.stderr = stdoutR, stderrR
	pm.info = ProcessInfo{
		PID:       pm.cmd.Process.Pid,
		StartTime: time.Now(),
		Status:    ProcessRunning,
	}
	pm.logger.Info("Plugin process started", "pid", pm.info.PID)

	go pm.wait()

	return stdoutR, stderrR, nil
}

// wait reaps the process and records how it ended.
func (pm *ProcessManager) wait() {
	err := pm.cmd.Wait()

	pm.mu.Lock()
	pm.waitErr = err
	pm.info.Status = ProcessExited
	pm.info.ExitTime = time.Now()
	if state := pm.cmd.ProcessState; state != nil {
		pm.info.ExitCode = state.ExitCode()
	}
	info := pm.info
	pm.mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		pm.logger.Info("Plugin process exited", "pid", info.PID)
	case errors.As(err, &exitErr):
		pm.logger.Warn("Plugin process exited with error", "pid", info.PID, "exit_code", info.ExitCode)
	default:
		pm.logger.Error("Failed to wait for plugin process", "pid", info.PID, "error", err)
	}

	close(pm.exited)
}

// Exited is closed once the process has been reaped.
func (pm *ProcessManager) Exited() <-chan struct{} { return pm.exited }

// Wait blocks until the process exits or ctx is done.
func (pm *ProcessManager) Wait(ctx context.Context) error {
	select {
	case <-pm.exited:
		return pm.ExitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopGracePeriod is how long Stop lets a process that is already leaving,
// after Deinit for instance, exit before it is sent SIGTERM.
const stopGracePeriod = 500 * time.Millisecond

// Stop asks the process to exit and returns once it is reaped. The process
// gets a short grace period, then SIGTERM, then is killed once timeout has
// elapsed or ctx is done.
func (pm *ProcessManager) Stop(ctx context.Context, timeout time.Duration) error {
	if !pm.IsStarted() {
		return nil
	}

	pm.mu.Lock()
	if pm.info.Status == ProcessRunning {
		pm.info.Status = ProcessStopping
	}
	pm.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	grace := time.NewTimer(min(stopGracePeriod, timeout))
	defer grace.Stop()

	select {
	case <-pm.exited:
		return nil
	case <-grace.C:
		if err := pm.terminate(); err != nil {
			pm.logger.Warn("Failed to send SIGTERM to plugin process, killing", "error", err)
			return pm.killAndReap()
		}
	case <-ctx.Done():
		pm.logger.Warn("Plugin process stop cancelled, killing", "error", ctx.Err())
		return pm.killAndReap()
	}

	select {
	case <-pm.exited:
		return nil
	case <-timer.C:
		pm.logger.Warn("Plugin process did not exit in time, killing", "timeout", timeout)
	case <-ctx.Done():
		pm.logger.Warn("Plugin process stop cancelled, killing", "error", ctx.Err())
	}
	return pm.killAndReap()
}

// terminate sends SIGTERM to a process that has not exited yet.
func (pm *ProcessManager) terminate() error {
	select {
	case <-pm.exited:
		return nil
	default:
	}
	pm.logger.Debug("Sending SIGTERM to plugin process", "pid", pm.cmd.Process.Pid)
	if err := pm.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (pm *ProcessManager) killAndReap() error {
	if err := pm.Kill(); err != nil {
		return err
	}
	<-pm.exited
	return nil
}

// Kill terminates the process immediately.
func (pm *ProcessManager) Kill() error {
	if !pm.IsStarted() {
		return nil
	}
	select {
	case <-pm.exited:
		return nil
	default:
	}

	pm.mu.Lock()
	pm.info.Killed = true
	pm.mu.Unlock()

	if err := pm.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return NewProcessError("failed to kill plugin process", err)
	}
	return nil
}

// ClosePipes closes the read ends of the plugin's streams. A reader still
// blocked on them returns.
func (pm *ProcessManager) ClosePipes() {
	pm.mu.Lock()
	stdout, stderr := pm.stdout, pm.stderr
	pm.stdout, pm.stderr = nil, nil
	pm.mu.Unlock()

	if stdout != nil {
		_ = stdout.Close()
	}
	if stderr != nil {
		_ = stderr.Close()
	}
}

// ExitError returns the error reported by the process wait, if any. A
// process killed by the bridge reports nil.
func (pm *ProcessManager) ExitError() error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.info.Killed {
		return nil
	}
	return pm.waitErr
}

// IsStarted reports whether Start succeeded.
func (pm *ProcessManager) IsStarted() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.info.Status != ProcessNotStarted
}

// Info returns a copy of the process information.
func (pm *ProcessManager) Info() ProcessInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.info
}
