// shutdown_coordinator.go: Ordered shutdown of a plugin client
//
// The sequence is fixed: Deinit, cancel stdio consumers, wait for the
// process to exit, drain the relay, close the channel. A relay consumer
// still attached keeps reading the plugin's stdout pipe, so consumers are
// cancelled before the exit wait.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ShutdownPhase is the step a ShutdownCoordinator is executing.
type ShutdownPhase string

const (
	ShutdownPhaseRunning      ShutdownPhase = "running"
	ShutdownPhaseDeinit       ShutdownPhase = "deinit"
	ShutdownPhaseCancelStdio  ShutdownPhase = "cancel_stdio"
	ShutdownPhaseProcessExit  ShutdownPhase = "process_exit"
	ShutdownPhaseRelayDrain   ShutdownPhase = "relay_drain"
	ShutdownPhaseCloseChannel ShutdownPhase = "close_channel"
	ShutdownPhaseComplete     ShutdownPhase = "complete"
)

// ShutdownCoordinator runs the shutdown sequence of one Client.
type ShutdownCoordinator struct {
	client *Client
	logger Logger
	phase  atomic.Value
}

// NewShutdownCoordinator creates a coordinator for client.
func NewShutdownCoordinator(client *Client) *ShutdownCoordinator {
	sc := &ShutdownCoordinator{client: client, logger: client.logger}
	sc.phase.Store(ShutdownPhaseRunning)
	return sc
}

// Phase returns the current phase.
func (sc *ShutdownCoordinator) Phase() ShutdownPhase {
	return sc.phase.Load().(ShutdownPhase)
}

func (sc *ShutdownCoordinator) enter(phase ShutdownPhase) {
	sc.phase.Store(phase)
	sc.logger.Debug("Shutdown phase", "phase", string(phase))
}

// Shutdown executes the sequence. Every step runs even when an earlier one
// failed; the errors are aggregated.
func (sc *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	c := sc.client
	defer sc.enter(ShutdownPhaseComplete)

	if c.State() == ClientUnstarted {
		c.state.Store(int32(ClientStopped))
		return nil
	}
	if c.State() == ClientStopped {
		return nil
	}

	sc.logger.Info("Shutting down plugin")
	var result *multierror.Error
	stopTimeout := c.config.StopTimeout

	// 1. Deinit, unless the plugin is gone or never initialized.
	sc.enter(ShutdownPhaseDeinit)
	if sc.needsDeinit() {
		deinitCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := c.Deinit(deinitCtx); err != nil {
			sc.logger.Warn("Deinit failed during shutdown", "error", err)
			result = multierror.Append(result, err)
		}
		cancel()
	}

	c.mu.Lock()
	relay, channel, hostServer := c.relay, c.channel, c.hostServer
	c.mu.Unlock()

	// 2. Cancel every consumer of the plugin's output.
	sc.enter(ShutdownPhaseCancelStdio)
	if relay != nil {
		relay.CancelAll()
	}

	// 3. Wait for the process to exit, killing it past StopTimeout.
	sc.enter(ShutdownPhaseProcessExit)
	if err := c.process.Stop(ctx, stopTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.process.ExitError(); err != nil {
		result = multierror.Append(result, NewProcessError("plugin exited with error", err))
	}

	// 4. Let the relay readers reach end of file.
	sc.enter(ShutdownPhaseRelayDrain)
	if relay != nil {
		sc.drainRelay(relay, stopTimeout)
	}
	c.process.ClosePipes()

	// 5. Close the channel and the host service server.
	sc.enter(ShutdownPhaseCloseChannel)
	if channel != nil {
		if err := channel.Close(); err != nil {
			sc.logger.Debug("Channel close reported error", "error", err)
		}
	}
	if hostServer != nil {
		hostServer.Stop()
	}

	c.state.Store(int32(ClientStopped))
	if err := result.ErrorOrNil(); err != nil {
		sc.logger.Warn("Plugin shutdown completed with errors", "error", err)
		return err
	}
	sc.logger.Info("Plugin shutdown completed")
	return nil
}

func (sc *ShutdownCoordinator) needsDeinit() bool {
	c := sc.client
	select {
	case <-c.process.Exited():
		return false
	default:
	}
	if c.Channel() == nil {
		return false
	}
	switch c.Lifecycle() {
	case LifecycleInitialized, LifecycleConfigured, LifecycleRunning:
		return true
	default:
		return false
	}
}

// drainRelay waits for the relay to finish. A descendant of the plugin may
// still hold the pipes open, in which case they are closed from our side.
func (sc *ShutdownCoordinator) drainRelay(relay *StreamRelay, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := relay.Wait(ctx); err == nil {
		return
	}

	sc.logger.Warn("Plugin output still open after exit, closing pipes")
	sc.client.process.ClosePipes()

	ctx2, cancel2 := context.WithTimeout(context.Background(), timeout)
	defer cancel2()
	if err := relay.Wait(ctx2); err != nil {
		sc.logger.Error("Stream relay did not finish", "error", err)
	}
}
