// types.go: Common data types shared by the host-side components
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"time"
)

// ClientState is the host-side view of a plugin runtime.
//
// A client moves Unstarted -> Spawned -> Handshaking -> Connected -> Ready
// during Build, and to Stopped after Shutdown or a failed Build. It never
// leaves Stopped.
type ClientState int32

const (
	ClientUnstarted ClientState = iota
	ClientSpawned
	ClientHandshaking
	ClientConnected
	ClientReady
	ClientStopped
)

// String returns the string representation of the client state.
func (s ClientState) String() string {
	switch s {
	case ClientUnstarted:
		return "unstarted"
	case ClientSpawned:
		return "spawned"
	case ClientHandshaking:
		return "handshaking"
	case ClientConnected:
		return "connected"
	case ClientReady:
		return "ready"
	case ClientStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ProcessStatus represents the state of the plugin subprocess.
type ProcessStatus string

const (
	ProcessNotStarted ProcessStatus = "not_started"
	ProcessRunning    ProcessStatus = "running"
	ProcessStopping   ProcessStatus = "stopping"
	ProcessExited     ProcessStatus = "exited"
)

// ProcessInfo describes the plugin subprocess.
type ProcessInfo struct {
	PID       int           `json:"pid"`
	StartTime time.Time     `json:"start_time"`
	ExitTime  time.Time     `json:"exit_time,omitempty"`
	Status    ProcessStatus `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Killed    bool          `json:"killed"`
}

// PluginStatus is the health of a connected plugin as seen by a
// HealthMonitor.
type PluginStatus int

const (
	StatusUnknown PluginStatus = iota
	StatusHealthy
	StatusUnhealthy
	StatusOffline
)

// String returns a human-readable representation of the plugin status.
func (s PluginStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// HealthStatus is the result of one health probe.
type HealthStatus struct {
	Status       PluginStatus  `json:"status"`
	Message      string        `json:"message,omitempty"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	Failures     int           `json:"consecutive_failures"`
}
