// config.go: Host and plugin runtime configuration with defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"crypto/tls"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// pluginCertHost is the server name in certificates generated by the plugin
// runtime and the name the host verifies against.
const pluginCertHost = "localhost"

// Network values accepted by ServerConfig.
const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

// ConfigDefaults centralizes the default values applied by ApplyDefaults.
type ConfigDefaults struct {
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	DialTimeout    time.Duration
	MaxMessageSize int
	BindAddress    string
	Network        string
}

// StandardDefaults returns the default values used across the bridge.
func StandardDefaults() ConfigDefaults {
	return ConfigDefaults{
		StartTimeout:   HandshakeTimeout,
		StopTimeout:    5 * time.Second,
		DialTimeout:    DefaultTransportOptions.DialTimeout,
		MaxMessageSize: DefaultTransportOptions.MaxMessageSize,
		BindAddress:    "127.0.0.1",
		Network:        NetworkTCP,
	}
}

// PortRange restricts the TCP ports a plugin may bind. Both bounds are
// inclusive.
type PortRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Validate checks that the range is non-empty and inside 1..65535.
func (pr *PortRange) Validate() error {
	if pr == nil {
		return nil
	}
	if pr.Min <= 0 || pr.Max > 65535 {
		return NewConfigValidationError(fmt.Sprintf("port range %d-%d out of bounds", pr.Min, pr.Max), nil)
	}
	if pr.Min > pr.Max {
		return NewConfigValidationError(fmt.Sprintf("port range min %d greater than max %d", pr.Min, pr.Max), nil)
	}
	return nil
}

// Contains reports whether port is inside the range.
func (pr *PortRange) Contains(port int) bool {
	return pr != nil && port >= pr.Min && port <= pr.Max
}

// ClientConfig configures the host side of a plugin bridge.
//
// Example:
//
//	client, err := pluginbridge.NewClient(pluginbridge.ClientConfig{
//	    HandshakeConfig: pluginbridge.HandshakeConfig{
//	        ProtocolVersion:  1,
//	        MagicCookieKey:   "X",
//	        MagicCookieValue: "X",
//	    },
//	    Cmd: exec.Command("./my-plugin"),
//	})
type ClientConfig struct {
	HandshakeConfig HandshakeConfig `json:"handshake" yaml:"handshake"`

	// Cmd is the unstarted plugin command. The bridge adds the handshake
	// variables to Cmd.Env and owns Cmd.Stdout / Cmd.Stderr.
	Cmd *exec.Cmd `json:"-" yaml:"-"`

	// AllowedProtocolVersions are the application versions the host accepts.
	// Empty means HandshakeConfig.ProtocolVersion only.
	AllowedProtocolVersions []int `json:"allowed_protocol_versions,omitempty" yaml:"allowed_protocol_versions,omitempty"`

	// BrokerMultiplex runs the channel over a yamux session. Required for
	// HostServices.
	BrokerMultiplex bool `json:"broker_multiplex" yaml:"broker_multiplex"`

	// PortRange is handed to the plugin through its environment.
	PortRange *PortRange `json:"port_range,omitempty" yaml:"port_range,omitempty"`

	// StartTimeout bounds the wait for the handshake line.
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout"`

	// StopTimeout bounds the wait for the plugin process to exit during
	// Shutdown. The process is killed past it.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	// DialTimeout bounds the single connection attempt.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`

	// TLS is the base client TLS configuration used when the plugin
	// advertises a certificate.
	TLS *tls.Config `json:"-" yaml:"-"`

	// HostServices are served by the host to the plugin over the reverse
	// direction of the multiplexed session.
	HostServices []PluginServer `json:"-" yaml:"-"`

	// SyncStdout and SyncStderr receive a copy of everything the plugin
	// writes after the handshake.
	SyncStdout io.Writer `json:"-" yaml:"-"`
	SyncStderr io.Writer `json:"-" yaml:"-"`

	// RelayPluginLogs re-emits plugin stderr lines through Logger.
	RelayPluginLogs bool `json:"relay_plugin_logs" yaml:"relay_plugin_logs"`

	Relay StreamRelayConfig `json:"relay" yaml:"relay"`

	Logger Logger `json:"-" yaml:"-"`
}

// ApplyDefaults fills unset fields with StandardDefaults.
func (cc *ClientConfig) ApplyDefaults() {
	defaults := StandardDefaults()
	if cc.StartTimeout == 0 {
		cc.StartTimeout = defaults.StartTimeout
	}
	if cc.StopTimeout == 0 {
		cc.StopTimeout = defaults.StopTimeout
	}
	if cc.DialTimeout == 0 {
		cc.DialTimeout = defaults.DialTimeout
	}
	if cc.MaxMessageSize == 0 {
		cc.MaxMessageSize = defaults.MaxMessageSize
	}
	if cc.Relay.MaxLineSize == 0 {
		cc.Relay.MaxLineSize = DefaultStreamRelayConfig.MaxLineSize
	}
	if len(cc.AllowedProtocolVersions) == 0 && cc.HandshakeConfig.ProtocolVersion > 0 {
		cc.AllowedProtocolVersions = []int{int(cc.HandshakeConfig.ProtocolVersion)}
	}
	if cc.Logger == nil {
		cc.Logger = DefaultLogger()
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (cc *ClientConfig) Validate() error {
	if err := cc.HandshakeConfig.Validate(); err != nil {
		return err
	}
	if cc.Cmd == nil || cc.Cmd.Path == "" {
		return NewConfigValidationError("plugin command is required", nil)
	}
	if cc.Cmd.Process != nil {
		return NewConfigValidationError("plugin command was already started", nil)
	}
	if err := validateTimeout("start_timeout", cc.StartTimeout); err != nil {
		return err
	}
	if err := validateTimeout("stop_timeout", cc.StopTimeout); err != nil {
		return err
	}
	if err := validateTimeout("dial_timeout", cc.DialTimeout); err != nil {
		return err
	}
	for _, v := range cc.AllowedProtocolVersions {
		if v <= 0 {
			return NewConfigValidationError(fmt.Sprintf("invalid allowed protocol version %d", v), nil)
		}
	}
	if err := cc.PortRange.Validate(); err != nil {
		return err
	}
	if len(cc.HostServices) > 0 && !cc.BrokerMultiplex {
		return NewConfigValidationError("host services require broker_multiplex", nil)
	}
	return nil
}

// ServerConfig configures the plugin side of a bridge.
type ServerConfig struct {
	HandshakeConfig HandshakeConfig `json:"handshake" yaml:"handshake"`

	// Network is "tcp" or "unix".
	Network string `json:"network" yaml:"network"`

	// BindAddress is the host part of the TCP listener.
	BindAddress string `json:"bind_address" yaml:"bind_address"`

	// PortRange overrides the range the host sends through the environment.
	PortRange *PortRange `json:"port_range,omitempty" yaml:"port_range,omitempty"`

	// TLS, when set, is used for the listener and its leaf certificate is
	// advertised in the handshake line.
	TLS *tls.Config `json:"-" yaml:"-"`

	// AutoTLS generates a self-signed certificate when TLS is nil.
	AutoTLS bool `json:"auto_tls" yaml:"auto_tls"`

	// StopTimeout bounds the graceful stop before a hard stop.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`

	// Configurer receives the opaque configuration payload of the Config
	// service. Nil accepts any payload.
	Configurer Configurer `json:"-" yaml:"-"`

	// HandshakeWriter receives the handshake line. Defaults to os.Stdout.
	HandshakeWriter io.Writer `json:"-" yaml:"-"`

	Logger Logger `json:"-" yaml:"-"`
}

// ApplyDefaults fills unset fields with StandardDefaults.
func (sc *ServerConfig) ApplyDefaults() {
	defaults := StandardDefaults()
	if sc.Network == "" {
		sc.Network = defaults.Network
	}
	if sc.BindAddress == "" {
		sc.BindAddress = defaults.BindAddress
	}
	if sc.StopTimeout == 0 {
		sc.StopTimeout = defaults.StopTimeout
	}
	if sc.MaxMessageSize == 0 {
		sc.MaxMessageSize = defaults.MaxMessageSize
	}
	if sc.Logger == nil {
		sc.Logger = DefaultLogger()
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (sc *ServerConfig) Validate() error {
	if err := sc.HandshakeConfig.Validate(); err != nil {
		return err
	}
	switch sc.Network {
	case NetworkTCP, NetworkUnix:
	default:
		return NewConfigValidationError(fmt.Sprintf("unsupported network %q", sc.Network), nil)
	}
	if err := validateTimeout("stop_timeout", sc.StopTimeout); err != nil {
		return err
	}
	if sc.MaxMessageSize < 0 {
		return NewConfigValidationError("max_message_size cannot be negative", nil)
	}
	return sc.PortRange.Validate()
}

func validateTimeout(field string, timeout time.Duration) error {
	if timeout < 0 {
		return NewConfigValidationError(fmt.Sprintf("%s cannot be negative", field), nil)
	}
	return nil
}
