// handshake.go: Plugin handshake line codec and magic cookie protocol
//
// This file implements the single line a plugin writes on stdout once its
// listener is bound, the environment the host hands to the plugin process,
// and the magic cookie check the plugin performs before serving.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CoreProtocolVersion is the version of the bridge protocol itself. It is
// the first field of every handshake line.
const CoreProtocolVersion = 1

// ProtocolGRPC is the only wire protocol spoken over the channel.
const ProtocolGRPC = "grpc"

// HandshakeTimeout is the default time a host waits for the handshake line.
const HandshakeTimeout = 30 * time.Second

// Environment variables exchanged between host and plugin.
const (
	EnvProtocolVersions = "PLUGIN_PROTOCOL_VERSIONS"
	EnvMinPort          = "PLUGIN_MIN_PORT"
	EnvMaxPort          = "PLUGIN_MAX_PORT"
	EnvMultiplexGRPC    = "PLUGIN_MULTIPLEX_GRPC"
	EnvUnixSocketDir    = "PLUGIN_UNIX_SOCKET_DIR"
)

// HandshakeConfig represents the configuration shared by host and plugin.
//
// Defines the application protocol version and the magic cookie used to
// check that a binary is being launched as a plugin by a host.
type HandshakeConfig struct {
	// ProtocolVersion is the application protocol version. The host rejects
	// a handshake line advertising any other version.
	ProtocolVersion uint `json:"protocol_version" yaml:"protocol_version"`

	// MagicCookieKey and MagicCookieValue are a UX guard against running
	// a plugin binary directly. They are not a security feature.
	MagicCookieKey   string `json:"magic_cookie_key" yaml:"magic_cookie_key"`
	MagicCookieValue string `json:"magic_cookie_value" yaml:"magic_cookie_value"`
}

// DefaultHandshakeConfig provides a reasonable default handshake configuration.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AGILIRA_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "agilira-plugin-bridge-v1",
}

var envVarNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks if the HandshakeConfig is valid and complete.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}

	if hc.MagicCookieKey == "" {
		return NewHandshakeError("magic cookie key is required", nil)
	}

	if hc.MagicCookieValue == "" {
		return NewHandshakeError("magic cookie value is required", nil)
	}

	if !isValidEnvVarName(hc.MagicCookieKey) {
		return NewHandshakeError("magic cookie key must be a valid environment variable name", nil)
	}

	return nil
}

// isValidEnvVarName validates environment variable name according to POSIX standards
func isValidEnvVarName(name string) bool {
	return envVarNamePattern.MatchString(name)
}

// HandshakeLine is the decoded form of the plugin's first stdout line.
type HandshakeLine struct {
	CoreVersion int
	AppVersion  int
	Network     string
	Address     string
	Protocol    string

	// ServerCert is the base64 (raw, unpadded) DER certificate of the
	// plugin's TLS listener. Empty when the channel is plaintext.
	ServerCert string

	// Multiplex reports whether the plugin accepted a yamux session on the
	// connection instead of plain gRPC.
	Multiplex bool
}

// EncodeHandshake renders l without a trailing newline. Optional trailing
// fields are written only when they carry information.
func EncodeHandshake(l HandshakeLine) string {
	fields := []string{
		strconv.Itoa(l.CoreVersion),
		strconv.Itoa(l.AppVersion),
		l.Network,
		l.Address,
		l.Protocol,
	}
	if l.ServerCert != "" || l.Multiplex {
		fields = append(fields, l.ServerCert)
	}
	if l.Multiplex {
		fields = append(fields, "true")
	}
	return strings.Join(fields, "|")
}

// HandshakeExpectation lists what a host accepts when decoding.
type HandshakeExpectation struct {
	// AppVersions accepted. Empty accepts any positive version.
	AppVersions []int

	// Protocols accepted. Empty means ProtocolGRPC only.
	Protocols []string
}

// DecodeHandshake parses a handshake line. It does no I/O.
//
// Errors are HandshakeError and name the offending field.
func DecodeHandshake(line string, expect HandshakeExpectation) (HandshakeLine, net.Addr, error) {
	var out HandshakeLine

	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return out, nil, NewHandshakeError("empty handshake line", nil)
	}

	parts := strings.Split(line, "|")
	if len(parts) < 5 || len(parts) > 7 {
		return out, nil, NewHandshakeError(
			fmt.Sprintf("unrecognized handshake line %q: expected 5 to 7 fields, got %d", line, len(parts)), nil)
	}

	core, err := strconv.Atoi(parts[0])
	if err != nil {
		return out, nil, NewHandshakeError("core protocol version is not an integer", err)
	}
	if core != CoreProtocolVersion {
		return out, nil, NewHandshakeError(
			fmt.Sprintf("incompatible core protocol version: host speaks %d, plugin %d", CoreProtocolVersion, core), nil)
	}
	out.CoreVersion = core

	app, err := strconv.Atoi(parts[1])
	if err != nil {
		return out, nil, NewHandshakeError("app protocol version is not an integer", err)
	}
	if !acceptsVersion(expect.AppVersions, app) {
		return out, nil, NewHandshakeError(
			fmt.Sprintf("incompatible app protocol version %d: host accepts %v", app, expect.AppVersions), nil)
	}
	out.AppVersion = app

	out.Network = parts[2]
	out.Address = parts[3]

	var addr net.Addr
	switch out.Network {
	case "tcp":
		addr, err = net.ResolveTCPAddr("tcp", out.Address)
	case "unix":
		addr, err = net.ResolveUnixAddr("unix", out.Address)
	default:
		return out, nil, NewHandshakeError(fmt.Sprintf("unknown network family %q", out.Network), nil)
	}
	if err != nil {
		return out, nil, NewHandshakeError(fmt.Sprintf("invalid %s address %q", out.Network, out.Address), err)
	}
	if out.Address == "" {
		return out, nil, NewHandshakeError("empty address", nil)
	}

	out.Protocol = parts[4]
	if !acceptsProtocol(expect.Protocols, out.Protocol) {
		return out, nil, NewHandshakeError(fmt.Sprintf("unsupported wire protocol %q", out.Protocol), nil)
	}

	if len(parts) >= 6 && parts[5] != "" {
		if _, err := base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
			return out, nil, NewHandshakeError("server certificate is not valid base64", err)
		}
		out.ServerCert = parts[5]
	}

	if len(parts) == 7 {
		mux, err := strconv.ParseBool(parts[6])
		if err != nil {
			return out, nil, NewHandshakeError(fmt.Sprintf("invalid multiplex flag %q", parts[6]), err)
		}
		out.Multiplex = mux
	}

	return out, addr, nil
}

func acceptsVersion(accepted []int, v int) bool {
	if v <= 0 {
		return false
	}
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if a == v {
			return true
		}
	}
	return false
}

func acceptsProtocol(accepted []string, p string) bool {
	if p == "" {
		return false
	}
	if len(accepted) == 0 {
		return p == ProtocolGRPC
	}
	for _, a := range accepted {
		if a == p {
			return true
		}
	}
	return false
}

// HandshakeManager manages the host and plugin sides of the environment
// exchange that precedes the handshake line.
type HandshakeManager struct {
	config HandshakeConfig
	logger Logger
}

// NewHandshakeManager creates a new handshake manager.
func NewHandshakeManager(config HandshakeConfig, logger Logger) *HandshakeManager {
	if logger == nil {
		logger = DefaultLogger()
	}

	return &HandshakeManager{
		config: config,
		logger: logger,
	}
}

// HostEnvironmentOptions carries the negotiable values a host offers.
type HostEnvironmentOptions struct {
	// AppVersions offered to the plugin. Defaults to the configured version.
	AppVersions []int
	PortRange   *PortRange
	Multiplex   bool
}

// PrepareEnvironment returns base plus the variables the plugin subprocess
// reads to perform the handshake.
func (hm *HandshakeManager) PrepareEnvironment(base []string, opts HostEnvironmentOptions) []string {
	env := make([]string, 0, len(base)+5)
	env = append(env, base...)

	env = append(env, fmt.Sprintf("%s=%s", hm.config.MagicCookieKey, hm.config.MagicCookieValue))

	versions := opts.AppVersions
	if len(versions) == 0 {
		versions = []int{int(hm.config.ProtocolVersion)}
	}
	env = append(env, fmt.Sprintf("%s=%s", EnvProtocolVersions, formatVersions(versions)))

	if opts.PortRange != nil {
		env = append(env,
			fmt.Sprintf("%s=%d", EnvMinPort, opts.PortRange.Min),
			fmt.Sprintf("%s=%d", EnvMaxPort, opts.PortRange.Max))
	}
	env = append(env, fmt.Sprintf("%s=%t", EnvMultiplexGRPC, opts.Multiplex))

	hm.logger.Debug("Prepared plugin environment",
		"magic_cookie", hm.config.MagicCookieKey,
		"protocol_versions", versions,
		"multiplex", opts.Multiplex)

	return env
}

// PluginEnvironment is what a plugin learns from its environment.
type PluginEnvironment struct {
	AppVersions []int
	PortRange   *PortRange
	Multiplex   bool
}

// ValidatePluginEnvironment is called from the plugin side. It fails with
// a HandshakeError when the magic cookie is missing or wrong.
func (hm *HandshakeManager) ValidatePluginEnvironment() (*PluginEnvironment, error) {
	if err := hm.validateMagicCookie(); err != nil {
		return nil, err
	}

	info := &PluginEnvironment{}

	if raw := os.Getenv(EnvProtocolVersions); raw != "" {
		versions, err := ParseProtocolVersions(raw)
		if err != nil {
			return nil, err
		}
		info.AppVersions = versions
	}

	portRange, err := portRangeFromEnv()
	if err != nil {
		return nil, err
	}
	info.PortRange = portRange

	if raw := os.Getenv(EnvMultiplexGRPC); raw != "" {
		mux, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, NewHandshakeError(fmt.Sprintf("invalid %s value %q", EnvMultiplexGRPC, raw), err)
		}
		info.Multiplex = mux
	}

	hm.logger.Debug("Plugin environment validated",
		"protocol_versions", info.AppVersions,
		"multiplex", info.Multiplex)
	return info, nil
}

// validateMagicCookie validates the magic cookie from environment
func (hm *HandshakeManager) validateMagicCookie() error {
	cookieValue, present := os.LookupEnv(hm.config.MagicCookieKey)
	if !present {
		return NewHandshakeError("magic cookie is not set: this binary is a plugin and must be launched by its host", nil)
	}
	if cookieValue != hm.config.MagicCookieValue {
		return NewHandshakeError("magic cookie value does not match", nil)
	}
	return nil
}

// NegotiateVersion picks the app version a plugin advertises: its own when
// the host offered it or offered nothing, otherwise still its own so the
// host reports the mismatch.
func (hm *HandshakeManager) NegotiateVersion(offered []int) int {
	own := int(hm.config.ProtocolVersion)
	for _, v := range offered {
		if v == own {
			return own
		}
	}
	if len(offered) > 0 {
		hm.logger.Warn("Host did not offer plugin protocol version",
			"plugin_version", own, "offered", offered)
	}
	return own
}

// ParseProtocolVersions parses a comma separated list such as "1,2".
func ParseProtocolVersions(raw string) ([]int, error) {
	var versions []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil || v <= 0 {
			return nil, NewHandshakeError(fmt.Sprintf("invalid protocol version %q", field), err)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

func formatVersions(versions []int) string {
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func portRangeFromEnv() (*PortRange, error) {
	minRaw, maxRaw := os.Getenv(EnvMinPort), os.Getenv(EnvMaxPort)
	if minRaw == "" && maxRaw == "" {
		return nil, nil
	}
	minPort, err := strconv.Atoi(minRaw)
	if err != nil {
		return nil, NewHandshakeError(fmt.Sprintf("invalid %s value %q", EnvMinPort, minRaw), err)
	}
	maxPort, err := strconv.Atoi(maxRaw)
	if err != nil {
		return nil, NewHandshakeError(fmt.Sprintf("invalid %s value %q", EnvMaxPort, maxRaw), err)
	}
	r := &PortRange{Min: minPort, Max: maxPort}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
