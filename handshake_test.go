// handshake_test.go: Tests for the handshake line codec and environment exchange
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"encoding/base64"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHandshakeConfig(t *testing.T) {
	config := DefaultHandshakeConfig

	if config.ProtocolVersion != 1 {
		t.Errorf("Expected protocol version 1, got %d", config.ProtocolVersion)
	}
	if config.MagicCookieKey != "AGILIRA_PLUGIN_MAGIC_COOKIE" {
		t.Errorf("Expected magic cookie key 'AGILIRA_PLUGIN_MAGIC_COOKIE', got %s", config.MagicCookieKey)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestHandshakeConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  HandshakeConfig
		wantErr bool
	}{
		{"valid", HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "X", MagicCookieValue: "X"}, false},
		{"zero version", HandshakeConfig{ProtocolVersion: 0, MagicCookieKey: "X", MagicCookieValue: "X"}, true},
		{"missing key", HandshakeConfig{ProtocolVersion: 1, MagicCookieValue: "X"}, true},
		{"missing value", HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "X"}, true},
		{"invalid key", HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "1-BAD", MagicCookieValue: "X"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsHandshakeError(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEncodeHandshake(t *testing.T) {
	tests := []struct {
		name string
		line HandshakeLine
		want string
	}{
		{
			name: "plain",
			line: HandshakeLine{CoreVersion: 1, AppVersion: 1, Network: "tcp", Address: "127.0.0.1:1234", Protocol: "grpc"},
			want: "1|1|tcp|127.0.0.1:1234|grpc",
		},
		{
			name: "with certificate",
			line: HandshakeLine{CoreVersion: 1, AppVersion: 2, Network: "tcp", Address: "127.0.0.1:1234", Protocol: "grpc", ServerCert: "QUJD"},
			want: "1|2|tcp|127.0.0.1:1234|grpc|QUJD",
		},
		{
			name: "multiplex without certificate",
			line: HandshakeLine{CoreVersion: 1, AppVersion: 1, Network: "unix", Address: "/tmp/plugin.sock", Protocol: "grpc", Multiplex: true},
			want: "1|1|unix|/tmp/plugin.sock|grpc||true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeHandshake(tt.line))
		})
	}
}

func TestDecodeHandshake(t *testing.T) {
	expect := HandshakeExpectation{AppVersions: []int{1}}

	line, addr, err := DecodeHandshake("1|1|tcp|127.0.0.1:1234|grpc\n", expect)
	require.NoError(t, err)
	assert.Equal(t, 1, line.CoreVersion)
	assert.Equal(t, 1, line.AppVersion)
	assert.Equal(t, "tcp", line.Network)
	assert.Equal(t, "grpc", line.Protocol)
	assert.False(t, line.Multiplex)

	tcpAddr, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, 1234, tcpAddr.Port)

	line, addr, err = DecodeHandshake("1|1|unix|/tmp/plugin.sock|grpc||true\r\n", expect)
	require.NoError(t, err)
	assert.True(t, line.Multiplex)
	assert.Equal(t, "unix", addr.Network())
}

func TestDecodeHandshakeRoundTrip(t *testing.T) {
	cert := base64.RawStdEncoding.EncodeToString([]byte("not really DER"))
	original := HandshakeLine{
		CoreVersion: CoreProtocolVersion,
		AppVersion:  3,
		Network:     "tcp",
		Address:     "127.0.0.1:40000",
		Protocol:    ProtocolGRPC,
		ServerCert:  cert,
		Multiplex:   true,
	}

	decoded, _, err := DecodeHandshake(EncodeHandshake(original), HandshakeExpectation{AppVersions: []int{1, 3}})
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeHandshakeErrors(t *testing.T) {
	expect := HandshakeExpectation{AppVersions: []int{1}}

	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"too few fields", "1|1|tcp|127.0.0.1:1234"},
		{"too many fields", "1|1|tcp|127.0.0.1:1234|grpc||true|extra"},
		{"core not integer", "x|1|tcp|127.0.0.1:1234|grpc"},
		{"core mismatch", "2|1|tcp|127.0.0.1:1234|grpc"},
		{"app not integer", "1|y|tcp|127.0.0.1:1234|grpc"},
		{"app not accepted", "1|2|tcp|127.0.0.1:1234|grpc"},
		{"unknown network", "1|1|udp|127.0.0.1:1234|grpc"},
		{"bad tcp address", "1|1|tcp|not-an-address|grpc"},
		{"empty protocol", "1|1|tcp|127.0.0.1:1234|"},
		{"unsupported protocol", "1|1|tcp|127.0.0.1:1234|netrpc"},
		{"bad certificate", "1|1|tcp|127.0.0.1:1234|grpc|***"},
		{"bad multiplex flag", "1|1|tcp|127.0.0.1:1234|grpc||maybe"},
		{"cookie instead of line", "This binary is a plugin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr, err := DecodeHandshake(tt.line, expect)
			require.Error(t, err)
			assert.True(t, IsHandshakeError(err), "expected HandshakeError, got %v", err)
			assert.Nil(t, addr)
		})
	}
}

func TestHandshakeManagerPrepareEnvironment(t *testing.T) {
	config := HandshakeConfig{ProtocolVersion: 2, MagicCookieKey: "X", MagicCookieValue: "X"}
	manager := NewHandshakeManager(config, NewTestLogger())

	env := manager.PrepareEnvironment([]string{"PATH=/bin"}, HostEnvironmentOptions{
		AppVersions: []int{1, 2},
		PortRange:   &PortRange{Min: 10000, Max: 10010},
		Multiplex:   true,
	})

	assert.Equal(t, "PATH=/bin", env[0])
	assert.Contains(t, env, "X=X")
	assert.Contains(t, env, EnvProtocolVersions+"=1,2")
	assert.Contains(t, env, EnvMinPort+"=10000")
	assert.Contains(t, env, EnvMaxPort+"=10010")
	assert.Contains(t, env, EnvMultiplexGRPC+"=true")

	env = manager.PrepareEnvironment(nil, HostEnvironmentOptions{})
	assert.Contains(t, env, EnvProtocolVersions+"=2")
	assert.Contains(t, env, EnvMultiplexGRPC+"=false")
}

func TestHandshakeManagerValidatePluginEnvironment(t *testing.T) {
	config := HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "BRIDGE_TEST_COOKIE", MagicCookieValue: "ok"}
	manager := NewHandshakeManager(config, NewTestLogger())

	t.Run("missing cookie", func(t *testing.T) {
		_, err := manager.ValidatePluginEnvironment()
		require.Error(t, err)
		assert.True(t, IsHandshakeError(err))
	})

	t.Run("wrong cookie", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_COOKIE", "nope")
		_, err := manager.ValidatePluginEnvironment()
		require.Error(t, err)
		assert.True(t, IsHandshakeError(err))
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_COOKIE", "ok")
		t.Setenv(EnvProtocolVersions, "2,1")
		t.Setenv(EnvMinPort, "20000")
		t.Setenv(EnvMaxPort, "20005")
		t.Setenv(EnvMultiplexGRPC, "true")

		info, err := manager.ValidatePluginEnvironment()
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, info.AppVersions)
		require.NotNil(t, info.PortRange)
		assert.Equal(t, 20000, info.PortRange.Min)
		assert.Equal(t, 20005, info.PortRange.Max)
		assert.True(t, info.Multiplex)
	})

	t.Run("bad port range", func(t *testing.T) {
		t.Setenv("BRIDGE_TEST_COOKIE", "ok")
		t.Setenv(EnvMinPort, "30000")
		t.Setenv(EnvMaxPort, "20000")
		_, err := manager.ValidatePluginEnvironment()
		require.Error(t, err)
	})
}

func TestHandshakeManagerNegotiateVersion(t *testing.T) {
	manager := NewHandshakeManager(HandshakeConfig{ProtocolVersion: 2, MagicCookieKey: "X", MagicCookieValue: "X"}, NewTestLogger())

	assert.Equal(t, 2, manager.NegotiateVersion(nil))
	assert.Equal(t, 2, manager.NegotiateVersion([]int{1, 2}))
	assert.Equal(t, 2, manager.NegotiateVersion([]int{1}))
}

func TestParseProtocolVersions(t *testing.T) {
	versions, err := ParseProtocolVersions(" 3, 1 ,2,")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, versions)

	_, err = ParseProtocolVersions("1,zero")
	assert.True(t, IsHandshakeError(err))

	_, err = ParseProtocolVersions("0")
	assert.True(t, IsHandshakeError(err))
}
