// plugin_serve_test.go: In-process tests of the plugin-side runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// servedPlugin is a Server running in the test process with a channel
// connected to it.
type servedPlugin struct {
	server  *Server
	line    HandshakeLine
	channel *Channel
	done    chan error
}

// serveInProcess starts a server with the demo service and connects to it.
func serveInProcess(t *testing.T, mutate func(*ServerConfig), extra ...PluginServer) *servedPlugin {
	t.Helper()
	t.Setenv(testHandshake.MagicCookieKey, testHandshake.MagicCookieValue)

	pr, pw := io.Pipe()
	config := ServerConfig{
		HandshakeConfig: testHandshake,
		Configurer:      demoConfigurer(),
		HandshakeWriter: pw,
		StopTimeout:     2 * time.Second,
		Logger:          NewTestLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}

	server, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, server.AddPlugin(NewServicePlugin(demoService(server))))
	for _, p := range extra {
		require.NoError(t, server.AddPlugin(p))
	}

	sp := &servedPlugin{server: server, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sp.done <- server.Serve(ctx)
		_ = pw.Close()
	}()

	raw, err := bufio.NewReader(pr).ReadString('\n')
	require.NoError(t, err)
	go func() { _, _ = io.Copy(io.Discard, pr) }()

	line, addr, err := DecodeHandshake(raw, HandshakeExpectation{AppVersions: []int{1}})
	require.NoError(t, err)
	sp.line = line
	// The state is stored just after the handshake line is written.
	require.Eventually(t, func() bool {
		return server.State() == ServerServing
	}, 2*time.Second, 5*time.Millisecond)

	channel, err := Establish(testContext(t), line, addr, TransportOptions{Logger: NewTestLogger()})
	require.NoError(t, err)
	sp.channel = channel

	t.Cleanup(func() {
		cancel()
		_ = channel.Close()
		select {
		case <-sp.done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return sp
}

func TestServerStateString(t *testing.T) {
	assert.Equal(t, "unstarted", ServerUnstarted.String())
	assert.Equal(t, "listening", ServerListening.String())
	assert.Equal(t, "serving", ServerServing.String())
	assert.Equal(t, "stopped", ServerStopped.String())
	assert.Equal(t, "unknown", ServerState(9).String())
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err, "handshake config is required")

	_, err = NewServer(ServerConfig{HandshakeConfig: testHandshake, Network: "udp"})
	assert.Error(t, err)

	server, err := NewServer(ServerConfig{HandshakeConfig: testHandshake})
	require.NoError(t, err)
	assert.Equal(t, []string{"Config"}, server.Names())
	assert.Equal(t, ServerUnstarted, server.State())
	assert.Equal(t, LifecycleConnected, server.Lifecycle())

	require.NoError(t, server.AddPlugin(NewServicePlugin(NewService("Demo"))))
	assert.True(t, IsDuplicateServiceError(server.AddPlugin(NewServicePlugin(NewService("Demo")))))
	assert.True(t, IsDuplicateServiceError(server.AddPlugin(NewServicePlugin(NewService(InitServiceName)))))
	assert.Equal(t, []string{"Config", "Demo"}, server.Names())
}

func TestServerRefusesMissingCookie(t *testing.T) {
	var out bytes.Buffer
	server, err := NewServer(ServerConfig{
		HandshakeConfig: HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "BRIDGE_TEST_ABSENT_COOKIE", MagicCookieValue: "v"},
		HandshakeWriter: &out,
	})
	require.NoError(t, err)

	err = server.Serve(context.Background())
	require.Error(t, err)
	assert.True(t, IsHandshakeError(err))
	assert.Empty(t, out.String(), "no handshake line without the cookie")
	assert.Equal(t, ServerStopped, server.State())

	assert.True(t, IsInvalidStateError(server.Serve(context.Background())), "Serve twice")
}

func TestServerLifecycleOverChannel(t *testing.T) {
	verifyNoLeaks(t)

	closer := &closingService{PluginServer: NewServicePlugin(NewService("Closer"))}
	sp := serveInProcess(t, nil, closer)
	ctx := testContext(t)

	assert.True(t, IsInvalidStateError(sp.server.AddPlugin(NewServicePlugin(NewService("Late")))))
	require.NoError(t, sp.channel.Ping(ctx))

	names, err := NewInitClient(sp.channel.Conn()).Init(ctx, []string{"HostEcho"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Closer", "Config", "Demo"}, names)
	assert.Equal(t, LifecycleInitialized, sp.server.Lifecycle())

	demo := &demoClient{cc: sp.channel.Conn()}
	_, err = demo.Echo(ctx, &demoRequest{Message: "early"})
	assert.True(t, IsInvalidStateError(err), "got %v", err)

	config := NewConfigClient(sp.channel.Conn())
	err = config.Configure(ctx, CoreConfiguration{TrustDomain: "example.org"}, `greeting = "reject"`)
	assert.True(t, IsInvalidConfigurationError(err), "got %v", err)
	require.NoError(t, config.Configure(ctx, CoreConfiguration{TrustDomain: "example.org"}, `greeting = "yo"`))

	reply, err := demo.Echo(ctx, &demoRequest{Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "yo from example.org: m", reply)
	assert.Equal(t, LifecycleRunning, sp.server.Lifecycle())

	// HostEcho was advertised but the channel is not multiplexed.
	_, err = demo.CallHost(ctx, "hi")
	assert.True(t, IsInvalidStateError(err), "got %v", err)

	require.NoError(t, NewInitClient(sp.channel.Conn()).Deinit(ctx))
	assert.Equal(t, int32(1), closer.closed.Load())

	select {
	case err := <-sp.done:
		assert.NoError(t, err)
		sp.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Deinit")
	}
	assert.Equal(t, ServerStopped, sp.server.State())
}

func TestServerStopsOnContextCancel(t *testing.T) {
	t.Setenv(testHandshake.MagicCookieKey, testHandshake.MagicCookieValue)

	pr, pw := io.Pipe()
	server, err := NewServer(ServerConfig{HandshakeConfig: testHandshake, HandshakeWriter: pw})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	_, err = bufio.NewReader(pr).ReadString('\n')
	require.NoError(t, err)
	require.NotNil(t, server.Addr())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServerAutoTLS(t *testing.T) {
	sp := serveInProcess(t, func(sc *ServerConfig) { sc.AutoTLS = true })

	assert.NotEmpty(t, sp.line.ServerCert)
	require.NoError(t, sp.channel.Ping(testContext(t)))

	names, err := NewInitClient(sp.channel.Conn()).Init(testContext(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Config", "Demo"}, names)
}

func TestServerUnixSocket(t *testing.T) {
	sp := serveInProcess(t, func(sc *ServerConfig) { sc.Network = NetworkUnix })

	assert.Equal(t, NetworkUnix, sp.line.Network)
	require.NoError(t, sp.channel.Ping(testContext(t)))
}

func TestServerPortRange(t *testing.T) {
	t.Setenv(EnvMinPort, "41000")
	t.Setenv(EnvMaxPort, "41050")
	sp := serveInProcess(t, nil)

	tcpAddr, ok := sp.server.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.GreaterOrEqual(t, tcpAddr.Port, 41000)
	assert.LessOrEqual(t, tcpAddr.Port, 41050)
}
