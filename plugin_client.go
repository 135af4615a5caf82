// plugin_client.go: Host-side runtime spawning a plugin and dispensing its services
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"
)

// Client is the host-side runtime of one plugin process.
//
// Typical use:
//
//	client, _ := pluginbridge.NewClient(config)
//	_ = client.AddPlugin(pluginbridge.NewClientPlugin("Demo", NewDemoClient))
//	if err := client.Build(ctx); err != nil { ... }
//	defer client.Shutdown(ctx)
//	names, _ := client.Init(ctx, nil)
//	_ = client.Configure(ctx, pluginbridge.CoreConfiguration{TrustDomain: "example.org"}, "")
//	demo, _ := pluginbridge.DispenseAs[*DemoClient](client, "Demo")
type Client struct {
	config    ClientConfig
	logger    Logger
	clients   *clientSet
	handshake *HandshakeManager
	process   *ProcessManager

	state atomic.Int32

	mu          sync.Mutex
	relay       *StreamRelay
	channel     *Channel
	hostServer  *grpc.Server
	advertised  map[string]bool
	lifecycle   LifecycleState
	stdio       *StdioSubscription
	rawStdout   *RawStream
	rawStderr   *RawStream
	stdioTaken  bool
	stdoutTaken bool
	stderrTaken bool

	shutdownOnce sync.Once
	shutdownErr  error
	coordinator  *ShutdownCoordinator
}

// NewClient validates config and prepares a client. Nothing is spawned
// until Build.
func NewClient(config ClientConfig) (*Client, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		logger:     config.Logger.With("plugin", config.Cmd.Path),
		clients:    newClientSet(),
		advertised: make(map[string]bool),
	}
	c.handshake = NewHandshakeManager(config.HandshakeConfig, c.logger)
	c.process = NewProcessManager(config.Cmd, c.logger)
	c.coordinator = NewShutdownCoordinator(c)

	if err := c.clients.add(InitPlugin()); err != nil {
		return nil, err
	}
	if err := c.clients.add(ConfigPlugin()); err != nil {
		return nil, err
	}
	return c, nil
}

// AddPlugin registers a service factory. It must be called before Build;
// a duplicate name is rejected.
func (c *Client) AddPlugin(p PluginClient) error {
	if state := c.State(); state != ClientUnstarted {
		return NewInvalidStateError("AddPlugin", state)
	}
	return c.clients.add(p)
}

// State returns the client state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

// Exited is closed once the plugin process has been reaped.
func (c *Client) Exited() <-chan struct{} { return c.process.Exited() }

// ProcessInfo returns information about the plugin process.
func (c *Client) ProcessInfo() ProcessInfo { return c.process.Info() }

// Channel returns the established channel, or nil before Build succeeded.
func (c *Client) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Build spawns the plugin, reads its handshake line and opens the channel.
// On failure the process is killed and reaped and the client is Stopped.
func (c *Client) Build(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(ClientUnstarted), int32(ClientSpawned)) {
		return NewInvalidStateError("Build", c.State())
	}

	if err := c.build(ctx); err != nil {
		c.logger.Error("Plugin build failed", "error", err)
		c.abort()
		return err
	}

	c.state.Store(int32(ClientReady))
	c.logger.Info("Plugin ready", "address", c.Channel().Addr().String())
	return nil
}

func (c *Client) build(ctx context.Context) error {
	env := c.handshake.PrepareEnvironment(nil, HostEnvironmentOptions{
		AppVersions: c.config.AllowedProtocolVersions,
		PortRange:   c.config.PortRange,
		Multiplex:   c.config.BrokerMultiplex,
	})

	stdout, stderr, err := c.process.Start(env)
	if err != nil {
		return err
	}

	relay := NewStreamRelay(stdout, stderr, c.config.Relay, c.logger)

	// Consumers are attached before the relay starts so that no output is
	// lost between the handshake and the caller taking a stream.
	c.mu.Lock()
	c.relay = relay
	c.stdio = relay.subscribe(true)
	c.rawStdout = relay.rawReader(StdioStdout, true)
	c.rawStderr = relay.rawReader(StdioStderr, true)
	c.mu.Unlock()

	if c.config.SyncStdout != nil {
		relay.AddWriter(StdioStdout, c.config.SyncStdout)
	}
	if c.config.SyncStderr != nil {
		relay.AddWriter(StdioStderr, c.config.SyncStderr)
	}
	if c.config.RelayPluginLogs {
		relay.AddLogSink(StdioStderr, c.logger)
	}

	if err := relay.Start(); err != nil {
		return err
	}

	c.state.Store(int32(ClientHandshaking))
	line, addr, err := c.awaitHandshake(ctx, relay)
	if err != nil {
		return err
	}

	channel, err := Establish(ctx, line, addr, TransportOptions{
		TLS:            c.config.TLS,
		DialTimeout:    c.config.DialTimeout,
		MaxMessageSize: c.config.MaxMessageSize,
		UnaryInterceptors: []grpc.UnaryClientInterceptor{
			c.unaryGate,
		},
		StreamInterceptors: []grpc.StreamClientInterceptor{
			c.streamGate,
		},
		Logger: c.logger,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()
	c.state.Store(int32(ClientConnected))

	pingCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	if err := channel.Ping(pingCtx); err != nil {
		return err
	}

	if line.Multiplex && len(c.config.HostServices) > 0 {
		if err := c.serveHostServices(channel); err != nil {
			return err
		}
	}
	return nil
}

// admit rejects domain calls once the plugin acknowledged Deinit. The
// plugin enforces the same rule, but it may already have stopped serving.
func (c *Client) admit(fullMethod string) error {
	if isLifecycleMethod(fullMethod) {
		return nil
	}
	if state := c.Lifecycle(); state == LifecycleDeinitialized {
		return NewInvalidStateError(fullMethod, state)
	}
	return nil
}

func (c *Client) unaryGate(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if err := c.admit(method); err != nil {
		return err
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (c *Client) streamGate(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if err := c.admit(method); err != nil {
		return nil, err
	}
	return streamer(ctx, desc, cc, method, opts...)
}

// awaitHandshake waits for the first stdout line and decodes it.
func (c *Client) awaitHandshake(ctx context.Context, relay *StreamRelay) (HandshakeLine, net.Addr, error) {
	timer := time.NewTimer(c.config.StartTimeout)
	defer timer.Stop()

	var raw string
	select {
	case line, ok := <-relay.Handshake():
		if !ok {
			if err := relay.HandshakeErr(); err != nil {
				return HandshakeLine{}, nil, err
			}
			return HandshakeLine{}, nil, NewHandshakeError("plugin exited before handshake", nil)
		}
		raw = line
	case <-timer.C:
		return HandshakeLine{}, nil, NewHandshakeTimeoutError(c.config.StartTimeout)
	case <-ctx.Done():
		return HandshakeLine{}, nil, NewHandshakeError("build cancelled", ctx.Err())
	}

	line, addr, err := DecodeHandshake(raw, HandshakeExpectation{
		AppVersions: c.config.AllowedProtocolVersions,
		Protocols:   []string{ProtocolGRPC},
	})
	if err != nil {
		return HandshakeLine{}, nil, err
	}
	if line.Multiplex != c.config.BrokerMultiplex {
		return HandshakeLine{}, nil, NewHandshakeError(
			fmt.Sprintf("plugin multiplex=%t, host requested %t", line.Multiplex, c.config.BrokerMultiplex), nil)
	}

	c.logger.Debug("Plugin handshake received",
		"core_version", line.CoreVersion,
		"app_version", line.AppVersion,
		"network", line.Network,
		"address", line.Address)
	return line, addr, nil
}

// serveHostServices serves HostServices on the streams the plugin opens on
// the multiplexed session.
func (c *Client) serveHostServices(channel *Channel) error {
	session := channel.Session()
	if session == nil {
		return NewTransportError("host services need a multiplexed session", nil)
	}

	recovery := grpc_recovery.WithRecoveryHandlerContext(grpcPanicHandler(c.logger))
	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recovery),
			statusUnaryInterceptor(c.logger),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(recovery),
			statusStreamInterceptor(c.logger),
		)),
	)

	registry := NewServiceRegistry()
	for _, svc := range c.config.HostServices {
		if err := registry.Register(svc); err != nil {
			return err
		}
	}
	if err := registry.RegisterAll(server); err != nil {
		return err
	}

	c.mu.Lock()
	c.hostServer = server
	c.mu.Unlock()

	SafeGo(c.logger, func() {
		if err := server.Serve(session); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.logger.Debug("Host service server stopped", "error", err)
		}
	})
	c.logger.Debug("Serving host services", "services", registry.Names())
	return nil
}

// abort tears down a failed Build.
func (c *Client) abort() {
	if err := c.process.Kill(); err != nil {
		c.logger.Warn("Failed to kill plugin after build failure", "error", err)
	}
	if c.process.IsStarted() {
		<-c.process.Exited()
	}

	c.mu.Lock()
	relay, channel := c.relay, c.channel
	c.mu.Unlock()

	if relay != nil {
		relay.CancelAll()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
		if err := relay.Wait(ctx); err != nil {
			c.process.ClosePipes()
			_ = relay.Wait(context.Background())
		}
		cancel()
	}
	if channel != nil {
		_ = channel.Close()
	}
	c.process.ClosePipes()
	c.state.Store(int32(ClientStopped))
}

// Dispense returns the stub of a service added with AddPlugin. Any service
// other than Init must have been advertised by the plugin's Init answer.
func (c *Client) Dispense(name string) (any, error) {
	p, ok := c.clients.get(name)
	if !ok {
		return nil, NewNotFoundError(name).WithContext("reason", "not added to client")
	}

	c.mu.Lock()
	channel := c.channel
	advertised := c.advertised[name]
	lifecycle := c.lifecycle
	c.mu.Unlock()

	if channel == nil || c.State() == ClientStopped {
		return nil, NewInvalidStateError("Dispense", c.State())
	}
	if name != InitServiceName {
		if lifecycle == LifecycleConnected {
			return nil, NewNotFoundError(name).WithContext("reason", "Init has not completed")
		}
		if !advertised {
			return nil, NewNotFoundError(name).WithContext("reason", "not advertised by plugin")
		}
	}
	return p.Client(channel.Conn()), nil
}

// DispenseAs is Dispense with a typed result.
func DispenseAs[T any](c *Client, name string) (T, error) {
	var zero T
	raw, err := c.Dispense(name)
	if err != nil {
		return zero, err
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, NewNotFoundError(name).
			WithContext("reason", "stub type mismatch").
			WithContext("stub_type", fmt.Sprintf("%T", raw))
	}
	return typed, nil
}

// Init declares hostServiceNames to the plugin and records the services it
// advertises. With nil names, the configured HostServices are declared.
func (c *Client) Init(ctx context.Context, hostServiceNames []string) ([]string, error) {
	if hostServiceNames == nil {
		for _, svc := range c.config.HostServices {
			hostServiceNames = append(hostServiceNames, svc.Name())
		}
	}

	stub, err := DispenseAs[*InitClient](c, InitServiceName)
	if err != nil {
		return nil, err
	}
	names, err := stub.Init(ctx, hostServiceNames)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, name := range names {
		c.advertised[name] = true
	}
	c.lifecycle = LifecycleInitialized
	c.mu.Unlock()

	c.logger.Info("Plugin initialized", "services", names)
	return names, nil
}

// Configure sends the core configuration and the opaque plugin payload.
func (c *Client) Configure(ctx context.Context, core CoreConfiguration, payload string) error {
	stub, err := DispenseAs[*ConfigClient](c, ConfigServiceName)
	if err != nil {
		return err
	}
	if err := stub.Configure(ctx, core, payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.lifecycle = LifecycleConfigured
	c.mu.Unlock()
	return nil
}

// Deinit asks the plugin to release its resources. The plugin stops
// serving once it answers.
func (c *Client) Deinit(ctx context.Context) error {
	stub, err := DispenseAs[*InitClient](c, InitServiceName)
	if err != nil {
		return err
	}
	if err := stub.Deinit(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.lifecycle = LifecycleDeinitialized
	c.mu.Unlock()
	c.logger.Info("Plugin deinitialized")
	return nil
}

// Lifecycle returns the last lifecycle state acknowledged by the plugin.
func (c *Client) Lifecycle() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// Stdio returns the combined tagged output of the plugin. It can be taken
// once.
func (c *Client) Stdio() (*StdioSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdio == nil {
		return nil, NewInvalidStateError("Stdio", c.State())
	}
	if c.stdioTaken {
		return nil, NewAlreadyTakenError("stdio")
	}
	c.stdioTaken = true
	c.stdio.lift()
	return c.stdio, nil
}

// RawStdout returns the raw bytes the plugin writes on stdout after the
// handshake line. It can be taken once.
func (c *Client) RawStdout() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rawStdout == nil {
		return nil, NewInvalidStateError("RawStdout", c.State())
	}
	if c.stdoutTaken {
		return nil, NewAlreadyTakenError("stdout")
	}
	c.stdoutTaken = true
	c.rawStdout.lift()
	return c.rawStdout, nil
}

// RawStderr returns the raw bytes the plugin writes on stderr. It can be
// taken once.
func (c *Client) RawStderr() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rawStderr == nil {
		return nil, NewInvalidStateError("RawStderr", c.State())
	}
	if c.stderrTaken {
		return nil, NewAlreadyTakenError("stderr")
	}
	c.stderrTaken = true
	c.rawStderr.lift()
	return c.rawStderr, nil
}

// RelayStats returns per-stream relay statistics, or nil before Build.
func (c *Client) RelayStats() map[StdioKind]StreamStats {
	c.mu.Lock()
	relay := c.relay
	c.mu.Unlock()
	if relay == nil {
		return nil
	}
	return relay.Stats()
}

// Ping checks that the plugin still answers health checks.
func (c *Client) Ping(ctx context.Context) error {
	channel := c.Channel()
	if channel == nil {
		return NewInvalidStateError("Ping", c.State())
	}
	return channel.Ping(ctx)
}

// Shutdown stops the plugin. See ShutdownCoordinator for the sequence. It
// is safe to call more than once; later calls return the first result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.coordinator.Shutdown(ctx)
	})
	return c.shutdownErr
}
