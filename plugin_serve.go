// plugin_serve.go: Plugin-side runtime serving registered services to the host
//
// A plugin process builds a Server, adds its services and calls Serve (or
// ServePlugin from main). Serve checks the magic cookie, binds a listener,
// writes the handshake line and serves gRPC until the host calls Deinit,
// the context is cancelled or the process receives SIGTERM.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServerState is the state of a plugin Server.
type ServerState int32

const (
	ServerUnstarted ServerState = iota
	ServerListening
	ServerServing
	ServerStopped
)

// String returns the string representation of the server state.
func (s ServerState) String() string {
	switch s {
	case ServerUnstarted:
		return "unstarted"
	case ServerListening:
		return "listening"
	case ServerServing:
		return "serving"
	case ServerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server is the plugin-side runtime.
type Server struct {
	config    ServerConfig
	logger    Logger
	registry  *ServiceRegistry
	tracker   *LifecycleTracker
	lifecycle *lifecycleServer
	health    *health.Server

	state atomic.Int32

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	session    *yamux.Session
	hostConn   *grpc.ClientConn
	addr       net.Addr
	socketDir  string

	stopOnce sync.Once
	stopping atomic.Bool
}

// NewServer validates config and creates a server with the built-in Init
// and Config services registered.
func NewServer(config ServerConfig) (*Server, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		logger:   config.Logger,
		registry: NewServiceRegistry(),
		tracker:  NewLifecycleTracker(),
		health:   health.NewServer(),
	}
	s.lifecycle = newLifecycleServer(s.tracker, s.registry, config.Configurer, s.logger)

	if err := s.registry.Register(NewServicePlugin(s.lifecycle.initService())); err != nil {
		return nil, err
	}
	if err := s.registry.Register(NewServicePlugin(s.lifecycle.configService())); err != nil {
		return nil, err
	}
	return s, nil
}

// AddPlugin registers a service. Duplicate names are rejected. Services can
// only be added before Serve.
func (s *Server) AddPlugin(p PluginServer) error {
	if ServerState(s.state.Load()) != ServerUnstarted {
		return NewInvalidStateError("AddPlugin", s.State())
	}
	return s.registry.Register(p)
}

// State returns the server state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

// Lifecycle returns the lifecycle state driven by the host.
func (s *Server) Lifecycle() LifecycleState { return s.tracker.State() }

// Addr returns the bound address once listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Names returns the services Init advertises.
func (s *Server) Names() []string { return s.registry.Names() }

// DispenseHost returns a connection to a host service. The host must have
// offered name during Init and the channel must be multiplexed.
func (s *Server) DispenseHost(name string) (grpc.ClientConnInterface, error) {
	if !s.lifecycle.hostAdvertised(name) {
		return nil, NewNotFoundError(name).WithContext("side", "host")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostConn == nil {
		return nil, NewInvalidStateError("DispenseHost", "no multiplexed session")
	}
	return s.hostConn, nil
}

// Serve runs the plugin until ctx is cancelled or the host calls Deinit.
// Serve returns nil after a clean stop.
func (s *Server) Serve(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(ServerUnstarted), int32(ServerListening)) {
		return NewInvalidStateError("Serve", s.State())
	}
	defer s.state.Store(int32(ServerStopped))
	defer s.cleanupSocketDir()

	hm := NewHandshakeManager(s.config.HandshakeConfig, s.logger)
	env, err := hm.ValidatePluginEnvironment()
	if err != nil {
		return err
	}
	version := hm.NegotiateVersion(env.AppVersions)

	portRange := s.config.PortRange
	if portRange == nil {
		portRange = env.PortRange
	}

	tlsConfig, serverCert, err := serverTLS(s.config)
	if err != nil {
		return err
	}

	listener, err := s.listen(portRange)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.addr = listener.Addr()
	s.mu.Unlock()

	grpcServer := s.newGRPCServer(tlsConfig)
	s.mu.Lock()
	s.grpcServer = grpcServer
	s.mu.Unlock()

	if err := s.registry.RegisterAll(grpcServer); err != nil {
		_ = listener.Close()
		return err
	}

	line := HandshakeLine{
		CoreVersion: CoreProtocolVersion,
		AppVersion:  version,
		Network:     listener.Addr().Network(),
		Address:     listener.Addr().String(),
		Protocol:    ProtocolGRPC,
		ServerCert:  serverCert,
		Multiplex:   env.Multiplex,
	}
	if err := s.writeHandshake(line); err != nil {
		_ = listener.Close()
		return err
	}

	s.state.Store(int32(ServerServing))
	s.logger.Info("Plugin serving",
		"network", line.Network,
		"address", line.Address,
		"app_version", version,
		"multiplex", env.Multiplex,
		"services", s.registry.Names())

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return s.serve(grpcServer, listener, env.Multiplex)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.logger.Debug("Plugin stopping on context")
		case <-s.tracker.Deinitialized():
			s.logger.Debug("Plugin stopping after Deinit")
		case <-done:
			return nil
		}
		s.stop()
		return nil
	})

	err = g.Wait()
	s.closeSession()
	s.logger.Info("Plugin stopped")
	return err
}

// listen binds the plugin listener.
func (s *Server) listen(portRange *PortRange) (net.Listener, error) {
	if s.config.Network == NetworkUnix {
		return s.listenUnix()
	}

	if portRange == nil {
		l, err := net.Listen(NetworkTCP, net.JoinHostPort(s.config.BindAddress, "0"))
		if err != nil {
			return nil, NewTransportError("failed to bind listener", err)
		}
		return l, nil
	}

	var lastErr error
	for port := portRange.Min; port <= portRange.Max; port++ {
		l, err := net.Listen(NetworkTCP, net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, NewTransportError(fmt.Sprintf("no free port in range %d-%d", portRange.Min, portRange.Max), lastErr)
}

func (s *Server) listenUnix() (net.Listener, error) {
	dir := os.Getenv(EnvUnixSocketDir)
	if dir == "" {
		tmp, err := os.MkdirTemp("", "plugin")
		if err != nil {
			return nil, NewTransportError("failed to create socket directory", err)
		}
		s.mu.Lock()
		s.socketDir = tmp
		s.mu.Unlock()
		dir = tmp
	}
	path := filepath.Join(dir, fmt.Sprintf("plugin-%d.sock", os.Getpid()))
	l, err := net.Listen(NetworkUnix, path)
	if err != nil {
		return nil, NewTransportError("failed to bind unix socket", err)
	}
	return l, nil
}

func (s *Server) cleanupSocketDir() {
	s.mu.Lock()
	dir := s.socketDir
	s.mu.Unlock()
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
}

func (s *Server) newGRPCServer(tlsConfig *tls.Config) *grpc.Server {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}

	recovery := grpc_recovery.WithRecoveryHandlerContext(grpcPanicHandler(s.logger))
	server := grpc.NewServer(
		grpc.Creds(creds),
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recovery),
			statusUnaryInterceptor(s.logger),
			s.tracker.UnaryServerInterceptor(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(recovery),
			statusStreamInterceptor(s.logger),
			s.tracker.StreamServerInterceptor(),
		)),
	)

	s.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, s.health)
	return server
}

// writeHandshake writes the handshake line and flushes it before any
// connection is accepted.
func (s *Server) writeHandshake(line HandshakeLine) error {
	w := s.config.HandshakeWriter
	if w == nil {
		w = os.Stdout
	}
	if _, err := io.WriteString(w, EncodeHandshake(line)+"\n"); err != nil {
		return NewHandshakeError("failed to write handshake line", err)
	}
	if syncer, ok := w.(interface{ Sync() error }); ok {
		// Sync on a pipe reports EINVAL.
		_ = syncer.Sync()
	}
	return nil
}

// serve blocks in grpc.Server.Serve. With multiplexing, the one host
// connection is wrapped in a yamux session first.
func (s *Server) serve(grpcServer *grpc.Server, listener net.Listener, multiplex bool) error {
	lis := listener
	if multiplex {
		conn, err := listener.Accept()
		_ = listener.Close()
		if err != nil {
			if s.stopping.Load() {
				return nil
			}
			return NewTransportError("failed to accept host connection", err)
		}

		session, err := yamux.Server(conn, yamuxConfig(s.logger))
		if err != nil {
			_ = conn.Close()
			return NewTransportError("failed to start multiplexed session", err)
		}

		hostConn, err := grpc.NewClient("passthrough:///host",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return session.Open()
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		)
		if err != nil {
			_ = session.Close()
			return NewTransportError("failed to create host service connection", err)
		}

		s.mu.Lock()
		s.session = session
		s.hostConn = hostConn
		s.mu.Unlock()
		lis = newSessionListener(session)
	}

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		if s.stopping.Load() {
			return nil
		}
		return NewTransportError("plugin server failed", err)
	}
	return nil
}

// stop drains in-flight calls, then forces the server down after
// StopTimeout.
func (s *Server) stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.health.Shutdown()

		s.mu.Lock()
		grpcServer := s.grpcServer
		listener := s.listener
		s.mu.Unlock()

		if grpcServer == nil {
			return
		}

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			grpcServer.GracefulStop()
		}()

		timer := time.NewTimer(s.config.StopTimeout)
		defer timer.Stop()
		select {
		case <-stopped:
		case <-timer.C:
			s.logger.Warn("Graceful stop timed out, forcing", "timeout", s.config.StopTimeout)
			grpcServer.Stop()
			<-stopped
		}

		// Unblocks a multiplexed Accept still waiting for the host.
		if listener != nil {
			_ = listener.Close()
		}
	})
}

// sessionListener feeds yamux streams to grpc.Server. Its Close only stops
// Accept: the session must outlive GracefulStop so replies in flight, the
// Deinit reply among them, still reach the host. closeSession tears the
// session down afterwards.
type sessionListener struct {
	session *yamux.Session
	once    sync.Once
	closed  chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newSessionListener(session *yamux.Session) *sessionListener {
	return &sessionListener{session: session, closed: make(chan struct{})}
}

func (l *sessionListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	result := make(chan acceptResult, 1)
	go func() {
		conn, err := l.session.Accept()
		result <- acceptResult{conn: conn, err: err}
	}()

	select {
	case r := <-result:
		return r.conn, r.err
	case <-l.closed:
		// The pending Accept returns once closeSession runs.
		go func() {
			if r := <-result; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, net.ErrClosed
	}
}

func (l *sessionListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *sessionListener) Addr() net.Addr { return l.session.Addr() }

// closeSession runs after the gRPC server has stopped.
func (s *Server) closeSession() {
	s.mu.Lock()
	hostConn, session := s.hostConn, s.session
	s.hostConn, s.session = nil, nil
	s.mu.Unlock()

	if hostConn != nil {
		_ = hostConn.Close()
	}
	if session != nil {
		_ = session.Close()
	}
}

// statusUnaryInterceptor hands the call logger to handlers and turns
// structured errors into gRPC statuses.
func statusUnaryInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = ContextWithLogger(ctx, logger.With("method", info.FullMethod))
		resp, err := handler(ctx, req)
		return resp, ToRPCError(err)
	}
}

func statusStreamInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ContextWithLogger(ss.Context(), logger.With("method", info.FullMethod))
		return ToRPCError(handler(srv, &loggingServerStream{ServerStream: ss, ctx: ctx}))
	}
}

type loggingServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *loggingServerStream) Context() context.Context { return s.ctx }

// ServePlugin is the entry point of a plugin binary. It serves plugins until
// the host calls Deinit or the process receives SIGTERM, then exits. A
// process launched without the host's magic cookie prints a message to
// stderr and exits 1 without writing a handshake line.
func ServePlugin(config ServerConfig, plugins ...PluginServer) {
	os.Exit(RunPlugin(config, plugins...))
}

// RunPlugin is ServePlugin without the exit: it returns the process exit
// code.
func RunPlugin(config ServerConfig, plugins ...PluginServer) int {
	if config.Logger == nil {
		config.Logger = NewPluginLogger("plugin", os.Getenv("PLUGIN_LOG_LEVEL"))
	}

	server, err := NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plugin configuration error: %v\n", err)
		return 1
	}
	for _, p := range plugins {
		if err := server.AddPlugin(p); err != nil {
			fmt.Fprintf(os.Stderr, "plugin registration error: %v\n", err)
			return 1
		}
	}

	// Interrupts belong to the host; it stops the plugin through Deinit.
	signal.Ignore(os.Interrupt)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := server.Serve(ctx); err != nil {
		if IsHandshakeError(err) {
			fmt.Fprintln(os.Stderr, "This binary is a plugin. It is not meant to be executed directly.")
		}
		fmt.Fprintf(os.Stderr, "plugin error: %v\n", err)
		return 1
	}
	return 0
}
