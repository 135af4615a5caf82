// grpc_transport.go: Channel establishment over the handshake address
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/hashicorp/yamux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the name the plugin runtime reports as serving on the
// standard gRPC health service.
const HealthServiceName = "plugin"

// TransportOptions tunes Establish.
type TransportOptions struct {
	// TLS is the base client configuration used when the handshake carries a
	// server certificate. The certificate always becomes the only root.
	TLS *tls.Config

	// DialTimeout bounds the single connection attempt.
	DialTimeout time.Duration

	// MaxMessageSize bounds sent and received messages.
	MaxMessageSize int

	// UnaryInterceptors and StreamInterceptors run on every call made over
	// the channel, in order.
	UnaryInterceptors  []grpc.UnaryClientInterceptor
	StreamInterceptors []grpc.StreamClientInterceptor

	Logger Logger
}

// DefaultTransportOptions holds the defaults applied by Establish.
var DefaultTransportOptions = TransportOptions{
	DialTimeout:    5 * time.Second,
	MaxMessageSize: 4 * 1024 * 1024,
}

// Channel is the single multiplexed connection to a plugin. It is safe for
// concurrent use by any number of service stubs.
type Channel struct {
	conn    *grpc.ClientConn
	session *yamux.Session
	line    HandshakeLine
	addr    net.Addr
	logger  Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Establish opens a channel to the address of a decoded handshake line. It
// dials exactly once; any failure is a ConnectError.
func Establish(ctx context.Context, line HandshakeLine, addr net.Addr, opts TransportOptions) (*Channel, error) {
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultTransportOptions.DialTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultTransportOptions.MaxMessageSize
	}
	if addr == nil {
		return nil, NewConnectError("", fmt.Errorf("no address"))
	}

	creds, err := channelCredentials(line, opts.TLS)
	if err != nil {
		return nil, NewConnectError(addr.String(), err)
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, NewConnectError(addr.String(), err)
	}

	ch := &Channel{line: line, addr: addr, logger: opts.Logger}

	var contextDialer func(context.Context, string) (net.Conn, error)
	if line.Multiplex {
		session, err := yamux.Client(raw, yamuxConfig(opts.Logger))
		if err != nil {
			_ = raw.Close()
			return nil, NewConnectError(addr.String(), err)
		}
		ch.session = session
		contextDialer = func(context.Context, string) (net.Conn, error) {
			return session.Open()
		}
	} else {
		var used atomic.Bool
		contextDialer = func(ctx context.Context, _ string) (net.Conn, error) {
			if used.CompareAndSwap(false, true) {
				return raw, nil
			}
			return dialer.DialContext(ctx, addr.Network(), addr.String())
		}
	}

	dialOpts := []grpc.DialOption{
		grpc.WithContextDialer(contextDialer),
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(opts.MaxMessageSize),
			grpc.MaxCallSendMsgSize(opts.MaxMessageSize),
		),
	}
	if len(opts.UnaryInterceptors) > 0 {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(opts.UnaryInterceptors...)))
	}
	if len(opts.StreamInterceptors) > 0 {
		dialOpts = append(dialOpts, grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(opts.StreamInterceptors...)))
	}

	conn, err := grpc.NewClient("passthrough:///"+addr.String(), dialOpts...)
	if err != nil {
		if ch.session != nil {
			_ = ch.session.Close()
		}
		_ = raw.Close()
		return nil, NewConnectError(addr.String(), err)
	}
	ch.conn = conn
	conn.Connect()

	opts.Logger.Debug("Plugin channel established",
		"network", addr.Network(),
		"address", addr.String(),
		"multiplex", line.Multiplex,
		"tls", line.ServerCert != "")

	return ch, nil
}

func channelCredentials(line HandshakeLine, base *tls.Config) (credentials.TransportCredentials, error) {
	if line.ServerCert == "" {
		return insecure.NewCredentials(), nil
	}

	der, err := base64.RawStdEncoding.DecodeString(line.ServerCert)
	if err != nil {
		return nil, fmt.Errorf("decode server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse server certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	var config *tls.Config
	if base != nil {
		config = base.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	config.RootCAs = pool
	if config.ServerName == "" {
		config.ServerName = pluginCertHost
	}
	return credentials.NewTLS(config), nil
}

// Conn returns the client connection shared by all service stubs.
func (c *Channel) Conn() grpc.ClientConnInterface { return c.conn }

// Handshake returns the handshake line the channel was built from.
func (c *Channel) Handshake() HandshakeLine { return c.line }

// Addr returns the dialed plugin address.
func (c *Channel) Addr() net.Addr { return c.addr }

// Session returns the yamux session, or nil when the channel is not
// multiplexed.
func (c *Channel) Session() *yamux.Session { return c.session }

// Ping issues a health check against the plugin runtime.
func (c *Channel) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return NewConnectError(c.addr.String(), fmt.Errorf("channel closed"))
	}
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
	if err != nil {
		return NewConnectError(c.addr.String(), err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return NewConnectError(c.addr.String(), fmt.Errorf("plugin health status %s", resp.GetStatus()))
	}
	return nil
}

// Close closes the connection and the yamux session. Only the first call
// does any work.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
		if c.session != nil {
			if err := c.session.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.logger.Debug("Plugin channel closed", "address", c.addr.String())
	})
	return c.closeErr
}

// yamuxConfig returns the session configuration used on both ends.
func yamuxConfig(logger Logger) *yamux.Config {
	conf := yamux.DefaultConfig()
	conf.LogOutput = nil
	conf.Logger = &yamuxLogger{logger: logger}
	conf.EnableKeepAlive = false
	return conf
}

// yamuxLogger routes yamux diagnostics into a Logger at debug level.
type yamuxLogger struct {
	logger Logger
}

func (l *yamuxLogger) Print(v ...interface{}) { l.logger.Debug(fmt.Sprint(v...), "component", "yamux") }

func (l *yamuxLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "yamux")
}

func (l *yamuxLogger) Println(v ...interface{}) { l.logger.Debug(fmt.Sprint(v...), "component", "yamux") }
