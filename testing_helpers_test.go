// testing_helpers_test.go: Shared test helpers and the re-executed test plugin
//
// End-to-end tests launch the test binary itself as the plugin process.
// TestMain switches to plugin mode when BRIDGE_TEST_PLUGIN is set.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/agilira/go-timecache"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
)

const testPluginEnv = "BRIDGE_TEST_PLUGIN"

// Test plugin modes.
const (
	pluginModeDemo    = "demo"
	pluginModeSilent  = "silent"
	pluginModeHang    = "hang"
	pluginModeGarbage = "garbage"
)

var testHandshake = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "X",
	MagicCookieValue: "X",
}

func TestMain(m *testing.M) {
	if mode := os.Getenv(testPluginEnv); mode != "" {
		os.Exit(runTestPlugin(mode))
	}
	os.Exit(m.Run())
}

// runTestPlugin is the main function of the plugin process.
func runTestPlugin(mode string) int {
	switch mode {
	case pluginModeSilent:
		fmt.Fprintln(os.Stderr, "exiting before handshake")
		return 3
	case pluginModeHang:
		time.Sleep(time.Hour)
		return 0
	case pluginModeGarbage:
		fmt.Println("hello, I am not a handshake line")
		time.Sleep(time.Hour)
		return 0
	}

	server, err := NewServer(ServerConfig{
		HandshakeConfig: testHandshake,
		Configurer:      demoConfigurer(),
		Logger:          NewPluginLogger("demo", "debug"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "test plugin: %v\n", err)
		return 1
	}
	if err := server.AddPlugin(NewServicePlugin(demoService(server))); err != nil {
		fmt.Fprintf(os.Stderr, "test plugin: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := server.Serve(ctx); err != nil {
		if IsHandshakeError(err) {
			fmt.Fprintln(os.Stderr, "This binary is a plugin. It is not meant to be executed directly.")
		}
		fmt.Fprintf(os.Stderr, "test plugin: %v\n", err)
		return 1
	}
	return 0
}

// Demo service messages.
type demoRequest struct {
	Message string   `codec:"message"`
	Stdout  []string `codec:"stdout"`
	Stderr  []string `codec:"stderr"`
}

type demoResponse struct {
	Message string `codec:"message"`
}

var demoGreeting atomic.Value

func demoConfigurer() Configurer {
	return ConfigurerFunc(func(ctx context.Context, core CoreConfiguration, payload string) error {
		var cfg struct {
			Greeting string `hcl:"greeting"`
		}
		if err := DecodeHCL(payload, &cfg); err != nil {
			return err
		}
		if cfg.Greeting == "reject" {
			return NewInvalidConfigurationError("greeting is not acceptable", nil)
		}
		if cfg.Greeting == "" {
			cfg.Greeting = "hello"
		}
		demoGreeting.Store(cfg.Greeting + " from " + core.TrustDomain)
		return nil
	})
}

// demoService echoes messages, writes requested lines to its own output
// streams and can call back into the host.
func demoService(server *Server) *ServiceBuilder {
	b := NewService("Demo")
	Unary(b, "Echo", func(ctx context.Context, req *demoRequest) (*demoResponse, error) {
		for _, line := range req.Stdout {
			fmt.Fprintln(os.Stdout, line)
		}
		for _, line := range req.Stderr {
			fmt.Fprintln(os.Stderr, line)
		}
		greeting, _ := demoGreeting.Load().(string)
		return &demoResponse{Message: greeting + ": " + req.Message}, nil
	})
	Unary(b, "CallHost", func(ctx context.Context, req *demoRequest) (*demoResponse, error) {
		cc, err := server.DispenseHost("HostEcho")
		if err != nil {
			return nil, err
		}
		return Invoke[demoRequest, demoResponse](ctx, cc, "HostEcho", "Echo", req)
	})
	Stream(b, "Upper", true, true, func(stream grpc.ServerStream) error {
		for {
			var req demoRequest
			if err := stream.RecvMsg(&req); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			if err := stream.SendMsg(&demoResponse{Message: strings.ToUpper(req.Message)}); err != nil {
				return err
			}
		}
	})
	return b
}

// demoClient is the host stub of the Demo service.
type demoClient struct {
	cc grpc.ClientConnInterface
}

func demoPlugin() *ClientPlugin[*demoClient] {
	return NewClientPlugin("Demo", func(cc grpc.ClientConnInterface) *demoClient {
		return &demoClient{cc: cc}
	})
}

func (d *demoClient) Echo(ctx context.Context, req *demoRequest) (string, error) {
	resp, err := Invoke[demoRequest, demoResponse](ctx, d.cc, "Demo", "Echo", req)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (d *demoClient) CallHost(ctx context.Context, message string) (string, error) {
	resp, err := Invoke[demoRequest, demoResponse](ctx, d.cc, "Demo", "CallHost", &demoRequest{Message: message})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// hostEchoService is served by the host to the plugin.
func hostEchoService() PluginServer {
	b := NewService("HostEcho")
	Unary(b, "Echo", func(ctx context.Context, req *demoRequest) (*demoResponse, error) {
		return &demoResponse{Message: "host: " + req.Message}, nil
	})
	return NewServicePlugin(b)
}

// pluginCommand returns a command re-executing the test binary in mode.
func pluginCommand(mode string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), testPluginEnv+"="+mode)
	return cmd
}

// newTestClient builds an unstarted client for mode. mutate may adjust the
// configuration before the client is created.
func newTestClient(t *testing.T, mode string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	config := ClientConfig{
		HandshakeConfig: testHandshake,
		Cmd:             pluginCommand(mode),
		StartTimeout:    10 * time.Second,
		StopTimeout:     5 * time.Second,
		Logger:          NewTestLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

// verifyNoLeaks checks at test end that every goroutine started by the test
// has exited. Goroutines alive before the call are ignored.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	_ = timecache.CachedTime()
	opts := []goleak.Option{goleak.IgnoreCurrent()}
	t.Cleanup(func() {
		goleak.VerifyNone(t, opts...)
	})
}

// waitForCondition polls condition until it holds or timeout expires.
func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, message)
}

// lockedBuffer is a bytes.Buffer safe for concurrent use.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestEnvironment provides temporary files with automatic cleanup.
type TestEnvironment struct {
	t       *testing.T
	dir     string
	mu      sync.Mutex
	cleanup []func()
}

// NewTestEnvironment creates a new test environment.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	env := &TestEnvironment{t: t, dir: t.TempDir()}
	t.Cleanup(env.Cleanup)
	return env
}

// TempDir returns the environment directory.
func (te *TestEnvironment) TempDir() string { return te.dir }

// CreateTempFile writes content to name inside the environment directory.
func (te *TestEnvironment) CreateTempFile(name, content string) string {
	te.t.Helper()
	path := filepath.Join(te.dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		te.t.Fatalf("Failed to create temp file: %v", err)
	}
	return path
}

// AddCleanupFunc registers fn to run at cleanup, in reverse order.
func (te *TestEnvironment) AddCleanupFunc(fn func()) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.cleanup = append(te.cleanup, fn)
}

// Cleanup runs the registered cleanup functions.
func (te *TestEnvironment) Cleanup() {
	te.mu.Lock()
	fns := te.cleanup
	te.cleanup = nil
	te.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
