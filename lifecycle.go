// lifecycle.go: Init / Configure / Deinit state machine shared by every plugin
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
	"github.com/hashicorp/hcl/hcl/scanner"
	"github.com/hashicorp/hcl/hcl/token"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LifecycleState is the position of a plugin in the lifecycle protocol.
type LifecycleState int32

const (
	LifecycleConnected LifecycleState = iota
	LifecycleInitialized
	LifecycleConfigured
	LifecycleRunning
	LifecycleDeinitialized
)

// String returns the string representation of the lifecycle state.
func (s LifecycleState) String() string {
	switch s {
	case LifecycleConnected:
		return "connected"
	case LifecycleInitialized:
		return "initialized"
	case LifecycleConfigured:
		return "configured"
	case LifecycleRunning:
		return "running"
	case LifecycleDeinitialized:
		return "deinitialized"
	default:
		return "unknown"
	}
}

// acceptsDomainCalls reports whether domain services may be invoked.
func (s LifecycleState) acceptsDomainCalls() bool {
	return s == LifecycleConfigured || s == LifecycleRunning
}

// InitRequest is sent by the host with the names of the services it offers
// back to the plugin.
type InitRequest struct {
	HostServiceNames []string `codec:"host_service_names"`
}

// InitResponse carries the authoritative list of plugin services.
type InitResponse struct {
	PluginServiceNames []string `codec:"plugin_service_names"`
}

// CoreConfiguration is the part of the configuration owned by the host.
type CoreConfiguration struct {
	TrustDomain string `codec:"trust_domain"`
}

// ConfigureRequest carries the core configuration and the opaque plugin
// payload.
type ConfigureRequest struct {
	CoreConfiguration *CoreConfiguration `codec:"core_configuration"`
	HCLConfiguration  string             `codec:"hcl_configuration"`
}

// ConfigureResponse is empty.
type ConfigureResponse struct{}

// DeinitRequest is empty.
type DeinitRequest struct{}

// DeinitResponse is empty.
type DeinitResponse struct{}

// Configurer applies the configuration payload to a plugin. Returning an
// error rejects the payload; the host sees InvalidConfiguration.
type Configurer interface {
	Configure(ctx context.Context, core CoreConfiguration, payload string) error
}

// ConfigurerFunc adapts a function to Configurer.
type ConfigurerFunc func(ctx context.Context, core CoreConfiguration, payload string) error

// Configure implements Configurer.
func (f ConfigurerFunc) Configure(ctx context.Context, core CoreConfiguration, payload string) error {
	return f(ctx, core, payload)
}

// Deinitializer is implemented by plugin services holding resources that
// must be released when the host calls Deinit.
type Deinitializer interface {
	Deinit(ctx context.Context) error
}

// DecodeHCL decodes an HCL configuration payload into out. A malformed
// payload is an InvalidConfiguration error, including an assignment left
// without a value, which the HCL parser drops silently at end of input.
func DecodeHCL(payload string, out interface{}) error {
	file, err := hcl.Parse(payload)
	if err != nil {
		return NewInvalidConfigurationError("failed to parse HCL configuration", err)
	}
	if err := checkHCLAssignments(payload); err != nil {
		return err
	}
	if err := checkHCLItems(file); err != nil {
		return err
	}
	if err := hcl.DecodeObject(out, file); err != nil {
		return NewInvalidConfigurationError("failed to decode HCL configuration", err)
	}
	return nil
}

// checkHCLAssignments requires every "=" to be followed by a value.
func checkHCLAssignments(payload string) error {
	s := scanner.New([]byte(payload))
	s.Error = func(token.Pos, string) {}

	var pending *token.Token
	for {
		tok := s.Scan()
		if tok.Type == token.COMMENT {
			continue
		}
		if pending != nil {
			switch tok.Type {
			case token.NUMBER, token.FLOAT, token.BOOL, token.STRING, token.HEREDOC,
				token.LBRACE, token.LBRACK, token.SUB:
			default:
				return NewInvalidConfigurationError("missing value in HCL configuration", nil).
					WithContext("line", pending.Pos.Line)
			}
			pending = nil
		}
		switch tok.Type {
		case token.EOF:
			return nil
		case token.ASSIGN:
			t := tok
			pending = &t
		}
	}
}

// checkHCLItems rejects items without keys or values.
func checkHCLItems(file *ast.File) error {
	var bad *ast.ObjectItem
	ast.Walk(file, func(n ast.Node) (ast.Node, bool) {
		if item, ok := n.(*ast.ObjectItem); ok && (len(item.Keys) == 0 || item.Val == nil) {
			bad = item
		}
		return n, bad == nil
	})
	if bad != nil {
		return NewInvalidConfigurationError("incomplete item in HCL configuration", nil).
			WithContext("line", bad.Pos().Line)
	}
	return nil
}

// ValidateCoreConfiguration checks the host-owned part of the configuration.
func ValidateCoreConfiguration(core *CoreConfiguration) (spiffeid.TrustDomain, error) {
	if core == nil {
		return spiffeid.TrustDomain{}, NewInvalidConfigurationError("core configuration is required", nil)
	}
	td, err := spiffeid.TrustDomainFromString(core.TrustDomain)
	if err != nil {
		return spiffeid.TrustDomain{}, NewInvalidConfigurationError("invalid trust domain", err).
			WithContext("trust_domain", core.TrustDomain)
	}
	return td, nil
}

// LifecycleTracker enforces Connected -> Initialized -> Configured ->
// Running -> Deinitialized. Each transition happens once.
type LifecycleTracker struct {
	mu       sync.Mutex
	state    LifecycleState
	deinitCh chan struct{}
}

// NewLifecycleTracker returns a tracker in the Connected state.
func NewLifecycleTracker() *LifecycleTracker {
	return &LifecycleTracker{deinitCh: make(chan struct{})}
}

// State returns the current state.
func (t *LifecycleTracker) State() LifecycleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Deinitialized is closed once Deinit succeeded.
func (t *LifecycleTracker) Deinitialized() <-chan struct{} {
	return t.deinitCh
}

// Init moves Connected -> Initialized.
func (t *LifecycleTracker) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != LifecycleConnected {
		return NewInvalidStateError("Init", t.state)
	}
	t.state = LifecycleInitialized
	return nil
}

// Configure runs apply and moves Initialized -> Configured when it
// succeeds. A rejected payload leaves the state unchanged so the host may
// send a corrected one.
func (t *LifecycleTracker) Configure(apply func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != LifecycleInitialized {
		return NewInvalidStateError("Configure", t.state)
	}
	if apply != nil {
		if err := apply(); err != nil {
			return err
		}
	}
	t.state = LifecycleConfigured
	return nil
}

// Admit checks a domain call. The first admitted call moves Configured ->
// Running.
func (t *LifecycleTracker) Admit(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.acceptsDomainCalls() {
		return NewInvalidStateError(method, t.state)
	}
	t.state = LifecycleRunning
	return nil
}

// Deinit moves any state after Init to Deinitialized, running release
// first. release errors are returned but the transition still happens:
// the plugin will not serve domain calls again either way.
func (t *LifecycleTracker) Deinit(release func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == LifecycleConnected || t.state == LifecycleDeinitialized {
		return NewInvalidStateError("Deinit", t.state)
	}
	var err error
	if release != nil {
		err = release()
	}
	t.state = LifecycleDeinitialized
	close(t.deinitCh)
	return err
}

// isLifecycleMethod reports whether fullMethod belongs to a service that
// bypasses the domain call gate.
func isLifecycleMethod(fullMethod string) bool {
	service := serviceOf(fullMethod)
	return service == InitServiceName ||
		service == ConfigServiceName ||
		service == healthpb.Health_ServiceDesc.ServiceName
}

// serviceOf extracts "Service" from "/Service/Method".
func serviceOf(fullMethod string) string {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// UnaryServerInterceptor rejects domain calls outside Configure..Deinit.
func (t *LifecycleTracker) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !isLifecycleMethod(info.FullMethod) {
			if err := t.Admit(info.FullMethod); err != nil {
				return nil, ToRPCError(err)
			}
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor.
func (t *LifecycleTracker) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !isLifecycleMethod(info.FullMethod) {
			if err := t.Admit(info.FullMethod); err != nil {
				return ToRPCError(err)
			}
		}
		return handler(srv, ss)
	}
}
