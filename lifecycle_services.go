// lifecycle_services.go: Built-in Init and Config services and their host stubs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
)

// Lifecycle method names.
const (
	MethodInit      = "Init"
	MethodDeinit    = "Deinit"
	MethodConfigure = "Configure"
)

// lifecycleServer implements the plugin side of Init, Config and Deinit.
type lifecycleServer struct {
	tracker    *LifecycleTracker
	registry   *ServiceRegistry
	configurer Configurer
	logger     Logger

	mu        sync.RWMutex
	hostNames map[string]bool
}

func newLifecycleServer(tracker *LifecycleTracker, registry *ServiceRegistry, configurer Configurer, logger Logger) *lifecycleServer {
	return &lifecycleServer{
		tracker:    tracker,
		registry:   registry,
		configurer: configurer,
		logger:     logger,
		hostNames:  make(map[string]bool),
	}
}

// initService describes the Init service.
func (s *lifecycleServer) initService() *ServiceBuilder {
	b := NewService(InitServiceName)
	Unary(b, MethodInit, s.handleInit)
	Unary(b, MethodDeinit, s.handleDeinit)
	return b
}

// configService describes the Config service.
func (s *lifecycleServer) configService() *ServiceBuilder {
	b := NewService(ConfigServiceName)
	Unary(b, MethodConfigure, s.handleConfigure)
	return b
}

func (s *lifecycleServer) handleInit(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	if err := s.tracker.Init(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, name := range req.HostServiceNames {
		s.hostNames[name] = true
	}
	s.mu.Unlock()

	names := s.registry.Names()
	s.logger.Debug("Plugin initialized",
		"plugin_services", names,
		"host_services", req.HostServiceNames)
	return &InitResponse{PluginServiceNames: names}, nil
}

func (s *lifecycleServer) handleConfigure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error) {
	err := s.tracker.Configure(func() error {
		td, err := ValidateCoreConfiguration(req.CoreConfiguration)
		if err != nil {
			return err
		}
		if s.configurer == nil {
			return nil
		}
		core := CoreConfiguration{TrustDomain: td.Name()}
		if err := s.configurer.Configure(ctx, core, req.HCLConfiguration); err != nil {
			if IsInvalidConfigurationError(err) {
				return err
			}
			return NewInvalidConfigurationError("plugin rejected configuration", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Plugin configuration rejected", "error", err)
		return nil, err
	}
	s.logger.Debug("Plugin configured", "trust_domain", req.CoreConfiguration.TrustDomain)
	return &ConfigureResponse{}, nil
}

func (s *lifecycleServer) handleDeinit(ctx context.Context, _ *DeinitRequest) (*DeinitResponse, error) {
	err := s.tracker.Deinit(func() error {
		return s.releaseServices(ctx)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Plugin deinitialized")
	return &DeinitResponse{}, nil
}

// releaseServices calls Deinit on every service implementing Deinitializer.
func (s *lifecycleServer) releaseServices(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range s.registry.Names() {
		p, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		if d, ok := p.(Deinitializer); ok {
			if err := d.Deinit(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// hostAdvertised reports whether the host offered name during Init.
func (s *lifecycleServer) hostAdvertised(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostNames[name]
}

// InitClient is the host stub of the Init service.
type InitClient struct {
	cc grpc.ClientConnInterface
}

// NewInitClient returns an Init stub over cc.
func NewInitClient(cc grpc.ClientConnInterface) *InitClient {
	return &InitClient{cc: cc}
}

// Init declares the host services and returns the plugin services.
func (c *InitClient) Init(ctx context.Context, hostServiceNames []string) ([]string, error) {
	resp, err := Invoke[InitRequest, InitResponse](ctx, c.cc, InitServiceName, MethodInit,
		&InitRequest{HostServiceNames: hostServiceNames})
	if err != nil {
		return nil, err
	}
	return resp.PluginServiceNames, nil
}

// Deinit asks the plugin to release its resources and stop.
func (c *InitClient) Deinit(ctx context.Context) error {
	_, err := Invoke[DeinitRequest, DeinitResponse](ctx, c.cc, InitServiceName, MethodDeinit, &DeinitRequest{})
	return err
}

// ConfigClient is the host stub of the Config service.
type ConfigClient struct {
	cc grpc.ClientConnInterface
}

// NewConfigClient returns a Config stub over cc.
func NewConfigClient(cc grpc.ClientConnInterface) *ConfigClient {
	return &ConfigClient{cc: cc}
}

// Configure sends the core configuration and the opaque payload. A rejected
// payload is an InvalidConfiguration error.
func (c *ConfigClient) Configure(ctx context.Context, core CoreConfiguration, payload string) error {
	_, err := Invoke[ConfigureRequest, ConfigureResponse](ctx, c.cc, ConfigServiceName, MethodConfigure,
		&ConfigureRequest{CoreConfiguration: &core, HCLConfiguration: payload})
	return err
}

// InitPlugin is the host-side factory of the Init service.
func InitPlugin() *ClientPlugin[*InitClient] {
	return NewClientPlugin(InitServiceName, NewInitClient)
}

// ConfigPlugin is the host-side factory of the Config service.
func ConfigPlugin() *ClientPlugin[*ConfigClient] {
	return NewClientPlugin(ConfigServiceName, NewConfigClient)
}
