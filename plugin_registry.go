// plugin_registry.go: Named service registry for both sides of the bridge
//
// The plugin side registers PluginServer implementations on its gRPC server;
// the host side registers PluginClient factories and dispenses typed stubs
// over the shared Channel.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc"
)

// Names of the built-in lifecycle services.
const (
	InitServiceName   = "Init"
	ConfigServiceName = "Config"
)

// PluginServer is the plugin-side half of a named service.
type PluginServer interface {
	// Name is the logical service name advertised by Init.
	Name() string

	// RegisterGRPC registers the service implementation on s.
	RegisterGRPC(s grpc.ServiceRegistrar) error
}

// PluginClient is the host-side half of a named service: a factory that
// builds a stub over the shared channel.
type PluginClient interface {
	Name() string
	Client(cc grpc.ClientConnInterface) any
}

// servicePlugin adapts a ServiceBuilder to PluginServer.
type servicePlugin struct {
	builder *ServiceBuilder
}

// NewServicePlugin wraps a service descriptor as a PluginServer.
func NewServicePlugin(b *ServiceBuilder) PluginServer {
	return &servicePlugin{builder: b}
}

func (p *servicePlugin) Name() string { return p.builder.Name() }

func (p *servicePlugin) RegisterGRPC(s grpc.ServiceRegistrar) error {
	p.builder.Register(s)
	return nil
}

// ClientPlugin is a PluginClient producing stubs of type T.
type ClientPlugin[T any] struct {
	name    string
	factory func(grpc.ClientConnInterface) T
}

// NewClientPlugin returns a PluginClient named name whose stubs are built by
// factory.
func NewClientPlugin[T any](name string, factory func(grpc.ClientConnInterface) T) *ClientPlugin[T] {
	return &ClientPlugin[T]{name: name, factory: factory}
}

// Name implements PluginClient.
func (p *ClientPlugin[T]) Name() string { return p.name }

// Client implements PluginClient.
func (p *ClientPlugin[T]) Client(cc grpc.ClientConnInterface) any { return p.factory(cc) }

// Stub returns a typed stub without going through any.
func (p *ClientPlugin[T]) Stub(cc grpc.ClientConnInterface) T { return p.factory(cc) }

// ServiceRegistry holds the services a gRPC server exposes. A name may be
// registered once.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]PluginServer
	order    []string
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]PluginServer)}
}

// Register adds p. An empty or already registered name is a
// DuplicateService error.
func (r *ServiceRegistry) Register(p PluginServer) error {
	if p == nil {
		return NewConfigValidationError("nil plugin server", nil)
	}
	name := p.Name()
	if name == "" {
		return NewDuplicateServiceError(name).
			WithContext("reason", "empty service name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[name]; exists {
		return NewDuplicateServiceError(name)
	}
	r.services[name] = p
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the server registered under name.
func (r *ServiceRegistry) Lookup(name string) (PluginServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.services[name]
	return p, ok
}

// Names returns the sorted registered names, excluding the Init service.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		if name == InitServiceName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered services.
func (r *ServiceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// RegisterAll registers every service on s in registration order.
func (r *ServiceRegistry) RegisterAll(s grpc.ServiceRegistrar) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if err := r.services[name].RegisterGRPC(s); err != nil {
			return fmt.Errorf("register service %s: %w", name, err)
		}
	}
	return nil
}

// clientSet is the host-side registry of PluginClient factories.
type clientSet struct {
	mu      sync.RWMutex
	clients map[string]PluginClient
}

func newClientSet() *clientSet {
	return &clientSet{clients: make(map[string]PluginClient)}
}

func (cs *clientSet) add(p PluginClient) error {
	if p == nil {
		return NewConfigValidationError("nil plugin client", nil)
	}
	name := p.Name()
	if name == "" {
		return NewDuplicateServiceError(name).
			WithContext("reason", "empty service name")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, exists := cs.clients[name]; exists {
		return NewDuplicateServiceError(name)
	}
	cs.clients[name] = p
	return nil
}

func (cs *clientSet) get(name string) (PluginClient, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	p, ok := cs.clients[name]
	return p, ok
}

func (cs *clientSet) names() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	names := make([]string, 0, len(cs.clients))
	for name := range cs.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
