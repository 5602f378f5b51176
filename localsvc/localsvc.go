// Package localsvc holds the consumer-side local and fallback
// implementations used when an invocation is steered away from the network
// or when a remote call cannot be satisfied.
package localsvc

import (
	"sync"

	"relay-rpc/message"
)

// Invokable is the generic invocation surface shared by local and fallback
// implementations: positional JSON-mappable parameters in, one value out.
type Invokable interface {
	Invoke(method string, params []any) (any, error)
}

// Func adapts a plain function to Invokable.
type Func func(method string, params []any) (any, error)

func (f Func) Invoke(method string, params []any) (any, error) {
	return f(method, params)
}

// zeroService is the synthetic default behind GetWithFallback: every method
// succeeds with a nil result, which the façade renders as the
// type-appropriate zero value.
type zeroService struct{}

func (zeroService) Invoke(method string, params []any) (any, error) {
	return nil, nil
}

// Registry stores local implementations by service key and fallback
// implementations by service name.
type Registry struct {
	mu        sync.RWMutex
	locals    map[string]Invokable
	fallbacks map[string]Invokable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locals:    make(map[string]Invokable),
		fallbacks: make(map[string]Invokable),
	}
}

// RegisterLocal stores a local implementation under the derived service key.
func (r *Registry) RegisterLocal(name, version, group string, impl Invokable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locals[message.ServiceKey(name, version, group)] = impl
}

// RegisterFallback stores a fallback implementation under the bare service
// name: a fallback serves every version and group of its service.
func (r *Registry) RegisterFallback(name string, impl Invokable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[name] = impl
}

// Get returns the local implementation for the key, or nil.
func (r *Registry) Get(serviceKey string) Invokable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locals[serviceKey]
}

// GetWithFallback returns the local implementation, else the registered
// fallback for the service name, else the synthetic zero-value default.
func (r *Registry) GetWithFallback(serviceKey, serviceName string) Invokable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if impl, ok := r.locals[serviceKey]; ok {
		return impl
	}
	if impl, ok := r.fallbacks[serviceName]; ok {
		return impl
	}
	return zeroService{}
}
