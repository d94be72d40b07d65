package agent

import (
	"fmt"
	"sync"

	"github.com/bsvalues/BCBSWebhub/internal/bus"
)

// FactoryFunc constructs an agent from its definition and the shared bus.
type FactoryFunc func(def Def, b *bus.Bus) (Agent, error)

// Registry interface allows for testable registry implementations
type Registry interface {
	Register(agentType string, factory FactoryFunc)
	GetFactory(agentType string) (FactoryFunc, bool)
}

// DefaultRegistry is the global registry implementation
type DefaultRegistry struct {
	factories map[string]FactoryFunc
	mu        sync.RWMutex
}

var defaultRegistry = &DefaultRegistry{
	factories: make(map[string]FactoryFunc),
}

// NewRegistry creates a new registry instance (useful for testing)
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		factories: make(map[string]FactoryFunc),
	}
}

func (r *DefaultRegistry) Register(agentType string, factory FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
}

func (r *DefaultRegistry) GetFactory(agentType string) (FactoryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[agentType]
	return f, ok
}

// Register registers a factory with the default registry.
func Register(agentType string, factory FactoryFunc) {
	defaultRegistry.Register(agentType, factory)
}

// Create creates an agent using the default registry.
func Create(def Def, b *bus.Bus) (Agent, error) {
	return CreateWithRegistry(def, b, defaultRegistry)
}

// CreateWithRegistry creates an agent using a custom registry (useful for testing)
func CreateWithRegistry(def Def, b *bus.Bus, registry Registry) (Agent, error) {
	if factory, ok := registry.GetFactory(def.Type); ok {
		return factory(def, b)
	}
	return nil, fmt.Errorf("unknown agent type: %s", def.Type)
}
