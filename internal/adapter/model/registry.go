package model

import (
	"fmt"
	"sync"

	"parley/internal/domain"
)

// Registry holds named model gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]domain.ModelGateway
}

// NewRegistry creates an empty gateway registry.
func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]domain.ModelGateway),
	}
}

// Register adds a gateway. Returns error if name already registered.
func (r *Registry) Register(gw domain.ModelGateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := gw.Name()
	if _, exists := r.gateways[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.gateways[name] = gw
	return nil
}

// Get retrieves a gateway by name.
func (r *Registry) Get(name string) (domain.ModelGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return g, nil
}

// List returns all registered gateway names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
