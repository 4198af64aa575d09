package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured backend adapters and exposes their optional
// capabilities. It must be created via NewRegistry and passed explicitly to the
// components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Type]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is nil")
	}
	bt := normalizeType(adapter.Type().String())
	if bt == "" {
		return errors.New("backend type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[bt]; exists {
		return fmt.Errorf("backend already registered: %s", bt)
	}
	r.adapters[bt] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given backend.
func (r *Registry) Get(backendType Type) (Adapter, bool) {
	bt := normalizeType(backendType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[bt]
	return adapter, ok
}

// List returns all registered adapters ordered by backend type.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Type() < items[j].Type()
	})
	return items
}

// Types returns all registered backend types, sorted.
func (r *Registry) Types() []Type {
	adapters := r.List()
	items := make([]Type, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, a.Type())
	}
	return items
}

// GetConnector returns the Connector for the given backend if it keeps a connection.
func (r *Registry) GetConnector(backendType Type) (Connector, bool) {
	adapter, ok := r.Get(backendType)
	if !ok {
		return nil, false
	}
	connector, ok := adapter.(Connector)
	return connector, ok
}

// GetUserResolver returns the UserResolver for the given backend if supported.
func (r *Registry) GetUserResolver(backendType Type) (UserResolver, bool) {
	adapter, ok := r.Get(backendType)
	if !ok {
		return nil, false
	}
	resolver, ok := adapter.(UserResolver)
	return resolver, ok
}
