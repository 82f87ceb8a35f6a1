package module

import (
	"fmt"
	"sort"
	"sync"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
)

// StaticRegistry is a thread-safe plugin.Registry backed by a map. It is the
// registry engines use when none is supplied.
type StaticRegistry struct {
	factories map[string]plugin.ModuleFactory
	mu        sync.RWMutex
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{factories: make(map[string]plugin.ModuleFactory)}
}

// Register associates a task kind name with its factory.
func (r *StaticRegistry) Register(name string, factory plugin.ModuleFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fcerrors.NewConfigError("module registration error: name cannot be empty", nil)
	}
	if factory == nil {
		return fcerrors.NewConfigError(fmt.Sprintf("module registration error for '%s': factory cannot be nil", name), nil)
	}
	if _, exists := r.factories[name]; exists {
		return fcerrors.NewConfigError(fmt.Sprintf("module registration error: duplicate module name '%s'", name), nil)
	}
	r.factories[name] = factory
	return nil
}

// Get returns the factory registered under name or a ModuleNotFoundError.
func (r *StaticRegistry) Get(name string) (plugin.ModuleFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fcerrors.NewModuleNotFoundError(name)
	}
	return factory, nil
}

// List returns the registered names, sorted.
func (r *StaticRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	globalRegistry = NewStaticRegistry()

	_ plugin.Registry = (*StaticRegistry)(nil)
)

// Register adds a factory to the global registry. Built-in task kinds call
// it from init and a failure there is a programming error, so it panics.
func Register(name string, factory plugin.ModuleFactory) {
	if err := globalRegistry.Register(name, factory); err != nil {
		panic(fmt.Errorf("failed to register module '%s' globally: %w", name, err))
	}
}

// DefaultStaticRegistryGetter exposes the global registry holding every task
// kind registered at init time.
var DefaultStaticRegistryGetter plugin.Registry = globalRegistry
