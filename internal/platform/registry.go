package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Priority constants for platform registration.
// Higher priority values override lower priority platforms with the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// DefaultOrder is used when Info.Order is zero.
const DefaultOrder = 50

// Factory creates the entities of one platform for a loaded config entry.
type Factory func(ctx *Context) ([]Entity, error)

// Info describes a registered platform.
type Info struct {
	// Name is the platform id, for example "sensor" or "light".
	Name        string
	Description string
	// Priority decides which registration wins for the same Name.
	Priority int
	Factory  Factory
	// Order controls setup order. Lower values set up first.
	Order int
}

// Registry holds the platforms an entry is forwarded to during setup.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Info
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Info)}
}

// Register adds a platform. For a duplicate name the higher priority wins;
// on equal priority the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("platform %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	existing, exists := r.platforms[info.Name]
	if exists && info.Priority < existing.Priority {
		return nil
	}

	r.platforms[info.Name] = info
	if !exists {
		r.order = append(r.order, info.Name)
	}
	return nil
}

// Get returns the platform registered under name.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.platforms[name]
	return info, ok
}

// List returns all platforms sorted by Order, then Name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.platforms))
	for _, name := range r.order {
		result = append(result, r.platforms[name])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// SetupAll runs every platform factory in order and returns the combined
// entities. On failure no entities are returned; none have been started yet.
func (r *Registry) SetupAll(ctx *Context) ([]Entity, error) {
	var entities []Entity
	for _, info := range r.List() {
		created, err := info.Factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to set up platform %s: %w", info.Name, err)
		}
		entities = append(entities, created...)
	}
	return entities, nil
}

// Names returns platform names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

var globalRegistry = NewRegistry()

// Register adds a platform to the global registry, typically from init().
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Default returns the global registry.
func Default() *Registry {
	return globalRegistry
}
