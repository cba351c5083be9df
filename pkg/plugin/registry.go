package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for plugin registration.
// Higher priority values override lower priority units with the same id.
const (
	// PriorityDefault is the default priority for built-in units.
	PriorityDefault = 0

	// PriorityOverride lets a unit linked into a custom build replace a
	// built-in one with the same id.
	PriorityOverride = 100
)

// DefaultOrder is the load order given to manifests that do not set one
const DefaultOrder = 50

// Manifest describes a plugin unit compiled into the binary.
type Manifest struct {
	// Descriptor is readable without constructing the plugin.
	Descriptor Descriptor

	// Factory creates new instances of the plugin.
	Factory Factory

	// Order specifies the load order. Lower values load first. Proxies
	// should load before the plugins whose updates they filter.
	Order int

	// Priority determines which manifest wins when multiple units register
	// with the same id. Higher priority wins.
	Priority int

	// AutoActivate is the initial is_active flag of a unit that has never
	// been seen by the repository.
	AutoActivate bool
}

// ID returns the unit identifier
func (m Manifest) ID() string { return m.Descriptor.ID }

// Registry holds the plugin units available to the lifecycle manager. Install
// and remove only toggle units the registry already knows about.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
	order     []string
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		manifests: make(map[string]Manifest),
		order:     make([]string, 0),
	}
}

// Register adds a unit to the registry.
// If a unit with the same id already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
// The descriptor itself is validated when the unit is loaded.
func (r *Registry) Register(m Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.ID()
	if id == "" {
		return fmt.Errorf("plugin id cannot be empty")
	}

	if m.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", id)
	}

	if m.Order == 0 {
		m.Order = DefaultOrder
	}

	log := zap.L().Named("registry")

	existing, exists := r.manifests[id]
	if exists {
		if m.Priority < existing.Priority {
			log.Debug("Plugin registration skipped",
				zap.String("plugin", id),
				zap.Int("priority", m.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		log.Debug("Plugin overridden",
			zap.String("plugin", id),
			zap.Int("from", existing.Priority),
			zap.Int("to", m.Priority))
	}

	r.manifests[id] = m

	if !exists {
		r.order = append(r.order, id)
	}

	log.Debug("Plugin registered",
		zap.String("plugin", id),
		zap.Int("priority", m.Priority),
		zap.Int("order", m.Order))

	return nil
}

// Unregister removes a unit and reports whether it was present
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.manifests[id]; !ok {
		return false
	}
	delete(r.manifests, id)
	for i, name := range r.order {
		if name == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the manifest for id, or nil if not found.
func (r *Registry) Get(id string) *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[id]
	if !ok {
		return nil
	}
	return &m
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.manifests[id]
	return ok
}

// List returns all registered manifests sorted by load order.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Manifest, 0, len(r.manifests))
	for _, id := range r.order {
		result = append(result, r.manifests[id])
	}

	// Sort by order (lower first), then by id for stability
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].ID() < result[j].ID()
	})

	return result
}

// Names returns the ids of all registered units in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered units. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.manifests = make(map[string]Manifest)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Default returns the global registry that plugin packages register into.
func Default() *Registry {
	return globalRegistry
}

// Register adds a unit to the global registry.
// This is typically called from init() functions in plugin packages.
func Register(m Manifest) error {
	return globalRegistry.Register(m)
}

// MustRegister is Register for init() functions; it panics on error.
func MustRegister(m Manifest) {
	if err := Register(m); err != nil {
		panic(err)
	}
}

// Get returns a manifest from the global registry.
func Get(id string) *Manifest {
	return globalRegistry.Get(id)
}

// List returns all manifests from the global registry.
func List() []Manifest {
	return globalRegistry.List()
}

// Names returns all unit ids from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
