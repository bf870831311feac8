package adapter

import (
	"fmt"
	"sync"

	"github.com/taskforge/engine/pkg/models"
)

// entry pairs an immutable descriptor with its live implementation.
type entry struct {
	descriptor models.AdapterDescriptor
	adapter    Adapter
}

// Registry holds adapters registered at startup. Descriptors are immutable
// once registered (spec.md §4.5); the FSM only ever reads from a Registry,
// it never registers or unregisters entries mid-run.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds descriptor.ID to impl. Registering the same ID twice is an
// error: descriptors are immutable once loaded.
func (r *Registry) Register(descriptor models.AdapterDescriptor, impl Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[descriptor.ID]; exists {
		return fmt.Errorf("adapter %q already registered", descriptor.ID)
	}
	r.entries[descriptor.ID] = entry{descriptor: descriptor, adapter: impl}
	return nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, models.AdapterDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.adapter, e.descriptor, ok
}

// Descriptor returns the descriptor registered under id, without the adapter.
func (r *Registry) Descriptor(id string) (models.AdapterDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.descriptor, ok
}

// ForCapability returns every registered descriptor that declares cap,
// preserving no particular order. The FSM does not call it: it resolves
// each phase's adapter through its routing table and Get.
func (r *Registry) ForCapability(cap models.Capability) []models.AdapterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.AdapterDescriptor
	for _, e := range r.entries {
		if e.descriptor.HasCapability(cap) {
			out = append(out, e.descriptor)
		}
	}
	return out
}

// All returns every registered descriptor.
func (r *Registry) All() []models.AdapterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AdapterDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	return out
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
