package queue

import (
	"log"
	"sync"

	"github.com/forkful/mediaqueue/internal/events"
)

// StoreFactory scopes the shared queue database to one owner.
type StoreFactory func(ownerID string) Store

// Registry maps owners to their isolated queue managers. Managers are built
// lazily on first use; no mutable state is shared between owners beyond this
// map.
type Registry struct {
	opts   Options
	bus    *events.Bus
	exec   Executor
	stores StoreFactory

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry(opts Options, bus *events.Bus, exec Executor, stores StoreFactory) *Registry {
	return &Registry{
		opts:     opts,
		bus:      bus,
		exec:     exec,
		stores:   stores,
		managers: make(map[string]*Manager),
	}
}

// GetOrCreate returns the owner's manager, constructing one on first use.
func (r *Registry) GetOrCreate(ownerID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[ownerID]; ok {
		return m
	}
	m := NewManager(ownerID, r.opts, r.stores(ownerID), r.exec, r.bus)
	r.managers[ownerID] = m
	return m
}

// Destroy tears down an owner's manager, but only when it holds no
// non-terminal tasks. Refusing otherwise prevents a logout race from
// silently dropping in-flight uploads.
func (r *Registry) Destroy(ownerID string) bool {
	r.mu.Lock()
	m, ok := r.managers[ownerID]
	if !ok {
		r.mu.Unlock()
		return true
	}
	if n := m.NonTerminalCount(); n > 0 {
		r.mu.Unlock()
		log.Printf("registry: refusing to destroy owner %s with %d uploads in flight", ownerID, n)
		return false
	}
	delete(r.managers, ownerID)
	r.mu.Unlock()
	m.Close()
	return true
}

// ClearStore wipes an owner's persisted queue rows. Meant for the explicit
// logout cleanup path, after Destroy has succeeded.
func (r *Registry) ClearStore(ownerID string) error {
	return r.stores(ownerID).Clear()
}

// CloseAll shuts every manager down, for daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for id, m := range r.managers {
		managers = append(managers, m)
		delete(r.managers, id)
	}
	r.mu.Unlock()
	for _, m := range managers {
		m.Close()
	}
}
