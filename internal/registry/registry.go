// Package registry implements the global list of arrays described in
// spec.md §9 "Design Notes": insert/remove/find_by_name/find_by_uuid/iter,
// mutated only on the application thread.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/types"
)

// Registry is the process-wide array table. Mutation is only ever performed
// from the application-thread dispatcher (internal/lifecycle); the mutex
// here guards the handful of reads that can legitimately race it (e.g. an
// RPC handler listing arrays concurrently with a control-plane transition).
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*raidarray.Array
	byUUID   map[uuid.UUID]*raidarray.Array
}

func New() *Registry {
	return &Registry{
		byName: make(map[string]*raidarray.Array),
		byUUID: make(map[uuid.UUID]*raidarray.Array),
	}
}

func (r *Registry) Insert(a *raidarray.Array) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[a.Name]; ok {
		return &types.ExistsError{Kind: "array", ID: a.Name}
	}
	r.byName[a.Name] = a
	r.byUUID[a.UUID] = a
	return nil
}

func (r *Registry) Remove(a *raidarray.Array) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, a.Name)
	delete(r.byUUID, a.UUID)
}

func (r *Registry) FindByName(name string) (*raidarray.Array, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	if !ok {
		return nil, &types.NotFoundError{Kind: "array", ID: name}
	}
	return a, nil
}

func (r *Registry) FindByUUID(id uuid.UUID) (*raidarray.Array, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byUUID[id]
	return a, ok
}

// Iter calls fn once per array currently registered. fn must not mutate the
// registry.
func (r *Registry) Iter(fn func(*raidarray.Array)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byName {
		fn(a)
	}
}

// FindSlotByDeviceName is the reverse lookup used by member Remove/Resize: scan
// every array's slots for one whose assigned name matches devName (spec.md
// §9: "Reverse lookup from a backing device uses iter + slot scan").
func (r *Registry) FindSlotByDeviceName(devName string) (arr *raidarray.Array, slotIndex int, found bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byName {
		for _, s := range a.Slots() {
			if s.Name() == devName {
				return a, s.Index, true
			}
		}
	}
	return nil, 0, false
}
