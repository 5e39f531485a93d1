// Package registry holds the live container_id -> registration map.
// Unlike the caches in internal/cache, entries here are never evicted
// by time: a registration lives until an explicit destroy call removes
// it, matching the spec's "registrations are not TTL'd" invariant.
package registry

import (
	"sync"

	"github.com/wasmexec/host/internal/abi"
)

// Registration is everything the runtime needs to invoke a previously
// initialized container again: its capabilities, the content hash of
// its compiled module, and the compiled bytes themselves (so an
// evicted template can be rebuilt on demand).
type Registration struct {
	ContainerID   string
	Caps          abi.Capabilities
	Hash64        uint64
	CompiledBytes []byte
}

// Registry is a concurrent container_id -> Registration map. Re-
// registering an existing container_id is last-writer-wins: the new
// registration simply replaces the old one, and it is the caller's
// responsibility to have already torn down any runtime-side instance
// state for the previous registration.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Registration
}

func New() *Registry {
	return &Registry{byID: make(map[string]*Registration)}
}

func (r *Registry) Put(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[reg.ContainerID] = reg
}

func (r *Registry) Get(containerID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[containerID]
	return reg, ok
}

func (r *Registry) Delete(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, containerID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
