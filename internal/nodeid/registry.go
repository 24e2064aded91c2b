package nodeid

import (
	"log"
	"sync"
)

// Registry is a thread-safe bidirectional map between NodeId and its 32-bit
// wire hash (spec §4.2). Registration is idempotent for the same UUID;
// registering a different UUID that collides on the same hash logs the
// collision and keeps the first-registered mapping (spec §9 "Hash
// collisions ... resolved by keeping the first-registered mapping").
type Registry struct {
	mu         sync.RWMutex
	byHash     map[uint32]NodeId
	collisions map[uint32]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHash:     make(map[uint32]NodeId),
		collisions: make(map[uint32]struct{}),
	}
}

// Register adds uuid to the registry, keyed by its wire hash. The null
// UUID is rejected silently (spec §4.2). Returns true if this call
// registered a new mapping (false for an idempotent re-register or a
// rejected collision).
func (r *Registry) Register(n NodeId) bool {
	if n.IsNil() {
		return false
	}
	h := n.Hash()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byHash[h]
	if ok {
		if existing == n {
			return false // idempotent
		}
		log.Printf("[nodeid] hash collision on %08x: keeping %s, dropping %s", h, existing, n)
		r.collisions[h] = struct{}{}
		return false
	}
	r.byHash[h] = n
	return true
}

// Unregister removes uuid's mapping, if it is the one currently registered
// for its hash.
func (r *Registry) Unregister(n NodeId) {
	if n.IsNil() {
		return
	}
	h := n.Hash()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHash[h]; ok && existing == n {
		delete(r.byHash, h)
	}
}

// Lookup returns the NodeId registered for hash h, if any.
func (r *Registry) Lookup(h uint32) (NodeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byHash[h]
	return n, ok
}

// Nodes returns a snapshot of all registered NodeIds.
func (r *Registry) Nodes() []NodeId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeId, 0, len(r.byHash))
	for _, n := range r.byHash {
		out = append(out, n)
	}
	return out
}

// Clear removes all registered mappings and collision records.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash = make(map[uint32]NodeId)
	r.collisions = make(map[uint32]struct{})
}

// HasCollision reports whether hash h has ever had a registration conflict.
func (r *Registry) HasCollision(h uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.collisions[h]
	return ok
}

// Count returns the number of currently registered mappings.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}
