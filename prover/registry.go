package prover

import (
	"sort"
	"sync"

	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// Registry holds one Prover per supported batch size and selects the
// smallest registered prover whose batch size is at least the size
// needed, the same named-lookup-by-capability shape the teacher's
// aggregator registry used, indexed by size instead of name.
type Registry struct {
	mu      sync.RWMutex
	provers map[int]Prover
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{provers: make(map[int]Prover)}
}

// Register adds p under its own BatchSize(). Registering a second
// prover for the same size replaces the first.
func (r *Registry) Register(p Prover) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provers[p.BatchSize()] = p
}

// Select returns the smallest registered prover whose batch size is >=
// needed, per spec.md §6. Returns sequencererr.Absence if no prover is
// large enough.
func (r *Registry) Select(needed int) (Prover, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make([]int, 0, len(r.provers))
	for size := range r.provers {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	for _, size := range sizes {
		if size >= needed {
			return r.provers[size], nil
		}
	}
	return nil, sequencererr.Absence("no prover registered with batch size >= %d", needed)
}

// Unregister removes the prover registered for size, if any.
func (r *Registry) Unregister(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.provers, size)
}

// Sizes returns the registered batch sizes in ascending order.
func (r *Registry) Sizes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make([]int, 0, len(r.provers))
	for size := range r.provers {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	return sizes
}
