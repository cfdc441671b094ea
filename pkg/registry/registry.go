package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry holds the currently published snapshot. Readers acquire a snapshot
// once per request and keep using it even if a newer version is published.
type Registry struct {
	mu      sync.Mutex // serializes publishers
	current atomic.Pointer[Snapshot]
}

// New creates a registry with an initial catalog published as generation 1.
func New(initial Catalog) (*Registry, error) {
	r := &Registry{}
	if _, err := r.Publish(initial); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the published snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Publish validates a catalog and atomically makes it the current snapshot.
// On error the previous snapshot stays current.
func (r *Registry) Publish(cat Catalog) (*Snapshot, error) {
	snap, err := Build(cat)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var next uint64 = 1
	if prev := r.current.Load(); prev != nil {
		next = prev.generation + 1
	}
	snap.generation = next
	r.current.Store(snap)
	return snap, nil
}

// Intent resolves an intent id against the current snapshot.
func (r *Registry) Intent(id string) (Intent, error) {
	in, ok := r.Current().Intent(id)
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrUnknownIntent, id)
	}
	return in, nil
}
