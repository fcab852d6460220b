// SPDX-License-Identifier: Unlicense OR MIT

package shell

import (
	"fmt"
	"sync"

	"tideway.org/embedder"
)

// Registry maps view identifiers to their views. Both the platform
// goroutine and engine callback paths read it, so every operation is
// guarded by a mutex; nothing blocking runs under the lock.
type Registry struct {
	mu    sync.Mutex
	views map[embedder.ViewID]*View
	next  int64
}

// NewRegistry returns an empty registry. Identifier allocation starts
// at 1; the implicit view's identifier is never handed out.
func NewRegistry() *Registry {
	return &Registry{views: make(map[embedder.ViewID]*View)}
}

// Allocate returns a fresh view identifier. Allocation is monotonic
// and wraps on overflow, skipping the implicit identifier and any
// identifier still registered.
func (r *Registry) Allocate() embedder.ViewID {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.next++
		id := embedder.ViewID(r.next)
		if id == embedder.ImplicitViewID {
			continue
		}
		if _, live := r.views[id]; live {
			continue
		}
		return id
	}
}

// Insert registers a view under its identifier.
func (r *Registry) Insert(v *View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[v.ID]; ok {
		return fmt.Errorf("shell: view %d already registered", v.ID)
	}
	r.views[v.ID] = v
	return nil
}

// Lookup returns the view registered under id, if any.
func (r *Registry) Lookup(id embedder.ViewID) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	return v, ok
}

// Remove deregisters and returns the view under id, if any.
func (r *Registry) Remove(id embedder.ViewID) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[id]
	if ok {
		delete(r.views, id)
	}
	return v, ok
}

// Views returns a snapshot of the registered views.
func (r *Registry) Views() []*View {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	return out
}
