package dicompath

import "sync"

// Registry remembers TEMP paths by the raw string the host used to create
// them, so later calls on the same string resolve to the same pending file.
// Entries live until Remove; nothing expires them.
type Registry struct {
	mu    sync.RWMutex
	paths map[string]Path
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]Path)}
}

// Put records p under raw.
func (r *Registry) Put(raw string, p Path) {
	r.mu.Lock()
	r.paths[raw] = p
	r.mu.Unlock()
}

// Get returns the pending path registered under raw.
func (r *Registry) Get(raw string) (Path, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[raw]
	return p, ok
}

// Remove forgets raw.
func (r *Registry) Remove(raw string) {
	r.mu.Lock()
	delete(r.paths, raw)
	r.mu.Unlock()
}

// Len returns the number of pending paths.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths)
}
