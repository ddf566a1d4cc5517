package mount

import (
	"fmt"
	"sync"
	"time"
)

// SessionRef is the live relay state attached to a mount. The registry only
// stores the reference; the relay package owns its semantics.
type SessionRef any

// Mount describes one registered stream path.
type Mount struct {
	Path    string
	Name    string
	Locator string
	Dynamic bool
	AddedAt time.Time
}

// Registry maps stream paths to upstream source locators and holds the
// per-path session slot. Paths are matched exactly; when no entry matches,
// an optional fallback Resolver (e.g. template substitution) is consulted.
type Registry struct {
	mu       sync.RWMutex
	mounts   map[string]Mount
	sessions map[string]SessionRef
	fallback Resolver
}

// NewRegistry creates an empty registry. fallback may be nil, in which case
// only explicitly registered paths resolve.
func NewRegistry(fallback Resolver) *Registry {
	return &Registry{
		mounts:   make(map[string]Mount),
		sessions: make(map[string]SessionRef),
		fallback: fallback,
	}
}

// Register adds a mount for the given path. It fails if the path is already
// taken.
func (r *Registry) Register(m Mount) error {
	if m.Path == "" {
		return fmt.Errorf("mount path cannot be empty")
	}
	if m.Locator == "" {
		return fmt.Errorf("mount %q: locator cannot be empty", m.Path)
	}
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mounts[m.Path]; exists {
		return fmt.Errorf("mount %q already registered", m.Path)
	}
	r.mounts[m.Path] = m
	return nil
}

// Unregister removes a mount and clears its session slot. It reports whether
// the path was registered.
func (r *Registry) Unregister(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mounts[path]
	delete(r.mounts, path)
	delete(r.sessions, path)
	return ok
}

// Resolve maps a path to its upstream locator. Registered mounts take
// precedence over the fallback resolver.
func (r *Registry) Resolve(path string) (string, bool) {
	r.mu.RLock()
	m, ok := r.mounts[path]
	r.mu.RUnlock()
	if ok {
		return m.Locator, true
	}
	if r.fallback != nil {
		return r.fallback.Resolve(path)
	}
	return "", false
}

// Get returns the mount registered at path.
func (r *Registry) Get(path string) (Mount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mounts[path]
	return m, ok
}

// Mounts returns a snapshot of all registered mounts.
func (r *Registry) Mounts() []Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		out = append(out, m)
	}
	return out
}

// Session returns the session currently attached to path, if any.
func (r *Registry) Session(path string) (SessionRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.sessions[path]
	return ref, ok
}

// SetSession stores the session reference for path. A nil ref clears the
// slot. Template-resolved paths may carry a session without a registered
// mount.
func (r *Registry) SetSession(path string, ref SessionRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref == nil {
		delete(r.sessions, path)
		return
	}
	r.sessions[path] = ref
}
