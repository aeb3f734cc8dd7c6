package cache

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Registry owns the cache namespaces of a process.  The composition root
// registers each hosting application's namespace explicitly at startup;
// lookups never create namespaces as a side effect.
type Registry struct {
	base   string
	format string
	hotMB  int

	mu     sync.Mutex
	caches map[string]*Cache
}

// NewRegistry returns a registry handing out caches under the base
// directory, all using the same codec format and hot layer size.
func NewRegistry(base, format string, hotMegabytes int) *Registry {
	return &Registry{
		base:   base,
		format: format,
		hotMB:  hotMegabytes,
		caches: make(map[string]*Cache),
	}
}

// Base returns the directory that namespace roots are created under.
func (r *Registry) Base() string {
	return r.base
}

// Register creates the cache for an application namespace, or returns the
// already registered one.
func (r *Registry) Register(namespace string) (*Cache, error) {
	if namespace == "" {
		return nil, fmt.Errorf("Cache namespace cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, found := r.caches[namespace]; found {
		return c, nil
	}
	root := filepath.Join(r.base, sanitizeKeyPart(namespace), "thumbnails")
	c, err := New(root, r.format, r.hotMB)
	if err != nil {
		return nil, err
	}
	r.caches[namespace] = c
	return c, nil
}

// UpdateProject points a namespace cache at a project-scoped root,
// <base>/<namespace>/<identity>/thumbnails, so thumbnails from different
// projects never collide.  An empty identity returns the namespace to its
// project-independent root.  Existing entries are not migrated.
func (r *Registry) UpdateProject(namespace, identity string) error {
	r.mu.Lock()
	c, found := r.caches[namespace]
	r.mu.Unlock()
	if !found {
		return fmt.Errorf("Cache namespace %q is not registered", namespace)
	}
	parts := []string{r.base, sanitizeKeyPart(namespace)}
	if identity != "" {
		parts = append(parts, sanitizeKeyPart(identity))
	}
	parts = append(parts, "thumbnails")
	return c.Reconfigure(filepath.Join(parts...))
}

// Get returns a registered namespace cache.  It never creates one.
func (r *Registry) Get(namespace string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.caches[namespace]
	return c, found
}

// Namespaces returns the registered namespace names in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
