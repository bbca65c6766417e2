package serializer

import (
	"slices"
	"strings"
	"sync"

	"github.com/poiesic/graphstore/core"
)

// Factory returns a new, empty instance of a storable type.
type Factory func() core.Storable

type prefixRule struct {
	from string
	to   string
}

// Registry maps document type names to factories, plus the rename rules
// applied to type names written by older versions.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	renames   map[string]string
	prefixes  []prefixRule
}

// NewRegistry returns a registry that knows the metadata record type.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		renames:   make(map[string]string),
	}
	Register[core.StorageInfo](r)
	return r
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Register adds the storable type P under its TypeName.
func Register[T any, P interface {
	*T
	core.Storable
}](r *Registry) {
	name := P(new(T)).TypeName()
	r.Register(name, func() core.Storable { return P(new(T)) })
}

// Rename binds documents written with oldName to the type registered as
// newName.
func (r *Registry) Rename(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renames[oldName] = newName
}

// ReplacePrefix rewrites type names starting with from to start with to.
// Rules are tried in the order they were added.
func (r *Registry) ReplacePrefix(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixRule{from: from, to: to})
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// New returns a new instance of the type registered as name.
func (r *Registry) New(name string) (core.Storable, bool) {
	f, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return f(), true
}

func (r *Registry) lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// candidates returns the migrated names to try for a stored name.
func (r *Registry) candidates(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	if renamed, ok := r.renames[name]; ok {
		out = append(out, renamed)
	}
	for _, rule := range r.prefixes {
		if strings.HasPrefix(name, rule.from) {
			out = append(out, rule.to+strings.TrimPrefix(name, rule.from))
		}
	}
	return out
}

type binding struct {
	name    string
	factory Factory
}

// Binder resolves stored type names to factories. Results are cached for
// the lifetime of the binder.
type Binder struct {
	registry *Registry

	mu    sync.Mutex
	cache map[string]binding
}

// NewBinder returns a binder over registry.
func NewBinder(registry *Registry) *Binder {
	return &Binder{
		registry: registry,
		cache:    make(map[string]binding),
	}
}

// Resolve binds a stored type name: first from the cache, then by direct
// lookup, then through the rename and prefix rules. It returns the name the
// type is registered under.
func (b *Binder) Resolve(stored string) (string, Factory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hit, ok := b.cache[stored]; ok {
		return hit.name, hit.factory, nil
	}

	if f, ok := b.registry.lookup(stored); ok {
		b.cache[stored] = binding{name: stored, factory: f}
		return stored, f, nil
	}

	for _, name := range b.registry.candidates(stored) {
		if f, ok := b.registry.lookup(name); ok {
			b.cache[stored] = binding{name: name, factory: f}
			return name, f, nil
		}
	}

	return "", nil, &TypeResolutionError{Name: stored}
}
