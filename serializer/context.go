package serializer

import (
	"slices"
	"sync"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/storage"
)

// Cache is the storable side of a reference table: one instance per ID.
// It can be shared by several passes so that repeated references resolve to
// the same instance.
type Cache struct {
	mu    sync.Mutex
	items map[core.ID]core.Storable
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{items: make(map[core.ID]core.Storable)}
}

// Get returns the cached instance for id.
func (c *Cache) Get(id core.ID) (core.Storable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[id]
	return s, ok
}

// Add caches s under its ID.
func (c *Cache) Add(s core.Storable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[s.ID()] = s
}

// Len returns the number of cached instances.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// written records a storable persisted in the current pass and the key of
// the document holding it.
type written struct {
	storable core.Storable
	key      string
}

// Context carries the state of one serialization pass: the transaction,
// the serialization root and the reference table.
type Context struct {
	Txn   storage.Txn
	Cache *Cache

	rootID   core.ID
	rootType string
	rooted   bool

	documents map[string]bool
	written   []written
	pending   map[core.ID]bool
}

// NewContext starts a pass in tx. A nil cache gets a fresh one.
func NewContext(tx storage.Txn, cache *Cache) *Context {
	if cache == nil {
		cache = NewCache()
	}
	return &Context{
		Txn:       tx,
		Cache:     cache,
		documents: make(map[string]bool),
		pending:   make(map[core.ID]bool),
	}
}

// SetRoot makes s the serialization root: it decides composite keys and
// which local properties are inlined.
func (c *Context) SetRoot(s core.Storable) {
	c.rootID = s.ID()
	c.rootType = s.TypeName()
	c.rooted = true
}

// RootID returns the ID of the serialization root.
func (c *Context) RootID() core.ID { return c.rootID }

// RootType returns the type name of the serialization root.
func (c *Context) RootType() string { return c.rootType }

// Key returns the document key of s under the current root.
func (c *Context) Key(s core.Storable) string {
	return DocumentKey(c.rootID, s.ID())
}

// Written returns the storables persisted so far in this pass, including
// those inlined into another document.
func (c *Context) Written() []core.Storable {
	out := make([]core.Storable, len(c.written))
	for i, w := range c.written {
		out[i] = w.storable
	}
	return out
}

// Documents returns the keys written in this pass, sorted.
func (c *Context) Documents() []string {
	keys := make([]string, 0, len(c.documents))
	for k := range c.documents {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Commit updates the bookkeeping of every storable written in this pass.
// Call it once the transaction committed.
func (c *Context) Commit() {
	for _, w := range c.written {
		w.storable.SetDocumentID(w.key)
		w.storable.SetSavedChildren(core.DirectChildren(w.storable))
		w.storable.SetChanged(false)
		w.storable.SetLoaded(true)
	}
	c.written = nil
}

func (c *Context) markWritten(s core.Storable, key string) {
	c.written = append(c.written, written{storable: s, key: key})
}
