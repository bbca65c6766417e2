package core

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// ID is the stable identity of a persisted entity.
type ID = uuid.UUID

// NilID is the identity reserved for the storage metadata record.
var NilID = uuid.Nil

// NewID returns a fresh random identity.
func NewID() ID {
	return uuid.New()
}

// ParseID parses the textual form of an ID.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// Storable is an entity with persistent identity that can be written to a
// document store as part of an object graph.
type Storable interface {
	// ID returns the entity identity. It never changes after the first store.
	ID() ID
	SetID(id ID)

	// IsChanged reports whether the entity was mutated since it was last
	// persisted or loaded.
	IsChanged() bool
	SetChanged(changed bool)

	// DeleteChildren reports whether deleting this entity also deletes every
	// document stored under it.
	DeleteChildren() bool

	// SavedChildren is the set of direct child storables known to be
	// persisted as of the last successful store or load.
	SavedChildren() []Storable
	SetSavedChildren(children []Storable)

	// DocumentID is the key this entity was last written under.
	DocumentID() string
	SetDocumentID(key string)

	// IsLoaded is false for preview objects built from index rows.
	IsLoaded() bool
	SetLoaded(loaded bool)

	// TypeName is the document type written with every payload.
	TypeName() string

	// Describe declares the persisted properties, in serialization order.
	Describe(f *Fields)
}

// Object is a plain, non-storable value that is persisted inline with the
// storable that owns it.
type Object interface {
	Describe(f *Fields)
}

// Base implements the bookkeeping part of Storable. Entity types embed it and
// provide TypeName and Describe.
type Base struct {
	id           ID
	changed      bool
	loaded       bool
	keepChildren bool
	saved        []Storable
	documentID   string

	// CreationDate is set by NewBase and persisted as a preview property.
	CreationDate time.Time
}

// NewBase returns a Base with a fresh ID, flagged as changed and loaded.
func NewBase() Base {
	return Base{
		id:           NewID(),
		changed:      true,
		loaded:       true,
		CreationDate: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func (b *Base) ID() ID          { return b.id }
func (b *Base) SetID(id ID)     { b.id = id }
func (b *Base) IsChanged() bool { return b.changed }

func (b *Base) SetChanged(changed bool) { b.changed = changed }

// DeleteChildren defaults to true.
func (b *Base) DeleteChildren() bool { return !b.keepChildren }

// SetDeleteChildren sets the cascade-delete policy.
func (b *Base) SetDeleteChildren(v bool) { b.keepChildren = !v }

func (b *Base) SavedChildren() []Storable { return b.saved }

func (b *Base) SetSavedChildren(children []Storable) {
	b.saved = children
}

func (b *Base) DocumentID() string { return b.documentID }

func (b *Base) SetDocumentID(key string) { b.documentID = key }

func (b *Base) IsLoaded() bool { return b.loaded }

func (b *Base) SetLoaded(loaded bool) { b.loaded = loaded }

// Describe declares CreationDate. Embedding types call it first from their
// own Describe.
func (b *Base) Describe(f *Fields) {
	Value(f, "CreationDate", &b.CreationDate, Preload())
}

// Same reports whether a and b are the same entity, by ID.
func Same(a, b Storable) bool {
	if IsNil(a) || IsNil(b) {
		return IsNil(a) && IsNil(b)
	}
	return a.ID() == b.ID()
}

// IsNil reports whether v is nil or a nil pointer stored in an interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return rv.IsNil()
	}
	return false
}
