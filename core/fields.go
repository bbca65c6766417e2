package core

import (
	"encoding/json"
	"fmt"
	"image"
	"slices"
	"sort"
)

// Kind classifies what a property holds.
type Kind int

const (
	// KindValue is any JSON-encodable value.
	KindValue Kind = iota
	// KindStorable is a child entity with its own identity.
	KindStorable
	// KindObject is a plain nested object.
	KindObject
	// KindImage is a binary image stored as an attachment.
	KindImage
)

// Shape is the container a property uses for its elements.
type Shape int

const (
	ShapeSingle Shape = iota
	ShapeList
	ShapeMap
)

// Property is one declared, persisted property of a Storable or Object.
// Accessors are bound to the live instance that produced them.
type Property struct {
	Name  string
	Kind  Kind
	Shape Shape

	preload    bool
	local      bool
	localRoots []string

	get     func() any
	decode  func(raw []byte) error
	entries func() ([]string, []any)
	assign  func(keys []string, elems []any) error
	newElem func() any
}

// Option configures a declared property.
type Option func(*Property)

// Preload includes the property in view preview payloads.
func Preload() Option {
	return func(p *Property) {
		p.preload = true
	}
}

// Local inlines a storable property into its owner's document when the
// serialization root has one of rootTypes. With no rootTypes the property is
// always inlined.
func Local(rootTypes ...string) Option {
	return func(p *Property) {
		p.local = true
		p.localRoots = append(p.localRoots, rootTypes...)
	}
}

// IsPreload reports whether the property is part of the preview payload.
func (p *Property) IsPreload() bool { return p.preload }

// IsLocal reports whether storables held by the property are inlined when
// rootType is the serialization root.
func (p *Property) IsLocal(rootType string) bool {
	if !p.local || p.Kind != KindStorable {
		return false
	}
	return len(p.localRoots) == 0 || slices.Contains(p.localRoots, rootType)
}

// Get returns the current value of a KindValue property.
func (p *Property) Get() any {
	if p.get == nil {
		return nil
	}
	return p.get()
}

// Decode assigns a JSON-encoded value to a KindValue property.
func (p *Property) Decode(raw []byte) error {
	if p.decode == nil {
		return fmt.Errorf("%w: %s is not a value property", ErrPropertyType, p.Name)
	}
	return p.decode(raw)
}

// Elements returns the held elements. Nil entries are kept for lists and
// single properties so positions survive a round trip. Map values come in
// key order.
func (p *Property) Elements() []any {
	_, elems := p.Entries()
	return elems
}

// Entries returns map keys alongside Elements. Keys are nil unless the
// property is a map.
func (p *Property) Entries() ([]string, []any) {
	if p.entries == nil {
		return nil, nil
	}
	return p.entries()
}

// Assign replaces the held elements. keys is only used by map properties.
func (p *Property) Assign(keys []string, elems []any) error {
	if p.assign == nil {
		return fmt.Errorf("%w: %s cannot be assigned", ErrPropertyType, p.Name)
	}
	return p.assign(keys, elems)
}

// NewElement returns a fresh element for a KindObject property.
func (p *Property) NewElement() any {
	if p.newElem == nil {
		return nil
	}
	return p.newElem()
}

// Fields is the ordered property schema of one live instance.
type Fields struct {
	props []*Property
	index map[string]int
}

// NewFields returns an empty schema.
func NewFields() *Fields {
	return &Fields{index: make(map[string]int)}
}

// Describe collects the schema of d.
func Describe(d interface{ Describe(*Fields) }) *Fields {
	f := NewFields()
	d.Describe(f)
	return f
}

// Properties returns properties in declaration order.
func (f *Fields) Properties() []*Property {
	return f.props
}

// Lookup finds a property by name.
func (f *Fields) Lookup(name string) (*Property, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.props[i], true
}

func (f *Fields) add(p *Property, opts []Option) {
	for _, opt := range opts {
		opt(p)
	}
	// Redeclaring a name replaces the property but keeps its position.
	if i, ok := f.index[p.Name]; ok {
		f.props[i] = p
		return
	}
	f.index[p.Name] = len(f.props)
	f.props = append(f.props, p)
}

// Value declares a JSON-encodable property.
func Value[T any](f *Fields, name string, ptr *T, opts ...Option) {
	f.add(&Property{
		Name:  name,
		Kind:  KindValue,
		Shape: ShapeSingle,
		get:   func() any { return *ptr },
		decode: func(raw []byte) error {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPropertyType, name, err)
			}
			*ptr = v
			return nil
		},
	}, opts)
}

// StorableOne declares a property holding a single child storable.
func StorableOne[S Storable](f *Fields, name string, ptr *S, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindStorable,
		Shape:   ShapeSingle,
		entries: func() ([]string, []any) { return nil, []any{elem(*ptr)} },
		assign: func(_ []string, elems []any) error {
			v, err := element[S](name, first(elems))
			if err != nil {
				return err
			}
			*ptr = v
			return nil
		},
	}, opts)
}

// StorableList declares a property holding an ordered list of storables.
func StorableList[S Storable](f *Fields, name string, ptr *[]S, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindStorable,
		Shape:   ShapeList,
		entries: func() ([]string, []any) { return nil, listElems(*ptr) },
		assign: func(_ []string, elems []any) error {
			return assignList(name, ptr, elems)
		},
	}, opts)
}

// StorableMap declares a property holding storables by string key.
func StorableMap[S Storable](f *Fields, name string, ptr *map[string]S, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindStorable,
		Shape:   ShapeMap,
		entries: func() ([]string, []any) { return mapEntries(*ptr) },
		assign: func(keys []string, elems []any) error {
			return assignMap(name, ptr, keys, elems)
		},
	}, opts)
}

// ObjectOne declares a property holding a single plain object.
func ObjectOne[T any, P interface {
	*T
	Object
}](f *Fields, name string, ptr *P, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindObject,
		Shape:   ShapeSingle,
		entries: func() ([]string, []any) { return nil, []any{elem(*ptr)} },
		assign: func(_ []string, elems []any) error {
			v, err := element[P](name, first(elems))
			if err != nil {
				return err
			}
			*ptr = v
			return nil
		},
		newElem: func() any { return P(new(T)) },
	}, opts)
}

// ObjectList declares a property holding an ordered list of plain objects.
func ObjectList[T any, P interface {
	*T
	Object
}](f *Fields, name string, ptr *[]P, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindObject,
		Shape:   ShapeList,
		entries: func() ([]string, []any) { return nil, listElems(*ptr) },
		assign: func(_ []string, elems []any) error {
			return assignList(name, ptr, elems)
		},
		newElem: func() any { return P(new(T)) },
	}, opts)
}

// ObjectMap declares a property holding plain objects by string key.
func ObjectMap[T any, P interface {
	*T
	Object
}](f *Fields, name string, ptr *map[string]P, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindObject,
		Shape:   ShapeMap,
		entries: func() ([]string, []any) { return mapEntries(*ptr) },
		assign: func(keys []string, elems []any) error {
			return assignMap(name, ptr, keys, elems)
		},
		newElem: func() any { return P(new(T)) },
	}, opts)
}

// Image declares a property holding one image.
func (f *Fields) Image(name string, ptr *image.Image, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindImage,
		Shape:   ShapeSingle,
		entries: func() ([]string, []any) { return nil, []any{elem(*ptr)} },
		assign: func(_ []string, elems []any) error {
			v, err := element[image.Image](name, first(elems))
			if err != nil {
				return err
			}
			*ptr = v
			return nil
		},
	}, opts)
}

// Images declares a property holding a list of images.
func (f *Fields) Images(name string, ptr *[]image.Image, opts ...Option) {
	f.add(&Property{
		Name:    name,
		Kind:    KindImage,
		Shape:   ShapeList,
		entries: func() ([]string, []any) { return nil, listElems(*ptr) },
		assign: func(_ []string, elems []any) error {
			return assignList(name, ptr, elems)
		},
	}, opts)
}

func elem[T any](v T) any {
	if IsNil(v) {
		return nil
	}
	return v
}

func first(elems []any) any {
	if len(elems) == 0 {
		return nil
	}
	return elems[0]
}

func element[T any](name string, v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s cannot hold %T", ErrPropertyType, name, v)
	}
	return t, nil
}

func listElems[T any](list []T) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = elem(v)
	}
	return out
}

func assignList[T any](name string, ptr *[]T, elems []any) error {
	if elems == nil {
		*ptr = nil
		return nil
	}
	out := make([]T, len(elems))
	for i, e := range elems {
		v, err := element[T](name, e)
		if err != nil {
			return err
		}
		out[i] = v
	}
	*ptr = out
	return nil
}

func mapEntries[T any](m map[string]T) ([]string, []any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = elem(m[k])
	}
	return keys, vals
}

func assignMap[T any](name string, ptr *map[string]T, keys []string, elems []any) error {
	if len(keys) != len(elems) {
		return fmt.Errorf("%w: %s has %d keys for %d values", ErrPropertyType, name, len(keys), len(elems))
	}
	out := make(map[string]T, len(keys))
	for i, k := range keys {
		v, err := element[T](name, elems[i])
		if err != nil {
			return err
		}
		out[k] = v
	}
	*ptr = out
	return nil
}
