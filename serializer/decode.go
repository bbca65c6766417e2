package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"strings"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/storage"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type rawFields = orderedmap.OrderedMap[string, json.RawMessage]

// decodeState is the per-document part of a load.
type decodeState struct {
	doc     *storage.Document
	rootID  core.ID
	preview bool
	refs    map[string]any
	inlined []core.Storable
}

// Load returns the storable stored at key, reading it and everything it
// references through ctx. Loaded instances are served from the cache.
func (s *Serializer) Load(ctx *Context, key string) (core.Storable, error) {
	_, id, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	if cached, ok := ctx.Cache.Get(id); ok && (cached.IsLoaded() || ctx.pending[id]) {
		return cached, nil
	}

	doc, err := ctx.Txn.Get(key)
	if err != nil {
		return nil, err
	}
	return s.decodeDocument(ctx, doc, nil)
}

// Instantiate builds a new storable from a document already read from the
// store. The instance is cached in ctx.
func (s *Serializer) Instantiate(ctx *Context, doc *storage.Document) (core.Storable, error) {
	return s.decodeDocument(ctx, doc, nil)
}

// Fill decodes doc into target. The stored type must bind to target's type.
func (s *Serializer) Fill(ctx *Context, doc *storage.Document, target core.Storable) error {
	_, err := s.decodeDocument(ctx, doc, target)
	return err
}

// DecodePreview builds a preview instance from an index row payload. Preview
// instances hold only the preloaded properties and report IsLoaded false.
// A fully loaded cached instance is returned as is.
func (s *Serializer) DecodePreview(ctx *Context, key string, preview []byte) (core.Storable, error) {
	rootID, id, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	if cached, ok := ctx.Cache.Get(id); ok && cached.IsLoaded() {
		return cached, nil
	}

	body, docType, _, err := parseBody(preview)
	if err != nil {
		return nil, err
	}
	st, err := s.instance(ctx, docType, id, nil)
	if err != nil {
		return nil, err
	}

	ds := &decodeState{
		doc:     &storage.Document{Key: key, Type: docType},
		rootID:  rootID,
		preview: true,
		refs:    make(map[string]any),
	}
	ctx.pending[id] = true
	defer delete(ctx.pending, id)
	if err := s.decodeFields(ctx, ds, body, core.Describe(st)); err != nil {
		return nil, unwrapFatal(err)
	}

	st.SetDocumentID(key)
	st.SetSavedChildren(nil)
	st.SetChanged(false)
	st.SetLoaded(false)
	return st, nil
}

func parseBody(payload []byte) (*rawFields, string, core.ID, error) {
	body := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(payload, body); err != nil {
		return nil, "", core.NilID, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}

	var idText, docType string
	if raw, ok := body.Get(fieldID); !ok || json.Unmarshal(raw, &idText) != nil {
		return nil, "", core.NilID, fmt.Errorf("%w: missing %s", ErrMalformedDocument, fieldID)
	}
	if raw, ok := body.Get(fieldDocType); !ok || json.Unmarshal(raw, &docType) != nil {
		return nil, "", core.NilID, fmt.Errorf("%w: missing %s", ErrMalformedDocument, fieldDocType)
	}
	id, err := core.ParseID(idText)
	if err != nil {
		return nil, "", core.NilID, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return body, docType, id, nil
}

// instance returns the storable to decode a document of docType into: the
// given target, a cached instance, or a new one from the registry.
func (s *Serializer) instance(ctx *Context, docType string, id core.ID, target core.Storable) (core.Storable, error) {
	name, factory, err := s.binder.Resolve(docType)
	if err != nil {
		return nil, err
	}

	if target == nil {
		if cached, ok := ctx.Cache.Get(id); ok && cached.TypeName() == name {
			target = cached
		} else {
			target = factory()
		}
	} else if target.TypeName() != name {
		return nil, fmt.Errorf("%w: stored %s, want %s", storage.ErrTypeMismatch, name, target.TypeName())
	}

	target.SetID(id)
	ctx.Cache.Add(target)
	return target, nil
}

func (s *Serializer) decodeDocument(ctx *Context, doc *storage.Document, target core.Storable) (core.Storable, error) {
	body, docType, id, err := parseBody(doc.Payload)
	if err != nil {
		return nil, err
	}
	if docType != doc.Type {
		return nil, fmt.Errorf("%w: %s: payload type %s, document type %s", ErrMalformedDocument, doc.Key, docType, doc.Type)
	}
	rootID, _, err := ParseKey(doc.Key)
	if err != nil {
		return nil, err
	}

	st, err := s.instance(ctx, doc.Type, id, target)
	if err != nil {
		return nil, err
	}

	ds := &decodeState{
		doc:    doc,
		rootID: rootID,
		refs:   make(map[string]any),
	}
	ctx.pending[id] = true
	defer delete(ctx.pending, id)

	if err := s.decodeFields(ctx, ds, body, core.Describe(st)); err != nil {
		return nil, unwrapFatal(err)
	}

	for _, loaded := range append([]core.Storable{st}, ds.inlined...) {
		loaded.SetDocumentID(doc.Key)
		loaded.SetSavedChildren(core.DirectChildren(loaded))
		loaded.SetChanged(false)
		loaded.SetLoaded(true)
	}
	return st, nil
}

// decodeFields assigns every declared property present in body. Properties
// that fail to decode are logged and left untouched; unresolvable types and
// store failures abort the load.
func (s *Serializer) decodeFields(ctx *Context, ds *decodeState, body *rawFields, fields *core.Fields) error {
	for _, p := range fields.Properties() {
		raw, ok := body.Get(p.Name)
		if !ok {
			continue
		}
		if err := s.decodeProperty(ctx, ds, p, raw); err != nil {
			var f *fatalError
			if errors.As(err, &f) {
				return err
			}
			s.logger.Warn("skipping property", "property", p.Name, "document", ds.doc.Key, "err", err)
		}
	}
	return nil
}

// fatalError marks a failure that aborts the whole load instead of a single
// property.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	var f *fatalError
	if err == nil || errors.As(err, &f) {
		return err
	}
	return &fatalError{err: err}
}

// unwrapFatal strips the marker at the top of a load.
func unwrapFatal(err error) error {
	var f *fatalError
	if errors.As(err, &f) {
		return f.err
	}
	return err
}

func (s *Serializer) decodeProperty(ctx *Context, ds *decodeState, p *core.Property, raw json.RawMessage) error {
	if p.Kind == core.KindValue {
		return p.Decode(raw)
	}

	switch p.Shape {
	case core.ShapeSingle:
		v, err := s.decodeElement(ctx, ds, p, raw)
		if err != nil {
			return err
		}
		return p.Assign(nil, []any{v})

	case core.ShapeList:
		if isNull(raw) {
			return p.Assign(nil, nil)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		elems := make([]any, len(items))
		for i, item := range items {
			v, err := s.decodeElement(ctx, ds, p, item)
			if err != nil {
				return err
			}
			elems[i] = v
		}
		return p.Assign(nil, elems)

	case core.ShapeMap:
		if isNull(raw) {
			return p.Assign(nil, nil)
		}
		entries := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(raw, entries); err != nil {
			return err
		}
		keys := make([]string, 0, entries.Len())
		elems := make([]any, 0, entries.Len())
		for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
			v, err := s.decodeElement(ctx, ds, p, pair.Value)
			if err != nil {
				return err
			}
			keys = append(keys, pair.Key)
			elems = append(elems, v)
		}
		return p.Assign(keys, elems)
	}
	return fmt.Errorf("unknown shape %d", p.Shape)
}

func (s *Serializer) decodeElement(ctx *Context, ds *decodeState, p *core.Property, raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return nil, nil
	}

	switch p.Kind {
	case core.KindStorable:
		if isObject(raw) {
			return s.decodeInline(ctx, ds, raw)
		}
		var idText string
		if err := json.Unmarshal(raw, &idText); err != nil {
			return nil, err
		}
		return s.resolveRef(ctx, ds, idText)

	case core.KindObject:
		var marker struct {
			ID  string `json:"$id"`
			Ref string `json:"$ref"`
		}
		if err := json.Unmarshal(raw, &marker); err != nil {
			return nil, err
		}
		if marker.Ref != "" {
			o, ok := ds.refs[marker.Ref]
			if !ok {
				s.logger.Warn("dangling object reference", "ref", marker.Ref, "document", ds.doc.Key)
				return nil, nil
			}
			return o, nil
		}
		elem := p.NewElement()
		o, ok := elem.(core.Object)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no object factory", core.ErrPropertyType, p.Name)
		}
		if marker.ID != "" {
			ds.refs[marker.ID] = elem
		}
		body := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(raw, body); err != nil {
			return nil, err
		}
		if err := s.decodeFields(ctx, ds, body, core.Describe(o)); err != nil {
			return nil, err
		}
		return elem, nil

	case core.KindImage:
		var token string
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, err
		}
		return s.loadImage(ctx, ds, token)
	}

	return nil, fmt.Errorf("unknown kind %d", p.Kind)
}

// decodeInline decodes a local storable embedded in the current document.
func (s *Serializer) decodeInline(ctx *Context, ds *decodeState, raw json.RawMessage) (core.Storable, error) {
	body, docType, id, err := parseBody(raw)
	if err != nil {
		return nil, err
	}
	st, err := s.instance(ctx, docType, id, nil)
	if err != nil {
		return nil, fatal(err)
	}

	ctx.pending[id] = true
	defer delete(ctx.pending, id)
	if err := s.decodeFields(ctx, ds, body, core.Describe(st)); err != nil {
		return nil, err
	}
	if !ds.preview {
		ds.inlined = append(ds.inlined, st)
	}
	return st, nil
}

// resolveRef finds a storable referenced by ID: in the cache, then under
// the current root, then as a root document. A reference that resolves
// nowhere decodes to nil.
func (s *Serializer) resolveRef(ctx *Context, ds *decodeState, idText string) (core.Storable, error) {
	id, err := core.ParseID(idText)
	if err != nil {
		return nil, err
	}
	if cached, ok := ctx.Cache.Get(id); ok && (cached.IsLoaded() || ctx.pending[id]) {
		return cached, nil
	}

	for _, key := range []string{DocumentKey(ds.rootID, id), id.String()} {
		st, err := s.Load(ctx, key)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fatal(err)
		}
	}

	s.logger.Warn("unresolved reference", "id", idText, "document", ds.doc.Key)
	return nil, nil
}

func (s *Serializer) loadImage(ctx *Context, ds *decodeState, token string) (image.Image, error) {
	name, ok := strings.CutPrefix(token, AttachmentPrefix)
	if !ok {
		return nil, nil
	}
	if !ds.preview && !ds.doc.HasAttachment(name) {
		return nil, nil
	}

	att, err := ctx.Txn.Attachment(ds.doc.Key, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fatal(err)
	}
	img, _, err := image.Decode(bytes.NewReader(att.Data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}
