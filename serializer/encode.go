package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"strconv"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/storage"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// AttachmentPrefix marks payload strings that name an attachment.
	AttachmentPrefix = "attachment::"

	// ImageContentType is the content type of image attachments.
	ImageContentType = "image/png"

	fieldID      = "ID"
	fieldDocType = "DocType"
	fieldRefID   = "$id"
	fieldRef     = "$ref"
)

type payload = orderedmap.OrderedMap[string, any]

// Serializer converts storables to documents and back.
type Serializer struct {
	binder *Binder
	logger *slog.Logger
}

// New returns a serializer resolving types through registry.
func New(registry *Registry, logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{
		binder: NewBinder(registry),
		logger: logger,
	}
}

// Binder returns the type binder.
func (s *Serializer) Binder() *Binder {
	return s.binder
}

// Encoded is one serialized document.
type Encoded struct {
	Key         string
	DocType     string
	Payload     []byte
	Attachments []storage.Attachment
	// Children are the storables referenced by ID, in encounter order.
	Children []core.Storable
	// Inlined are the local storables embedded in the payload.
	Inlined []core.Storable
}

// encodeState is the per-document part of a pass.
type encodeState struct {
	refs        map[any]string
	nextRef     int
	counters    map[string]int
	attachments []storage.Attachment
	children    []core.Storable
	childSeen   map[core.ID]bool
	inlined     []core.Storable
	stack       map[any]bool
}

func newEncodeState() *encodeState {
	return &encodeState{
		refs:      make(map[any]string),
		counters:  make(map[string]int),
		childSeen: make(map[core.ID]bool),
		stack:     make(map[any]bool),
	}
}

func (e *encodeState) addChild(st core.Storable) {
	if e.childSeen[st.ID()] {
		return
	}
	e.childSeen[st.ID()] = true
	e.children = append(e.children, st)
}

// Serialize encodes st as a document under the current root without
// writing it.
func (s *Serializer) Serialize(ctx *Context, st core.Storable) (*Encoded, error) {
	if !ctx.rooted {
		ctx.SetRoot(st)
	}

	es := newEncodeState()
	body, err := s.encodeStorable(ctx, es, st)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrSerializationFailed, st.TypeName(), err)
	}

	return &Encoded{
		Key:         ctx.Key(st),
		DocType:     st.TypeName(),
		Payload:     data,
		Attachments: es.attachments,
		Children:    es.children,
		Inlined:     es.inlined,
	}, nil
}

// Save writes st into the pass transaction. With saveChildren every storable
// it references by ID is saved too, unless already written in this pass.
func (s *Serializer) Save(ctx *Context, st core.Storable, saveChildren bool) error {
	if !ctx.rooted {
		ctx.SetRoot(st)
	}
	key := ctx.Key(st)
	if ctx.documents[key] {
		return nil
	}

	enc, err := s.Serialize(ctx, st)
	if err != nil {
		return err
	}
	if _, err := ctx.Txn.Put(key, storage.DocumentWrite{
		Type:        enc.DocType,
		Payload:     enc.Payload,
		Attachments: enc.Attachments,
	}); err != nil {
		return err
	}
	ctx.documents[key] = true
	ctx.markWritten(st, key)
	for _, in := range enc.Inlined {
		ctx.markWritten(in, key)
	}

	if !saveChildren {
		return nil
	}
	for _, child := range enc.Children {
		if err := s.Save(ctx, child, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serializer) encodeStorable(ctx *Context, es *encodeState, st core.Storable) (*payload, error) {
	es.stack[st] = true
	defer delete(es.stack, st)

	body := orderedmap.New[string, any]()
	body.Set(fieldID, st.ID().String())
	body.Set(fieldDocType, st.TypeName())
	if err := s.encodeFields(ctx, es, body, core.Describe(st)); err != nil {
		return nil, err
	}
	return body, nil
}

// encodeFields writes every property in declaration order. A property that
// fails to encode is logged and left out.
func (s *Serializer) encodeFields(ctx *Context, es *encodeState, body *payload, fields *core.Fields) error {
	for _, p := range fields.Properties() {
		v, err := s.encodeProperty(ctx, es, p)
		if err != nil {
			s.logger.Warn("skipping property", "property", p.Name, "err", err)
			continue
		}
		body.Set(p.Name, v)
	}
	return nil
}

func (s *Serializer) encodeProperty(ctx *Context, es *encodeState, p *core.Property) (any, error) {
	if p.Kind == core.KindValue {
		raw, err := json.Marshal(p.Get())
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}

	keys, elems := p.Entries()
	switch p.Shape {
	case core.ShapeSingle:
		if len(elems) == 0 {
			return nil, nil
		}
		return s.encodeElement(ctx, es, p, elems[0])
	case core.ShapeList:
		out := make([]any, len(elems))
		for i, e := range elems {
			v, err := s.encodeElement(ctx, es, p, e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case core.ShapeMap:
		out := orderedmap.New[string, any]()
		for i, e := range elems {
			v, err := s.encodeElement(ctx, es, p, e)
			if err != nil {
				return nil, err
			}
			out.Set(keys[i], v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown shape %d", p.Shape)
}

func (s *Serializer) encodeElement(ctx *Context, es *encodeState, p *core.Property, e any) (any, error) {
	if e == nil {
		return nil, nil
	}

	switch p.Kind {
	case core.KindStorable:
		st, ok := e.(core.Storable)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a storable", core.ErrPropertyType, e)
		}
		if p.IsLocal(ctx.rootType) {
			if es.stack[st] {
				// Back reference to an enclosing inlined storable.
				return st.ID().String(), nil
			}
			es.inlined = append(es.inlined, st)
			return s.encodeStorable(ctx, es, st)
		}
		es.addChild(st)
		return st.ID().String(), nil

	case core.KindObject:
		if ref, ok := es.refs[e]; ok {
			return map[string]string{fieldRef: ref}, nil
		}
		o, ok := e.(core.Object)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not an object", core.ErrPropertyType, e)
		}
		es.nextRef++
		ref := strconv.Itoa(es.nextRef)
		es.refs[e] = ref

		body := orderedmap.New[string, any]()
		body.Set(fieldRefID, ref)
		if err := s.encodeFields(ctx, es, body, core.Describe(o)); err != nil {
			return nil, err
		}
		return body, nil

	case core.KindImage:
		img, ok := e.(image.Image)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not an image", core.ErrPropertyType, e)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		es.counters[p.Name]++
		name := p.Name + "_" + strconv.Itoa(es.counters[p.Name])
		es.attachments = append(es.attachments, storage.Attachment{
			Name:        name,
			ContentType: ImageContentType,
			Data:        buf.Bytes(),
		})
		return AttachmentPrefix + name, nil
	}

	return nil, fmt.Errorf("unknown kind %d", p.Kind)
}
