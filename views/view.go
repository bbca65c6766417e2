// Package views builds per-type secondary indexes over stored documents and
// translates structured filters into index queries.
package views

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/storage"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// IDKey is the filter key matching the entity ID. It is always available.
const IDKey = "ID"

var (
	// ErrInvalidSpec indicates a view definition that cannot be built.
	ErrInvalidSpec = errors.New("invalid view spec")
)

// Spec declares the index of one entity type.
type Spec struct {
	// Type is the document type indexed by the view.
	Type string
	// Indexed are the property names making up the index key, in order. The
	// first one is conventionally the parent link.
	Indexed []string
	// Preload are the properties copied into the preview payload.
	Preload []string
	// Version is mixed into the index version. Bump it to force a rebuild.
	Version string
}

// For returns a spec for the type of st, preloading the properties it
// declares with core.Preload.
func For(st core.Storable, indexed ...string) Spec {
	spec := Spec{Type: st.TypeName(), Indexed: indexed}
	for _, p := range core.Describe(st).Properties() {
		if p.IsPreload() {
			spec.Preload = append(spec.Preload, p.Name)
		}
	}
	return spec
}

// View is a built index definition.
type View struct {
	spec    Spec
	keys    map[string]int
	version string
}

// New validates spec and builds its view.
func New(spec Spec) (*View, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidSpec)
	}
	keys := make(map[string]int, len(spec.Indexed))
	for i, name := range spec.Indexed {
		if name == "" || name == IDKey {
			return nil, fmt.Errorf("%w: %s: bad indexed property %q", ErrInvalidSpec, spec.Type, name)
		}
		if _, dup := keys[name]; dup {
			return nil, fmt.Errorf("%w: %s: %q indexed twice", ErrInvalidSpec, spec.Type, name)
		}
		keys[name] = i
	}

	return &View{
		spec:    spec,
		keys:    keys,
		version: specVersion(spec),
	}, nil
}

// specVersion digests the parts of a spec that shape the rows, so changing
// the definition rebuilds the index.
func specVersion(spec Spec) string {
	h, _ := blake2b.New(16, nil)
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s",
		spec.Type,
		strings.Join(spec.Indexed, "\x01"),
		strings.Join(spec.Preload, "\x01"),
		spec.Version)
	return hex.EncodeToString(h.Sum(nil))
}

// Name is the name the view is registered under in the document store.
func (v *View) Name() string { return "type:" + v.spec.Type }

// Spec returns the definition of the view.
func (v *View) Spec() Spec { return v.spec }

// Version identifies the row layout of the view.
func (v *View) Version() string { return v.version }

// Register installs the map function of the view in store, rebuilding the
// index if it was built with another version.
func (v *View) Register(ctx context.Context, store storage.DocumentStore) error {
	return store.SetMapFunction(ctx, v.Name(), v.Map, v.version)
}

// Map emits the index rows of a document. Documents of other types emit
// nothing. Indexed list properties fan out into one row per element.
func (v *View) Map(doc *storage.Document) ([]storage.IndexRow, error) {
	if doc.Type != v.spec.Type {
		return nil, nil
	}

	body := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(doc.Payload, body); err != nil {
		return nil, err
	}
	var id string
	if raw, ok := body.Get(IDKey); ok {
		_ = json.Unmarshal(raw, &id)
	}

	preview, err := v.preview(body)
	if err != nil {
		return nil, err
	}

	columns := make([][]storage.KeyValue, len(v.spec.Indexed))
	for i, name := range v.spec.Indexed {
		raw, _ := body.Get(name)
		columns[i] = keyValues(raw)
	}

	var rows []storage.IndexRow
	for _, keys := range product(columns) {
		rows = append(rows, storage.IndexRow{
			DocKey:  doc.Key,
			DocID:   id,
			Keys:    keys,
			Preview: preview,
		})
	}
	return rows, nil
}

func (v *View) preview(body *orderedmap.OrderedMap[string, json.RawMessage]) ([]byte, error) {
	out := orderedmap.New[string, json.RawMessage]()
	for _, name := range append([]string{IDKey, "DocType"}, v.spec.Preload...) {
		if raw, ok := body.Get(name); ok {
			out.Set(name, raw)
		}
	}
	return json.Marshal(out)
}

// keyValues turns a payload value into index keys. Arrays yield one key
// per element; a missing value or an empty array yields a single null key.
func keyValues(raw json.RawMessage) []storage.KeyValue {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return []storage.KeyValue{storage.Null}
	}
	if t[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(t, &items); err != nil || len(items) == 0 {
			return []storage.KeyValue{storage.Null}
		}
		out := make([]storage.KeyValue, len(items))
		for i, item := range items {
			out[i] = canonical(item)
		}
		return out
	}
	return []storage.KeyValue{canonical(t)}
}

// canonical is the index key form of a single JSON value: strings as is,
// other scalars as their JSON text, objects by their ID when they have one.
func canonical(raw json.RawMessage) storage.KeyValue {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return storage.Null
	}
	switch t[0] {
	case '"':
		var s string
		if err := json.Unmarshal(t, &s); err == nil {
			return storage.Key(s)
		}
	case '{':
		var ref struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(t, &ref); err == nil && ref.ID != "" {
			return storage.Key(ref.ID)
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, t); err != nil {
		return storage.Key(string(t))
	}
	return storage.Key(buf.String())
}

// product returns every combination picking one key per column.
func product(columns [][]storage.KeyValue) [][]storage.KeyValue {
	out := [][]storage.KeyValue{{}}
	for _, col := range columns {
		next := make([][]storage.KeyValue, 0, len(out)*len(col))
		for _, prefix := range out {
			for _, k := range col {
				row := make([]storage.KeyValue, len(prefix), len(prefix)+1)
				copy(row, prefix)
				next = append(next, append(row, k))
			}
		}
		out = next
	}
	return out
}
