package serializer

import (
	"testing"

	"github.com/poiesic/graphstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	core.Base
	Name string
}

func (w *widget) TypeName() string { return "app.Widget" }

func (w *widget) Describe(f *core.Fields) {
	w.Base.Describe(f)
	core.Value(f, "Name", &w.Name)
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	Register[widget](r)

	assert.Equal(t, []string{"app.Widget", core.StorageInfoType}, r.Names())
}

func TestBinder_Resolve(t *testing.T) {
	r := NewRegistry()
	Register[widget](r)
	r.Rename("old.Gadget", "app.Widget")
	r.ReplacePrefix("legacy.", "app.")

	b := NewBinder(r)

	tests := []struct {
		stored string
		want   string
	}{
		{"app.Widget", "app.Widget"},
		{"old.Gadget", "app.Widget"},
		{"legacy.Widget", "app.Widget"},
		{core.StorageInfoType, core.StorageInfoType},
	}
	for _, tt := range tests {
		t.Run(tt.stored, func(t *testing.T) {
			name, factory, err := b.Resolve(tt.stored)
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
			assert.Equal(t, tt.want, factory().TypeName())
		})
	}
}

func TestBinder_ResolveUnknown(t *testing.T) {
	r := NewRegistry()
	r.ReplacePrefix("legacy.", "app.")
	b := NewBinder(r)

	_, _, err := b.Resolve("legacy.Missing")
	assert.ErrorIs(t, err, ErrUnknownType)
	var tre *TypeResolutionError
	require.ErrorAs(t, err, &tre)
	assert.Equal(t, "legacy.Missing", tre.Name)
}

func TestBinder_CachesResolution(t *testing.T) {
	r := NewRegistry()
	Register[widget](r)
	r.Rename("old.Gadget", "app.Widget")
	b := NewBinder(r)

	_, _, err := b.Resolve("old.Gadget")
	require.NoError(t, err)

	// Later registry changes do not affect a bound name
	r.Rename("old.Gadget", "app.Other")
	name, _, err := b.Resolve("old.Gadget")
	require.NoError(t, err)
	assert.Equal(t, "app.Widget", name)
}

func TestDocumentKey(t *testing.T) {
	root := core.NewID()
	child := core.NewID()

	assert.Equal(t, root.String(), DocumentKey(root, root))
	assert.Equal(t, root.String()+"&"+child.String(), DocumentKey(root, child))

	r, c, err := ParseKey(DocumentKey(root, child))
	require.NoError(t, err)
	assert.Equal(t, root, r)
	assert.Equal(t, child, c)

	r, c, err = ParseKey(root.String())
	require.NoError(t, err)
	assert.Equal(t, root, r)
	assert.Equal(t, root, c)
}

func TestParseKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "nope", core.NewID().String() + "&nope"} {
		_, _, err := ParseKey(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestChildRange(t *testing.T) {
	root := core.NewID()
	start, end := ChildRange(root)

	for i := 0; i < 10; i++ {
		key := DocumentKey(root, core.NewID())
		assert.True(t, start <= key && key <= end)
	}
	assert.False(t, root.String() >= start && root.String() <= end)

	other := DocumentKey(core.NewID(), core.NewID())
	if other[:36] != root.String() {
		assert.False(t, other >= start && other <= end)
	}
}

func TestCache(t *testing.T) {
	c := NewCache()
	w := &widget{Base: core.NewBase()}

	_, ok := c.Get(w.ID())
	assert.False(t, ok)

	c.Add(w)
	got, ok := c.Get(w.ID())
	require.True(t, ok)
	assert.Same(t, w, got)
	assert.Equal(t, 1, c.Len())
}
