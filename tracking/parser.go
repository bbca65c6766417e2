package tracking

import (
	"fmt"
	"log/slog"

	"github.com/poiesic/graphstore/core"
)

// Parser builds shadow trees. It holds no per-pass state and is safe for
// concurrent use.
type Parser struct {
	logger *slog.Logger
}

// NewParser returns a parser logging skipped properties to logger.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

type orphanCandidate struct {
	parent   *Node
	storable core.Storable
}

// pass is the state of one Parse call.
type pass struct {
	logger   *slog.Logger
	rootType string
	reset    bool

	stack      map[any]bool
	alive      map[core.ID]bool
	candidates []orphanCandidate
	deleted    map[core.ID]bool
	orphans    []core.Storable
}

// Parse walks the graph under root. It returns the shadow tree and every
// storable that was persisted as part of the graph but is no longer
// reachable, nested orphans included. With reset the dirty flag of every
// visited storable is cleared.
func (p *Parser) Parse(root core.Storable, reset bool) (node *Node, orphans []core.Storable, err error) {
	if core.IsNil(root) {
		return nil, nil, core.ErrNilStorable
	}

	defer func() {
		if r := recover(); r != nil {
			node, orphans = nil, nil
			err = fmt.Errorf("parse %s %s: %v", root.TypeName(), root.ID(), r)
		}
	}()

	ps := &pass{
		logger:   p.logger,
		rootType: root.TypeName(),
		reset:    reset,
		stack:    make(map[any]bool),
		alive:    make(map[core.ID]bool),
		deleted:  make(map[core.ID]bool),
	}

	node = ps.visit(root, nil, false)

	// Orphans are only known once the whole live graph has been seen, so a
	// child moved elsewhere is not reported.
	for _, c := range ps.candidates {
		if ps.alive[c.storable.ID()] || ps.deleted[c.storable.ID()] {
			continue
		}
		node.OrphanChildren = append(node.OrphanChildren, c.storable)
		c.parent.Children = append(c.parent.Children, ps.visitDeleted(c.storable, c.parent))
	}

	return node, ps.orphans, nil
}

func (ps *pass) visit(st core.Storable, parent *Node, local bool) *Node {
	node := &Node{
		Storable:  st,
		Parent:    parent,
		IsChanged: st.IsChanged(),
		Local:     local,
	}
	if ps.reset {
		st.SetChanged(false)
	}
	ps.alive[st.ID()] = true

	ps.stack[st] = true
	defer delete(ps.stack, st)

	referenced := make(map[core.ID]bool)
	ps.visitFields(st, node, referenced)

	saved := make(map[core.ID]bool, len(st.SavedChildren()))
	for _, child := range st.SavedChildren() {
		if core.IsNil(child) {
			continue
		}
		saved[child.ID()] = true
		if referenced[child.ID()] {
			continue
		}
		// The payload still mentions this child.
		node.IsChanged = true
		if st.DeleteChildren() {
			ps.candidates = append(ps.candidates, orphanCandidate{parent: node, storable: child})
		}
	}

	// The payload does not mention a new child yet. Preview objects have no
	// saved children to compare with.
	if st.IsLoaded() {
		for id := range referenced {
			if !saved[id] {
				node.IsChanged = true
				break
			}
		}
	}
	return node
}

// visitFields walks the properties of a storable or plain object. Every
// storable met is recorded in referenced, including those skipped because
// they are already on the stack.
func (ps *pass) visitFields(d interface{ Describe(*core.Fields) }, node *Node, referenced map[core.ID]bool) {
	fields, ok := ps.describe(d)
	if !ok {
		return
	}
	for _, prop := range fields.Properties() {
		elems, ok := ps.elements(prop)
		if !ok {
			continue
		}

		switch prop.Kind {
		case core.KindStorable:
			local := prop.IsLocal(ps.rootType)
			for _, e := range elems {
				child, ok := e.(core.Storable)
				if !ok || core.IsNil(child) {
					continue
				}
				referenced[child.ID()] = true
				if ps.stack[child] {
					continue
				}
				node.Children = append(node.Children, ps.visit(child, node, local))
			}

		case core.KindObject:
			for _, e := range elems {
				obj, ok := e.(core.Object)
				if !ok || core.IsNil(obj) || ps.stack[e] {
					continue
				}
				ps.stack[e] = true
				ps.visitFields(obj, node, referenced)
				delete(ps.stack, e)
			}
		}
	}
}

// visitDeleted builds the node of an orphan and walks what it held, both
// its current properties and its saved children.
func (ps *pass) visitDeleted(st core.Storable, parent *Node) *Node {
	ps.deleted[st.ID()] = true
	ps.orphans = append(ps.orphans, st)

	node := &Node{Storable: st, Parent: parent, Deleted: true}

	held := make(map[core.ID]core.Storable)
	var order []core.Storable
	add := func(c core.Storable) {
		if core.IsNil(c) {
			return
		}
		if _, ok := held[c.ID()]; ok {
			return
		}
		held[c.ID()] = c
		order = append(order, c)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				ps.logger.Warn("skipping orphan properties", "type", st.TypeName(), "id", st.ID(), "panic", r)
			}
		}()
		for _, c := range core.DirectChildren(st) {
			add(c)
		}
	}()
	if st.DeleteChildren() {
		for _, c := range st.SavedChildren() {
			add(c)
		}
	}

	for _, c := range order {
		if ps.alive[c.ID()] || ps.deleted[c.ID()] {
			continue
		}
		node.Children = append(node.Children, ps.visitDeleted(c, node))
	}
	return node
}

func (ps *pass) describe(d interface{ Describe(*core.Fields) }) (fields *core.Fields, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Warn("skipping unreadable schema", "type", fmt.Sprintf("%T", d), "panic", r)
			ok = false
		}
	}()
	return core.Describe(d), true
}

// elements reads a property, recovering from accessor panics.
func (ps *pass) elements(prop *core.Property) (elems []any, ok bool) {
	if prop.Kind != core.KindStorable && prop.Kind != core.KindObject {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Warn("skipping property", "property", prop.Name, "panic", r)
			ok = false
		}
	}()
	return prop.Elements(), true
}
