// Package tracking walks an in-memory entity graph and compares it with the
// shape it had when it was last persisted.
package tracking

import "github.com/poiesic/graphstore/core"

// Node is the shadow of one storable in a parsed graph.
type Node struct {
	Storable core.Storable
	Parent   *Node
	Children []*Node

	// IsChanged is the storable's dirty flag at parse time, or true when
	// children it used to reference are gone.
	IsChanged bool

	// Deleted marks a previously persisted storable that is no longer
	// reachable from the root.
	Deleted bool

	// Local is true when the storable is inlined into its parent's document.
	Local bool

	// OrphanChildren is only set on the root: orphans found directly under
	// live storables.
	OrphanChildren []core.Storable
}

// HasChanges reports whether anything under n needs to be written or
// deleted.
func (n *Node) HasChanges() bool {
	changed := false
	n.Walk(func(node *Node) bool {
		if node.IsChanged || node.Deleted || len(node.OrphanChildren) > 0 {
			changed = true
		}
		return !changed
	})
	return changed
}

// Walk visits n and its descendants depth first. Returning false from fn
// skips the children of that node.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Owner returns the nearest node, n included, that has a document of its
// own.
func (n *Node) Owner() *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if !cur.Local {
			return cur
		}
	}
	return n
}

// Changed returns the live nodes flagged as changed, in walk order.
func (n *Node) Changed() []*Node {
	var out []*Node
	n.Walk(func(node *Node) bool {
		if node.Deleted {
			return false
		}
		if node.IsChanged {
			out = append(out, node)
		}
		return true
	})
	return out
}
