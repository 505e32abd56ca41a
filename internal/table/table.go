// Package table implements a binary radix (patricia) trie keyed by IPv6
// prefixes, with reference counted nodes.
//
// A node is kept alive by its lock count or by its payload. Nodes that are
// neither locked nor carry a payload are stubs and are removed as soon as
// their last child goes away, except where two keys diverge: such
// aggregation nodes stay while they have two children.
//
// Keys must be masked (prefix.ApplyMask) before they are handed to the
// table. The table is not safe for concurrent use.
package table

import (
	"fmt"
	"io"
	"net/netip"

	"rpld-go/internal/prefix"
)

// Node is a trie node. Its child slots own the children, parent is a back
// reference.
type Node[V any] struct {
	Prefix prefix.Prefix
	// Info is the payload. Nodes without payload are transparent to Lookup
	// and Match.
	Info *V

	table  *Table[V]
	parent *Node[V]
	link   [2]*Node[V]
	lock   int
}

// Table is the trie root.
type Table[V any] struct {
	top   *Node[V]
	count int
}

// New returns an empty table.
func New[V any]() *Table[V] {
	return &Table[V]{}
}

// Len returns the number of nodes, aggregation nodes included.
func (t *Table[V]) Len() int {
	return t.count
}

func (t *Table[V]) newNode(p prefix.Prefix) *Node[V] {
	t.count++
	return &Node[V]{Prefix: p, table: t}
}

// setLink attaches child under n on the side selected by the child's bit at
// n's length.
func (n *Node[V]) setLink(child *Node[V]) {
	bit := child.Prefix.Bit(n.Prefix.Len)
	n.link[bit] = child
	child.parent = n
}

// replaceChild puts repl in the slot holding old. A nil parent means the
// table root.
func (t *Table[V]) replaceChild(parent, old, repl *Node[V]) {
	if repl != nil {
		repl.parent = parent
	}
	switch {
	case parent == nil:
		t.top = repl
	case parent.link[0] == old:
		parent.link[0] = repl
	default:
		parent.link[1] = repl
	}
}

// Get returns the node for p, creating it when needed. Creating a node
// whose key diverges from an existing one inserts an aggregation node at
// their longest common prefix.
func (t *Table[V]) Get(p prefix.Prefix) *Node[V] {
	var match *Node[V]
	node := t.top
	for node != nil && node.Prefix.Len <= p.Len && prefix.Match(node.Prefix, p) {
		if node.Prefix.Len == p.Len {
			return node
		}
		match = node
		node = node.link[p.Bit(node.Prefix.Len)]
	}

	if node == nil {
		n := t.newNode(p)
		if match != nil {
			match.setLink(n)
		} else {
			t.top = n
		}
		return n
	}

	agg := t.newNode(prefix.Common(node.Prefix, p))
	t.replaceChild(match, node, agg)
	agg.setLink(node)
	if agg.Prefix.Len == p.Len {
		return agg
	}
	n := t.newNode(p)
	agg.setLink(n)
	return n
}

// Lookup returns the node with exactly prefix p if it carries a payload.
func (t *Table[V]) Lookup(p prefix.Prefix) *Node[V] {
	node := t.top
	for node != nil && node.Prefix.Len <= p.Len && prefix.Match(node.Prefix, p) {
		if node.Prefix.Len == p.Len {
			if node.Info != nil {
				return node
			}
			return nil
		}
		node = node.link[p.Bit(node.Prefix.Len)]
	}
	return nil
}

// Match returns the longest payload-bearing node containing p, or nil.
func (t *Table[V]) Match(p prefix.Prefix) *Node[V] {
	var matched *Node[V]
	node := t.top
	for node != nil && node.Prefix.Len <= p.Len && prefix.Match(node.Prefix, p) {
		if node.Info != nil {
			matched = node
		}
		if node.Prefix.Len == prefix.MaxBitLen {
			break
		}
		node = node.link[p.Bit(node.Prefix.Len)]
	}
	return matched
}

// MatchAddr is Match for the host prefix of addr. Addresses other than
// IPv6 never match.
func (t *Table[V]) MatchAddr(addr netip.Addr) *Node[V] {
	p, err := prefix.FromAddr(addr)
	if err != nil {
		return nil
	}
	return t.Match(p)
}

// Unlock removes one lock from every locked node. Nothing is deleted.
func (t *Table[V]) Unlock() {
	for n := t.Top(); n != nil; n = n.Next() {
		if n.lock > 0 {
			n.lock--
		}
	}
}

// Delete removes n. n must be unlocked and carry no payload. A node with
// two children is an aggregation point and stays. Otherwise its child takes
// its place and the removal cascades upward through unlocked parents
// without payload.
func (t *Table[V]) Delete(n *Node[V]) {
	for n != nil {
		if n.lock != 0 || n.Info != nil {
			panic(fmt.Sprintf("table: deleting live node %s (lock %d)", n.Prefix, n.lock))
		}
		if n.table != t {
			panic(fmt.Sprintf("table: node %s does not belong to this table", n.Prefix))
		}
		if n.link[0] != nil && n.link[1] != nil {
			return
		}
		child := n.link[0]
		if child == nil {
			child = n.link[1]
		}
		parent := n.parent
		t.replaceChild(parent, n, child)
		n.parent, n.link, n.table = nil, [2]*Node[V]{}, nil
		t.count--

		if parent == nil || parent.lock != 0 || parent.Info != nil {
			return
		}
		n = parent
	}
}

// Clear drops every node.
func (t *Table[V]) Clear() {
	for n := t.Top(); n != nil; {
		next := n.Next()
		n.table = nil
		n = next
	}
	t.top = nil
	t.count = 0
}

// Top returns the first node of a pre-order walk.
func (t *Table[V]) Top() *Node[V] {
	return t.top
}

// Walk calls fn for every node in pre-order until fn returns false. fn must
// not delete nodes.
func (t *Table[V]) Walk(fn func(*Node[V]) bool) {
	for n := t.Top(); n != nil; n = n.Next() {
		if !fn(n) {
			return
		}
	}
}

// Dump writes one line per node: lock count, prefix and a marker for nodes
// carrying a payload.
func (t *Table[V]) Dump(w io.Writer) {
	for n := t.Top(); n != nil; n = n.Next() {
		mark := ""
		if n.Info != nil {
			mark = fmt.Sprintf(" %+v", *n.Info)
		}
		fmt.Fprintf(w, "[%d] %s%s\n", n.lock, n.Prefix, mark)
	}
}
