package table

// Lock adds a reference to n and returns it.
func (n *Node[V]) Lock() *Node[V] {
	n.lock++
	return n
}

// Unlock drops a reference. A node left without references and without
// payload is deleted.
func (n *Node[V]) Unlock() {
	if n.lock > 0 {
		n.lock--
	}
	if n.lock == 0 && n.Info == nil && n.table != nil {
		n.table.Delete(n)
	}
}

// Locks returns the current reference count.
func (n *Node[V]) Locks() int {
	return n.lock
}

// Parent returns the parent node, nil for the root.
func (n *Node[V]) Parent() *Node[V] {
	return n.parent
}

// Left returns the child on the 0 side.
func (n *Node[V]) Left() *Node[V] {
	return n.link[0]
}

// Right returns the child on the 1 side.
func (n *Node[V]) Right() *Node[V] {
	return n.link[1]
}

// Next returns the node following n in a pre-order walk, left before right.
// The walk keeps no state besides the current node, so it can be resumed
// from any node.
func (n *Node[V]) Next() *Node[V] {
	return n.NextUntil(nil)
}

// NextUntil is Next restricted to the subtree rooted at limit: the walk
// never climbs above limit.
func (n *Node[V]) NextUntil(limit *Node[V]) *Node[V] {
	if n.link[0] != nil {
		return n.link[0]
	}
	if n.link[1] != nil {
		return n.link[1]
	}
	for n.parent != nil && n != limit {
		if n.parent.link[0] == n && n.parent.link[1] != nil {
			return n.parent.link[1]
		}
		n = n.parent
	}
	return nil
}
