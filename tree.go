// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"sync"
)

// RegionTreeNode is the identity of one node in a region tree. The
// protocol does not define partitioning topology; nodes exist so version
// state can be recorded against them and so a traversal path has depths.
// Node IDs are assigned by the caller and must agree across address
// spaces.
type RegionTreeNode struct {
	rt     *Runtime
	id     NodeID
	depth  int
	parent *RegionTreeNode
	color  Color

	mu       sync.Mutex
	children map[Color]*RegionTreeNode
}

// ID returns the node's caller-assigned identity.
func (n *RegionTreeNode) ID() NodeID { return n.id }

// Depth returns the node's depth; roots are depth 0.
func (n *RegionTreeNode) Depth() int { return n.depth }

// Parent returns the node's parent, or nil for a root.
func (n *RegionTreeNode) Parent() *RegionTreeNode { return n.parent }

// Color returns the node's color within its parent.
func (n *RegionTreeNode) Color() Color { return n.color }

// EnsureChild returns the child of the given color, creating and
// registering it with id if it does not exist yet. Creating the same
// color twice with different IDs panics; trees must agree across spaces.
func (n *RegionTreeNode) EnsureChild(color Color, id NodeID) *RegionTreeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.children[color]; ok {
		if c.id != id {
			panic("region tree child color reassigned to a different node id")
		}
		return c
	}
	c := &RegionTreeNode{
		rt:     n.rt,
		id:     id,
		depth:  n.depth + 1,
		parent: n,
		color:  color,
	}
	if n.children == nil {
		n.children = make(map[Color]*RegionTreeNode)
	}
	n.children[color] = c
	n.rt.registerNode(c)
	return c
}

// Child returns the child of the given color, or nil.
func (n *RegionTreeNode) Child(color Color) *RegionTreeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children[color]
}
