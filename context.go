// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"sync"
)

// Context is one execution context: the scope within which a region-tree
// node has a single version history. Version managers are created lazily
// per (node, context) and live until the context is destroyed.
//
// The context's creator space arbitrates first-touch version ownership:
// the first space to ask about a node becomes that node's owner for the
// context's lifetime.
type Context struct {
	rt *Runtime
	id ContextID

	mu       sync.Mutex
	managers map[NodeID]*VersionManager
	// owners is the first-touch table; consulted only on the creator.
	owners map[NodeID]AddressSpaceID
}

func newContext(rt *Runtime, id ContextID) *Context {
	return &Context{
		rt:       rt,
		id:       id,
		managers: make(map[NodeID]*VersionManager),
		owners:   make(map[NodeID]AddressSpaceID),
	}
}

// ID returns the context's globally unique identity.
func (c *Context) ID() ContextID { return c.id }

// Creator returns the space that created this context.
func (c *Context) Creator() AddressSpaceID {
	return AddressSpaceID(uint64(c.id) & (MaxAddressSpaces - 1))
}

// VersionManager returns the manager for node in this context, creating
// it on first access.
func (c *Context) VersionManager(node *RegionTreeNode) *VersionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mgr, ok := c.managers[node.ID()]; ok {
		return mgr
	}
	mgr := newVersionManager(c.rt, c, node)
	c.managers[node.ID()] = mgr
	return mgr
}

// firstTouch records source as the owner of node if no owner exists yet,
// and returns the owner either way. Only meaningful on the creator space.
func (c *Context) firstTouch(node NodeID, source AddressSpaceID) AddressSpaceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owners[node]; ok {
		return owner
	}
	c.owners[node] = source
	return source
}

// handleOwnerRequest answers a first-touch arbitration request.
func (c *Context) handleOwnerRequest(m *OwnerRequest) {
	owner := c.firstTouch(m.Node, m.Source)
	c.rt.send(m.Source, &OwnerResponse{
		Ctx:   c.id,
		Node:  m.Node,
		Owner: owner,
		Done:  m.Done,
	})
}

// Destroy tears the context down on this space, invalidating every
// manager's version history and dropping the references it holds.
// Messages for a destroyed context are ignored.
func (c *Context) Destroy() {
	c.mu.Lock()
	managers := make([]*VersionManager, 0, len(c.managers))
	for _, mgr := range c.managers {
		managers = append(managers, mgr)
	}
	c.managers = make(map[NodeID]*VersionManager)
	c.owners = make(map[NodeID]AddressSpaceID)
	c.mu.Unlock()

	var full FieldMask
	for i := range full {
		full[i] = ^uint64(0)
	}
	for _, mgr := range managers {
		mgr.invalidateVersionInfos(full)
	}

	c.rt.mu.Lock()
	delete(c.rt.contexts, c.id)
	c.rt.mu.Unlock()
}
