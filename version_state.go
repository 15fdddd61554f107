// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"sync"
)

// VersionState is the unit of truth for one version number of one
// region-tree node: which fields have dirty or reduction data, which
// instance views hold valid data for which fields, and which version
// states are open in each child. A state exists on its owner space (the
// space that created it) and as cache entries on any space that fetched
// it; the request/update protocol moves field-masked deltas between them.
//
// Lifecycle: a state is created empty ("exists but not yet readable"),
// becomes valid on its first Initialize/merge, and is collected when its
// last local reference is dropped and, on the owner, every remote cache
// has been released. References are counted explicitly; the state never
// holds an owning reference back to its containers.
type VersionState struct {
	rt      *Runtime
	node    *RegionTreeNode
	version VersionID
	did     DistributedID
	owner   AddressSpaceID

	mu sync.Mutex
	// Fields which have been directly written to.
	dirtyMask FieldMask
	// Fields which have outstanding reductions.
	reductionMask FieldMask
	// The valid instance views, by opaque identity.
	validViews     map[ViewID]FieldMask
	reductionViews map[ViewID]FieldMask
	// Version references for open children, field-disjoint per color.
	openChildren map[Color]*VersioningSet
	// Fields for which this space has applied data.
	updateFields FieldMask
	// In-flight transfer requests by kind, for dedup on overlap.
	pendingReqs map[VersionRequestKind]map[EventID]pendingReq
	// Spaces known to hold valid data for this state, and which fields.
	// On the owner this is a conservative superset of what each space
	// actually caches; staleness is resolved by the protocol.
	remoteSpaces map[AddressSpaceID]FieldMask
	// Contributions announced but not yet applied.
	pendingViews map[ViewID]pendingView

	currentlyValid bool

	refMu      sync.Mutex
	refs       int
	remoteRefs int
	destroyed  bool
}

type pendingReq struct {
	ev   Event
	mask FieldMask
}

type pendingView struct {
	mask      FieldMask
	reduction bool
}

func newVersionState(rt *Runtime, node *RegionTreeNode, vid VersionID, did DistributedID) *VersionState {
	return &VersionState{
		rt:             rt,
		node:           node,
		version:        vid,
		did:            did,
		owner:          did.ownerSpace(),
		validViews:     make(map[ViewID]FieldMask),
		reductionViews: make(map[ViewID]FieldMask),
		openChildren:   make(map[Color]*VersioningSet),
		pendingReqs:    make(map[VersionRequestKind]map[EventID]pendingReq),
		remoteSpaces:   make(map[AddressSpaceID]FieldMask),
		pendingViews:   make(map[ViewID]pendingView),
	}
}

// Version returns the state's version number.
func (vs *VersionState) Version() VersionID { return vs.version }

// DID returns the state's distributed identity.
func (vs *VersionState) DID() DistributedID { return vs.did }

// Node returns the region-tree node this state belongs to.
func (vs *VersionState) Node() *RegionTreeNode { return vs.node }

// OwnerSpace returns the space that created (and owns) this state.
func (vs *VersionState) OwnerSpace() AddressSpaceID { return vs.owner }

func (vs *VersionState) isOwner() bool { return vs.owner == vs.rt.space }

// CurrentlyValid reports whether the state has committed data that other
// code may read, as opposed to merely existing.
func (vs *VersionState) CurrentlyValid() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.currentlyValid
}

// DirtyMask returns the fields with directly written data.
func (vs *VersionState) DirtyMask() FieldMask {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.dirtyMask
}

// ReductionMask returns the fields with outstanding reductions.
func (vs *VersionState) ReductionMask() FieldMask {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.reductionMask
}

// ViewMask returns the fields for which the given view holds valid data.
func (vs *VersionState) ViewMask(view ViewID) FieldMask {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.validViews[view]
}

// addReference takes one counted reference.
func (vs *VersionState) addReference() {
	vs.refMu.Lock()
	defer vs.refMu.Unlock()
	if vs.destroyed {
		panic("reference added to a collected version state")
	}
	vs.refs++
}

// removeReference drops one counted reference, collecting the state when
// the last local reference is gone and no remote cache remains.
func (vs *VersionState) removeReference() {
	vs.refMu.Lock()
	if vs.refs <= 0 {
		vs.refMu.Unlock()
		panic("reference underflow on version state")
	}
	vs.refs--
	destroy := vs.refs == 0 && vs.remoteRefs == 0 && !vs.destroyed
	if destroy {
		vs.destroyed = true
	}
	vs.refMu.Unlock()
	if destroy {
		vs.destroy()
	}
}

// DeferRemoveReference queues the reference drop on the runtime's work
// queue rather than running it inline, for call sites that hold locks the
// collection path would want.
func (vs *VersionState) DeferRemoveReference() {
	vs.rt.Defer(vs.removeReference)
}

// refCount reports live references; used by tests.
func (vs *VersionState) refCount() (local, remote int) {
	vs.refMu.Lock()
	defer vs.refMu.Unlock()
	return vs.refs, vs.remoteRefs
}

func (vs *VersionState) destroy() {
	vs.mu.Lock()
	children := vs.openChildren
	vs.openChildren = make(map[Color]*VersioningSet)
	vs.currentlyValid = false
	vs.mu.Unlock()
	// Child references are dropped outside our lock; no two state locks
	// are ever held together.
	for _, set := range children {
		set.Clear()
	}
	if !vs.isOwner() {
		vs.rt.send(vs.owner, &StateReleased{DID: vs.did, Source: vs.rt.space})
	}
	vs.rt.unregisterVersionState(vs.did)
	vs.rt.logger.Debugf("collected version state %d v%d on space %d", vs.did, vs.version, vs.rt.space)
}

// Initialize establishes the first write for this version: the dirty mask
// and valid views for fields. The state must be freshly created.
func (vs *VersionState) Initialize(fields FieldMask, views []ViewInfo) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.currentlyValid || !vs.updateFields.Empty() {
		panic("initialize of a version state that already has data")
	}
	vs.dirtyMask = fields
	for _, v := range views {
		m := v.Mask.Intersect(fields)
		if m.Empty() {
			continue
		}
		if v.Reduction {
			vs.reductionViews[v.View] = vs.reductionViews[v.View].Union(m)
			vs.reductionMask.UnionWith(m)
		} else {
			vs.validViews[v.View] = vs.validViews[v.View].Union(m)
		}
	}
	vs.updateFields = fields
	vs.currentlyValid = true
}

// updatePhysicalState copies this state's contributions for mask into a
// physical state being captured. pathOnly restricts the copy to the view
// table; dirty and reduction information is irrelevant above the target
// node of a traversal.
func (vs *VersionState) updatePhysicalState(ps *PhysicalState, mask FieldMask, pathOnly bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for view, m := range vs.validViews {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			ps.validViews[view] = ps.validViews[view].Union(overlap)
		}
	}
	if pathOnly {
		return
	}
	vs.dirtyUnionInto(&ps.dirtyMask, mask)
	for view, m := range vs.reductionViews {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			ps.reductionViews[view] = ps.reductionViews[view].Union(overlap)
		}
	}
	ps.reductionMask.UnionWith(vs.reductionMask.Intersect(mask))
}

func (vs *VersionState) dirtyUnionInto(dst *FieldMask, mask FieldMask) {
	dst.UnionWith(vs.dirtyMask.Intersect(mask))
}

// MergePhysicalState commits a traversal's contributions, restricted to
// mask, into this state. The state's lock is held for the duration.
// Re-applying an already-merged mask subset is tolerated: merging is a
// mask-restricted overwrite, not accumulation, so the call is idempotent.
func (vs *VersionState) MergePhysicalState(ps *PhysicalState, mask FieldMask, applied *EventSet) {
	if !ps.captured {
		panic("merge of a physical state that was never captured")
	}
	vs.mu.Lock()
	vs.dirtyMask.UnionWith(ps.dirtyMask.Intersect(mask))
	vs.reductionMask.UnionWith(ps.reductionMask.Intersect(mask))
	for view, m := range ps.validViews {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			vs.validViews[view] = vs.validViews[view].Union(overlap)
		}
	}
	for view, m := range ps.reductionViews {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			vs.reductionViews[view] = vs.reductionViews[view].Union(overlap)
		}
	}
	vs.updateFields.UnionWith(mask)
	vs.currentlyValid = true
	notifyOwner := !vs.isOwner()
	vs.mu.Unlock()

	if notifyOwner {
		// The owner tracks which spaces contributed data so final
		// requests know where to gather from.
		vs.rt.send(vs.owner, &ValidNotification{DID: vs.did, Source: vs.rt.space, Mask: mask})
	}
}

// ReduceOpenChildren updates the version references recorded for one
// child color, restricted to mask. Inserting a new child state for a
// field removes that field from any existing entry for the same color,
// keeping the per-child table field-disjoint. Entries are consumed from
// newStates without transferring its references.
func (vs *VersionState) ReduceOpenChildren(color Color, mask FieldMask, newStates *VersioningSet, applied *EventSet) {
	// Copy out of newStates before taking our lock; state-to-state
	// operations never hold two state locks at once.
	type entry struct {
		st *VersionState
		m  FieldMask
	}
	var entries []entry
	newStates.Iterate(func(st *VersionState, m FieldMask) bool {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			entries = append(entries, entry{st, overlap})
		}
		return true
	})

	vs.mu.Lock()
	defer vs.mu.Unlock()
	set, ok := vs.openChildren[color]
	if !ok {
		set = &VersioningSet{}
		vs.openChildren[color] = set
	}
	for _, e := range entries {
		set.Insert(e.st, e.m)
	}
}

// InsertPendingView records a contribution that has been announced but
// whose data is not yet durable; it becomes a valid view once ready
// triggers, via the runtime work queue.
func (vs *VersionState) InsertPendingView(view ViewID, mask FieldMask, reduction bool, ready Event) {
	vs.mu.Lock()
	vs.pendingViews[view] = pendingView{mask: mask, reduction: reduction}
	vs.mu.Unlock()
	vs.rt.DeferAfter(ready, func() {
		vs.mu.Lock()
		defer vs.mu.Unlock()
		pv, ok := vs.pendingViews[view]
		if !ok {
			return
		}
		delete(vs.pendingViews, view)
		if pv.reduction {
			vs.reductionViews[view] = vs.reductionViews[view].Union(pv.mask)
			vs.reductionMask.UnionWith(pv.mask)
		} else {
			vs.validViews[view] = vs.validViews[view].Union(pv.mask)
		}
	})
}

// RequestInitialVersionState arranges for enough of this state to be
// locally valid to read mask, filling preconditions with events that
// trigger once requested fields are merged. Overlapping concurrent
// requests are deduplicated: later requesters wait on the events already
// registered for the overlap.
func (vs *VersionState) RequestInitialVersionState(ctx *Context, mask FieldMask, preconditions *EventSet) {
	vs.requestVersionState(ctx.ID(), InitialVersionRequest, mask, preconditions)
}

// RequestFinalVersionState is RequestInitialVersionState for every
// contribution from every space, gathered through the owner.
func (vs *VersionState) RequestFinalVersionState(ctx *Context, mask FieldMask, preconditions *EventSet) {
	vs.requestVersionState(ctx.ID(), FinalVersionRequest, mask, preconditions)
}

// RequestChildrenVersionState fetches only the open-children table.
func (vs *VersionState) RequestChildrenVersionState(ctx *Context, mask FieldMask, preconditions *EventSet) {
	vs.requestVersionState(ctx.ID(), ChildVersionRequest, mask, preconditions)
}

func (vs *VersionState) requestVersionState(ctxID ContextID, kind VersionRequestKind, mask FieldMask, preconditions *EventSet) {
	vs.mu.Lock()
	needed := mask
	if kind == InitialVersionRequest {
		needed = needed.Difference(vs.updateFields)
	}
	// Wait on in-flight requests covering part of the mask instead of
	// issuing duplicates on the wire.
	for _, pr := range vs.pendingReqs[kind] {
		if overlap := pr.mask.Intersect(needed); !overlap.Empty() {
			preconditions.Add(pr.ev)
			needed.SubtractWith(pr.mask)
		}
	}
	if needed.Empty() {
		vs.mu.Unlock()
		return
	}

	if vs.isOwner() {
		if kind == InitialVersionRequest {
			// The owner is authoritative; fields with no data here have
			// no data anywhere yet, which is itself a valid answer.
			vs.updateFields.UnionWith(needed)
			vs.mu.Unlock()
			return
		}
		// Gather contributions from every space known to hold data.
		targets := make(map[AddressSpaceID]FieldMask)
		for space, m := range vs.remoteSpaces {
			if overlap := m.Intersect(needed); !overlap.Empty() {
				targets[space] = overlap
			}
		}
		reqs := vs.registerRequests(kind, targets)
		vs.mu.Unlock()
		for _, r := range reqs {
			preconditions.Add(r.ev)
			vs.rt.send(r.target, &StateUpdateRequest{
				Ctx:       ctxID,
				Node:      vs.node.ID(),
				DID:       vs.did,
				Version:   vs.version,
				Requestor: vs.rt.space,
				Mask:      r.mask,
				Kind:      kind,
				Done:      r.done,
			})
		}
		return
	}

	reqs := vs.registerRequests(kind, map[AddressSpaceID]FieldMask{vs.owner: needed})
	vs.mu.Unlock()
	for _, r := range reqs {
		preconditions.Add(r.ev)
		vs.rt.send(r.target, &StateUpdateRequest{
			Ctx:       ctxID,
			Node:      vs.node.ID(),
			DID:       vs.did,
			Version:   vs.version,
			Requestor: vs.rt.space,
			Mask:      r.mask,
			Kind:      kind,
			Done:      r.done,
		})
	}
	vs.rt.stats.Count(MetricRemoteStateRequests, 1, 1.0)
}

type outboundReq struct {
	target AddressSpaceID
	mask   FieldMask
	done   EventID
	ev     Event
}

// registerRequests records pending transfer requests under the state
// lock; the caller sends the messages after releasing it.
func (vs *VersionState) registerRequests(kind VersionRequestKind, targets map[AddressSpaceID]FieldMask) []outboundReq {
	table, ok := vs.pendingReqs[kind]
	if !ok {
		table = make(map[EventID]pendingReq)
		vs.pendingReqs[kind] = table
	}
	reqs := make([]outboundReq, 0, len(targets))
	for space, m := range targets {
		done := NewUserEvent()
		id := vs.rt.registerEvent(done)
		table[id] = pendingReq{ev: done.Event, mask: m}
		reqs = append(reqs, outboundReq{target: space, mask: m, done: id, ev: done.Event})
	}
	return reqs
}

// handleUpdateRequest serves a field-masked delta of this state to the
// requestor. Final requests on the owner first gather outstanding
// contributions from other spaces.
func (vs *VersionState) handleUpdateRequest(m *StateUpdateRequest) {
	if m.Kind == FinalVersionRequest && vs.isOwner() {
		var gather EventSet
		vs.mu.Lock()
		targets := make(map[AddressSpaceID]FieldMask)
		for space, held := range vs.remoteSpaces {
			if space == m.Requestor {
				continue
			}
			if overlap := held.Intersect(m.Mask); !overlap.Empty() {
				targets[space] = overlap
			}
		}
		reqs := vs.registerRequests(InitialVersionRequest, targets)
		vs.mu.Unlock()
		for _, r := range reqs {
			gather.Add(r.ev)
			vs.rt.send(r.target, &StateUpdateRequest{
				Ctx:       m.Ctx,
				Node:      vs.node.ID(),
				DID:       vs.did,
				Version:   vs.version,
				Requestor: vs.rt.space,
				Mask:      r.mask,
				Kind:      InitialVersionRequest,
				Done:      r.done,
			})
		}
		if pre := gather.Merge(); pre.Exists() && !pre.HasTriggered() {
			req := *m
			vs.rt.DeferAfter(pre, func() { vs.sendVersionStateUpdate(&req) })
			return
		}
	}
	vs.sendVersionStateUpdate(m)
}

// sendVersionStateUpdate computes the delta between the requested mask
// and what the requestor is already known to hold, and ships it. The
// response acknowledges the full requested mask; the payload carries only
// the delta.
func (vs *VersionState) sendVersionStateUpdate(m *StateUpdateRequest) {
	vs.mu.Lock()
	known := vs.remoteSpaces[m.Requestor]
	sendMask := m.Mask.Difference(known)

	resp := &StateUpdateResponse{
		Ctx:     m.Ctx,
		Node:    vs.node.ID(),
		DID:     vs.did,
		Version: vs.version,
		Kind:    m.Kind,
		Mask:    m.Mask,
		Done:    m.Done,
	}
	if m.Kind != ChildVersionRequest {
		resp.Dirty = vs.dirtyMask.Intersect(sendMask)
		resp.Reduce = vs.reductionMask.Intersect(sendMask)
		for view, vm := range vs.validViews {
			if overlap := vm.Intersect(sendMask); !overlap.Empty() {
				resp.Views = append(resp.Views, ViewInfo{View: view, Mask: overlap})
			}
		}
		for view, vm := range vs.reductionViews {
			if overlap := vm.Intersect(sendMask); !overlap.Empty() {
				resp.Views = append(resp.Views, ViewInfo{View: view, Mask: overlap, Reduction: true})
			}
		}
	}
	if m.Kind != InitialVersionRequest {
		for color, set := range vs.openChildren {
			set.Iterate(func(st *VersionState, cm FieldMask) bool {
				if overlap := cm.Intersect(sendMask); !overlap.Empty() {
					resp.Children = append(resp.Children, ChildInfo{
						Color: color,
						Node:  st.node.ID(),
						State: StateInfo{DID: st.did, Version: st.version, Mask: overlap},
					})
				}
				return true
			})
		}
	}
	// Record what the requestor will hold after this update.
	_, hadSpace := vs.remoteSpaces[m.Requestor]
	vs.remoteSpaces[m.Requestor] = known.Union(sendMask)
	vs.mu.Unlock()

	if !hadSpace && vs.isOwner() {
		vs.refMu.Lock()
		vs.remoteRefs++
		vs.refMu.Unlock()
	}
	vs.rt.send(m.Requestor, resp)
	vs.rt.stats.Count(MetricStateUpdatesSent, 1, 1.0)
}

// handleUpdateResponse merges a received delta and triggers the waiting
// event. If the response covers less than what was requested (fields in
// flight from a third party), the remainder is re-requested and the
// waiter's event is chained behind it.
func (vs *VersionState) handleUpdateResponse(m *StateUpdateResponse) {
	var remainder FieldMask

	vs.mu.Lock()
	vs.dirtyMask.UnionWith(m.Dirty)
	vs.reductionMask.UnionWith(m.Reduce)
	for _, v := range m.Views {
		if v.Reduction {
			vs.reductionViews[v.View] = vs.reductionViews[v.View].Union(v.Mask)
		} else {
			vs.validViews[v.View] = vs.validViews[v.View].Union(v.Mask)
		}
	}
	children := m.Children
	if m.Kind != ChildVersionRequest {
		vs.updateFields.UnionWith(m.Mask)
		vs.currentlyValid = true
	}
	if table, ok := vs.pendingReqs[m.Kind]; ok {
		if pr, ok := table[m.Done]; ok {
			remainder = pr.mask.Difference(m.Mask)
			delete(table, m.Done)
		}
	}
	vs.mu.Unlock()

	// Child fragments reference states on child nodes; resolve them to
	// local (possibly freshly created, empty) cache entries.
	for _, c := range children {
		childNode := vs.rt.Node(c.Node)
		if childNode == nil {
			vs.rt.logger.Errorf("child version fragment for unknown node %d", c.Node)
			continue
		}
		st, _ := vs.rt.findOrCreateVersionState(childNode, c.State.Version, c.State.DID)
		var incoming VersioningSet
		incoming.Insert(st, c.State.Mask)
		var applied EventSet
		vs.ReduceOpenChildren(c.Color, c.State.Mask, &incoming, &applied)
		incoming.Clear()
	}

	done, ok := vs.rt.takeEvent(m.Done)
	if !ok {
		vs.rt.logger.Warnf("state update response with unknown event %d", m.Done)
		return
	}
	if !remainder.Empty() {
		var pre EventSet
		vs.requestVersionState(m.Ctx, m.Kind, remainder, &pre)
		done.TriggerAfter(pre.Merge())
		return
	}
	done.Trigger()
}

// handleValidNotification records that source holds valid data for mask.
func (vs *VersionState) handleValidNotification(source AddressSpaceID, mask FieldMask) {
	vs.mu.Lock()
	held, had := vs.remoteSpaces[source]
	vs.remoteSpaces[source] = held.Union(mask)
	vs.mu.Unlock()
	if !had && vs.isOwner() {
		vs.refMu.Lock()
		vs.remoteRefs++
		vs.refMu.Unlock()
	}
}

// handleRemoteReleased drops the remote reference held on behalf of a
// space whose cache entry has been collected.
func (vs *VersionState) handleRemoteReleased(source AddressSpaceID) {
	vs.mu.Lock()
	_, had := vs.remoteSpaces[source]
	delete(vs.remoteSpaces, source)
	vs.mu.Unlock()
	if !had {
		return
	}
	vs.refMu.Lock()
	if vs.remoteRefs <= 0 {
		vs.refMu.Unlock()
		panic("remote reference underflow on version state")
	}
	vs.remoteRefs--
	destroy := vs.refs == 0 && vs.remoteRefs == 0 && !vs.destroyed
	if destroy {
		vs.destroyed = true
	}
	vs.refMu.Unlock()
	if destroy {
		vs.destroy()
	}
}
