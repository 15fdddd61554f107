// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"github.com/pkg/errors"
)

// VersionInfo is one traversal's capture of version numbers along a
// region-tree path, indexed by depth from the upper-bound node down to
// the target. It is built during analysis by the version managers on the
// path (RecordCurrentVersions and friends), optionally shipped to the
// space that will perform the work, captured into physical snapshots,
// and finally applied back into the version states.
//
// A VersionInfo is owned by a single traversal and is not thread safe.
type VersionInfo struct {
	upperBound *RegionTreeNode
	depths     []versionDepthInfo
}

type versionDepthInfo struct {
	physical      *PhysicalState
	fieldVersions FieldVersions
	splitMask     FieldMask
	pathOnly      bool
	recorded      bool
}

// SetUpperBoundNode records the shallowest node the traversal touches.
// Resetting to a deeper node is a protocol violation.
func (v *VersionInfo) SetUpperBoundNode(node *RegionTreeNode) {
	if v.upperBound != nil && v.upperBound != node {
		if node.Depth() > v.upperBound.Depth() {
			panic("upper bound node moved deeper")
		}
	}
	v.upperBound = node
}

// UpperBoundNode returns the recorded upper bound, or nil.
func (v *VersionInfo) UpperBoundNode() *RegionTreeNode { return v.upperBound }

// Resize grows the per-depth tables to cover depth.
func (v *VersionInfo) Resize(depth int) {
	for len(v.depths) <= depth {
		v.depths = append(v.depths, versionDepthInfo{})
	}
}

// MaxDepth returns the deepest recorded depth, or -1 if nothing has been
// recorded.
func (v *VersionInfo) MaxDepth() int { return len(v.depths) - 1 }

// AddCurrentVersion records a state the traversal reads at depth. The
// first recording at a depth decides whether the depth is path-only; a
// later full recording clears the flag.
func (v *VersionInfo) AddCurrentVersion(depth int, state *VersionState, mask FieldMask, pathOnly bool) {
	v.Resize(depth)
	d := &v.depths[depth]
	if d.physical == nil {
		d.physical = NewPhysicalState(state.Node())
	}
	d.physical.AddVersionState(state, mask)
	if d.fieldVersions == nil {
		d.fieldVersions = make(FieldVersions)
	}
	d.fieldVersions[state.Version()] = d.fieldVersions[state.Version()].Union(mask)
	if !d.recorded {
		d.pathOnly = pathOnly
		d.recorded = true
	} else if !pathOnly {
		d.pathOnly = false
	}
}

// AddAdvanceVersion records a state the traversal writes into at depth.
func (v *VersionInfo) AddAdvanceVersion(depth int, state *VersionState, mask FieldMask) {
	v.Resize(depth)
	d := &v.depths[depth]
	if d.physical == nil {
		d.physical = NewPhysicalState(state.Node())
	}
	d.physical.AddAdvanceState(state, mask)
	d.pathOnly = false
	d.recorded = true
}

// GetFieldVersions returns the version numbers recorded at depth, keyed
// by version with the fields each covers. Nil if nothing was recorded.
func (v *VersionInfo) GetFieldVersions(depth int) FieldVersions {
	if depth >= len(v.depths) {
		return nil
	}
	return v.depths[depth].fieldVersions
}

// RecordSplitFields marks fields at depth as straddling an advance.
func (v *VersionInfo) RecordSplitFields(depth int, mask FieldMask) {
	v.Resize(depth)
	v.depths[depth].splitMask.UnionWith(mask)
}

// GetSplitMask returns the split fields recorded at depth.
func (v *VersionInfo) GetSplitMask(depth int) FieldMask {
	if depth >= len(v.depths) {
		return FieldMask{}
	}
	return v.depths[depth].splitMask
}

// PhysicalState returns the snapshot being assembled at depth, or nil.
func (v *VersionInfo) PhysicalState(depth int) *PhysicalState {
	if depth >= len(v.depths) {
		return nil
	}
	return v.depths[depth].physical
}

// CaptureState folds the recorded version states at depth into the
// depth's physical snapshot, honoring the depth's path-only flag.
func (v *VersionInfo) CaptureState(depth int) *PhysicalState {
	if depth >= len(v.depths) || v.depths[depth].physical == nil {
		panic("capture at a depth with no recorded versions")
	}
	d := &v.depths[depth]
	d.physical.CaptureState(d.pathOnly)
	return d.physical
}

// ApplyMapping writes every captured snapshot back into its advance
// states. copyThrough additionally refreshes the read-side states, for
// traversals whose writes stay at the version they read.
func (v *VersionInfo) ApplyMapping(applied *EventSet, copyThrough bool) {
	for i := range v.depths {
		d := &v.depths[i]
		if d.physical != nil && d.physical.Captured() {
			d.physical.ApplyState(applied, copyThrough)
		}
	}
}

// CloneToDepth returns a copy of the info covering depths 0 through
// depth, restricted to mask. Cloned snapshots are uncaptured and hold
// their own references on the contributing states. Used when an analysis
// re-traverses the upper part of its path for a subset of the fields.
func (v *VersionInfo) CloneToDepth(depth int, mask FieldMask) *VersionInfo {
	clone := &VersionInfo{upperBound: v.upperBound}
	if depth > v.MaxDepth() {
		depth = v.MaxDepth()
	}
	clone.Resize(depth)
	for i := 0; i <= depth; i++ {
		src := &v.depths[i]
		dst := &clone.depths[i]
		dst.pathOnly = src.pathOnly
		dst.recorded = src.recorded
		dst.splitMask = src.splitMask.Intersect(mask)
		if src.fieldVersions != nil {
			dst.fieldVersions = make(FieldVersions)
			for vid, fm := range src.fieldVersions {
				if overlap := fm.Intersect(mask); !overlap.Empty() {
					dst.fieldVersions[vid] = overlap
				}
			}
		}
		if src.physical != nil {
			dst.physical = src.physical.Clone(mask)
		}
	}
	return clone
}

// Clear releases every reference the info holds and resets it for reuse.
func (v *VersionInfo) Clear() {
	for i := range v.depths {
		if ps := v.depths[i].physical; ps != nil {
			ps.versionStates.Clear()
			ps.advanceStates.Clear()
		}
	}
	v.upperBound = nil
	v.depths = nil
}

// Pack serializes the info's version numbers and state identities for
// shipping to another space. Physical snapshot contents are not packed;
// the receiver re-requests state data it does not hold.
func (v *VersionInfo) Pack() []byte {
	w := &wireWriter{}
	if v.upperBound != nil {
		w.boolean(true)
		w.u64(uint64(v.upperBound.ID()))
	} else {
		w.boolean(false)
	}
	w.u32(uint32(len(v.depths)))
	for i := range v.depths {
		d := &v.depths[i]
		w.boolean(d.pathOnly)
		w.mask(d.splitMask)
		w.u32(uint32(len(d.fieldVersions)))
		for vid, fm := range d.fieldVersions {
			w.u64(uint64(vid))
			w.mask(fm)
		}
		var infos, advances []StateInfo
		var node NodeID
		if d.physical != nil {
			node = d.physical.Node().ID()
			d.physical.versionStates.Iterate(func(st *VersionState, m FieldMask) bool {
				infos = append(infos, StateInfo{DID: st.DID(), Version: st.Version(), Mask: m})
				return true
			})
			d.physical.advanceStates.Iterate(func(st *VersionState, m FieldMask) bool {
				advances = append(advances, StateInfo{DID: st.DID(), Version: st.Version(), Mask: m})
				return true
			})
		}
		w.u64(uint64(node))
		w.stateInfos(infos)
		w.stateInfos(advances)
	}
	return w.bytes()
}

// PackVersionNumbers serializes only the version numbers and split
// masks, for consumers that need ordering information but will never
// capture state; a fraction of Pack's size and no state resolution on
// the receiving end.
func (v *VersionInfo) PackVersionNumbers() []byte {
	w := &wireWriter{}
	if v.upperBound != nil {
		w.boolean(true)
		w.u64(uint64(v.upperBound.ID()))
	} else {
		w.boolean(false)
	}
	w.u32(uint32(len(v.depths)))
	for i := range v.depths {
		d := &v.depths[i]
		w.boolean(d.pathOnly)
		w.mask(d.splitMask)
		w.u32(uint32(len(d.fieldVersions)))
		for vid, fm := range d.fieldVersions {
			w.u64(uint64(vid))
			w.mask(fm)
		}
	}
	return w.bytes()
}

// UnpackVersionNumbers rebuilds an info packed with PackVersionNumbers.
// No states are resolved or requested; the result carries numbers only.
func UnpackVersionNumbers(rt *Runtime, data []byte) (*VersionInfo, error) {
	r := newWireReader(data)
	v := &VersionInfo{}
	if r.boolean() {
		id := NodeID(r.u64())
		node := rt.Node(id)
		if node == nil {
			return nil, errors.Errorf("version info upper bound names unknown node %d", id)
		}
		v.upperBound = node
	}
	depths := int(r.u32())
	v.Resize(depths - 1)
	for i := 0; i < depths; i++ {
		d := &v.depths[i]
		d.pathOnly = r.boolean()
		d.splitMask = r.mask()
		nvers := int(r.u32())
		if nvers > 0 {
			d.fieldVersions = make(FieldVersions, nvers)
			for j := 0; j < nvers; j++ {
				vid := VersionID(r.u64())
				d.fieldVersions[vid] = r.mask()
			}
		}
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "unpacking version numbers")
	}
	return v, nil
}

// UnpackVersionInfo rebuilds a packed VersionInfo on this space,
// resolving state identities to local cache entries and requesting the
// data needed to read them; ready collects the transfer preconditions.
func UnpackVersionInfo(rt *Runtime, ctx *Context, data []byte, ready *EventSet) (*VersionInfo, error) {
	r := newWireReader(data)
	v := &VersionInfo{}
	if r.boolean() {
		id := NodeID(r.u64())
		node := rt.Node(id)
		if node == nil {
			return nil, errors.Errorf("version info upper bound names unknown node %d", id)
		}
		v.upperBound = node
	}
	depths := int(r.u32())
	v.Resize(depths - 1)
	for i := 0; i < depths; i++ {
		d := &v.depths[i]
		d.pathOnly = r.boolean()
		d.splitMask = r.mask()
		nvers := int(r.u32())
		if nvers > 0 {
			d.fieldVersions = make(FieldVersions, nvers)
			for j := 0; j < nvers; j++ {
				vid := VersionID(r.u64())
				d.fieldVersions[vid] = r.mask()
			}
		}
		nodeID := NodeID(r.u64())
		infos := r.stateInfos()
		advances := r.stateInfos()
		if len(infos) == 0 && len(advances) == 0 {
			continue
		}
		node := rt.Node(nodeID)
		if node == nil {
			return nil, errors.Errorf("version info depth %d names unknown node %d", i, nodeID)
		}
		d.physical = NewPhysicalState(node)
		d.recorded = true
		for _, info := range infos {
			st, _ := rt.findOrCreateVersionState(node, info.Version, info.DID)
			d.physical.AddVersionState(st, info.Mask)
			if d.pathOnly {
				st.RequestChildrenVersionState(ctx, info.Mask, ready)
			} else {
				st.RequestInitialVersionState(ctx, info.Mask, ready)
			}
		}
		for _, info := range advances {
			st, _ := rt.findOrCreateVersionState(node, info.Version, info.DID)
			d.physical.AddAdvanceState(st, info.Mask)
		}
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "unpacking version info")
	}
	return v, nil
}
