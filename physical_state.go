// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

// PhysicalState is the ephemeral, single-traversal snapshot of one
// region-tree node's state: the union of the contributing version states'
// dirty/reduction masks and view tables, captured once and mutated freely
// by the traversal that owns it. A physical state is never shared between
// traversals and needs no locking of its own.
//
// Contributing states are recorded first (addVersionState/addAdvanceState),
// then captureState folds them into the snapshot exactly once, then
// applyState writes the traversal's results back into the advance states.
type PhysicalState struct {
	node *RegionTreeNode

	// Contributing states, field-disjoint within each set.
	versionStates VersioningSet
	advanceStates VersioningSet

	captured bool

	dirtyMask      FieldMask
	reductionMask  FieldMask
	validViews     map[ViewID]FieldMask
	reductionViews map[ViewID]FieldMask
}

// NewPhysicalState returns an empty, uncaptured physical state for node.
func NewPhysicalState(node *RegionTreeNode) *PhysicalState {
	return &PhysicalState{
		node:           node,
		validViews:     make(map[ViewID]FieldMask),
		reductionViews: make(map[ViewID]FieldMask),
	}
}

// Node returns the region-tree node this snapshot is of.
func (ps *PhysicalState) Node() *RegionTreeNode { return ps.node }

// Captured reports whether captureState has run.
func (ps *PhysicalState) Captured() bool { return ps.captured }

// DirtyMask returns the captured dirty fields.
func (ps *PhysicalState) DirtyMask() FieldMask { return ps.dirtyMask }

// ReductionMask returns the captured reduction fields.
func (ps *PhysicalState) ReductionMask() FieldMask { return ps.reductionMask }

// ValidViews returns the captured valid-view table. The caller must not
// mutate entries after handing the state to applyState.
func (ps *PhysicalState) ValidViews() map[ViewID]FieldMask { return ps.validViews }

// AddVersionState records a version state to read from during capture.
// States may not be added after capture.
func (ps *PhysicalState) AddVersionState(state *VersionState, mask FieldMask) {
	if ps.captured {
		panic("version state added to a captured physical state")
	}
	ps.versionStates.Insert(state, mask)
}

// AddAdvanceState records a version state to write traversal results
// into at apply time.
func (ps *PhysicalState) AddAdvanceState(state *VersionState, mask FieldMask) {
	if ps.captured {
		panic("advance state added to a captured physical state")
	}
	ps.advanceStates.Insert(state, mask)
}

// CaptureState folds the contributing version states into the snapshot.
// pathOnly captures only the view tables, for nodes the traversal merely
// passes through. Capturing twice is a protocol violation.
func (ps *PhysicalState) CaptureState(pathOnly bool) {
	if ps.captured {
		panic("physical state captured twice")
	}
	ps.captured = true
	ps.versionStates.Iterate(func(state *VersionState, mask FieldMask) bool {
		state.updatePhysicalState(ps, mask, pathOnly)
		return true
	})
}

// RecordDirty marks fields as directly written by this traversal.
func (ps *PhysicalState) RecordDirty(mask FieldMask) {
	if !ps.captured {
		panic("write to an uncaptured physical state")
	}
	ps.dirtyMask.UnionWith(mask)
}

// RecordView adds or widens a valid-view entry produced by this traversal.
func (ps *PhysicalState) RecordView(view ViewID, mask FieldMask, reduction bool) {
	if !ps.captured {
		panic("write to an uncaptured physical state")
	}
	if reduction {
		ps.reductionViews[view] = ps.reductionViews[view].Union(mask)
		ps.reductionMask.UnionWith(mask)
	} else {
		ps.validViews[view] = ps.validViews[view].Union(mask)
	}
}

// FilterViews drops fields from every view entry outside mask; used when a
// traversal narrows its scope after capture.
func (ps *PhysicalState) FilterViews(mask FieldMask) {
	for view, m := range ps.validViews {
		kept := m.Intersect(mask)
		if kept.Empty() {
			delete(ps.validViews, view)
		} else {
			ps.validViews[view] = kept
		}
	}
	for view, m := range ps.reductionViews {
		kept := m.Intersect(mask)
		if kept.Empty() {
			delete(ps.reductionViews, view)
		} else {
			ps.reductionViews[view] = kept
		}
	}
	ps.dirtyMask.IntersectWith(mask)
	ps.reductionMask.IntersectWith(mask)
}

// ApplyState merges the snapshot back into the advance states, each
// restricted to its registered fields, then releases the contributing
// sets. copyThrough additionally pushes the result into the capture-side
// states, for traversals whose writes must remain visible at the version
// they read (read-write coherence without an advance). Applying an
// uncaptured state is a protocol violation.
func (ps *PhysicalState) ApplyState(applied *EventSet, copyThrough bool) {
	if !ps.captured {
		panic("apply of an uncaptured physical state")
	}
	ps.advanceStates.Iterate(func(state *VersionState, mask FieldMask) bool {
		state.MergePhysicalState(ps, mask, applied)
		return true
	})
	if copyThrough {
		ps.versionStates.Iterate(func(state *VersionState, mask FieldMask) bool {
			state.MergePhysicalState(ps, mask, applied)
			return true
		})
	}
	ps.versionStates.Clear()
	ps.advanceStates.Clear()
}

// Clone returns an uncaptured copy sharing no mutable structure, holding
// its own references on the contributing states. Used when one analysis
// spawns per-field subtraversals.
func (ps *PhysicalState) Clone(mask FieldMask) *PhysicalState {
	clone := NewPhysicalState(ps.node)
	ps.versionStates.Iterate(func(state *VersionState, m FieldMask) bool {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			clone.versionStates.Insert(state, overlap)
		}
		return true
	})
	ps.advanceStates.Iterate(func(state *VersionState, m FieldMask) bool {
		if overlap := m.Intersect(mask); !overlap.Empty() {
			clone.advanceStates.Insert(state, overlap)
		}
		return true
	})
	return clone
}
