// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"github.com/pkg/errors"
)

// VersioningSet tracks a collection of version state objects and the
// fields for which each is valid. Entries are kept field-disjoint:
// inserting fields for one state first removes those fields from any
// other state in the set, so a field's contributor is always unique.
//
// The representation is optimized for the overwhelmingly common case of a
// single version state: it starts as an inline (state, mask) pair and
// promotes to a map on the second distinct insertion. It never demotes.
//
// Each entry holds one counted reference on its VersionState, added by
// Insert and dropped by Erase/Clear/Filter. Move hands entries, their
// references included, to another set.
//
// A VersioningSet is not safe for concurrent use; its owner (a
// VersionManager map slot, a VersionState child table, or a
// PhysicalState) serializes access.
type VersioningSet struct {
	single     *VersionState
	singleMask FieldMask
	multi      map[*VersionState]FieldMask

	validFields FieldMask
}

// Empty reports whether the set has no entries.
func (s *VersioningSet) Empty() bool {
	if s.multi != nil {
		return len(s.multi) == 0
	}
	return s.single == nil
}

// Size returns the number of distinct version states in the set.
func (s *VersioningSet) Size() int {
	if s.multi != nil {
		return len(s.multi)
	}
	if s.single == nil {
		return 0
	}
	return 1
}

// ValidMask returns the union of all member masks.
func (s *VersioningSet) ValidMask() FieldMask { return s.validFields }

// MaskFor returns the fields for which state is valid in this set.
func (s *VersioningSet) MaskFor(state *VersionState) (FieldMask, bool) {
	if s.multi != nil {
		m, ok := s.multi[state]
		return m, ok
	}
	if s.single == state && state != nil {
		return s.singleMask, true
	}
	return FieldMask{}, false
}

// Insert adds mask as valid under state, stealing any overlapping fields
// from other members to preserve field disjointness. It returns true if
// state was newly added (a reference was taken) and false if an existing
// entry's mask was extended. Inserting an empty mask is a no-op.
func (s *VersioningSet) Insert(state *VersionState, mask FieldMask) bool {
	if mask.Empty() {
		return false
	}
	s.stealFields(state, mask)
	s.validFields.UnionWith(mask)

	if s.multi == nil {
		if s.single == nil {
			s.single = state
			s.singleMask = mask
			state.addReference()
			return true
		}
		if s.single == state {
			s.singleMask.UnionWith(mask)
			return false
		}
		// Second distinct state: promote to the map representation.
		s.multi = map[*VersionState]FieldMask{s.single: s.singleMask}
		s.single, s.singleMask = nil, FieldMask{}
	}
	if existing, ok := s.multi[state]; ok {
		s.multi[state] = existing.Union(mask)
		return false
	}
	s.multi[state] = mask
	state.addReference()
	return true
}

// InsertAfter is the asynchronous-boundary form of Insert: the entry is
// recorded immediately, but if state's data is still in flight (pre has
// not triggered) the reference add is deferred to the runtime work queue
// behind pre. The returned event triggers once the insertion, including
// its reference, is durable.
func (s *VersioningSet) InsertAfter(rt *Runtime, state *VersionState, mask FieldMask, pre Event) Event {
	if mask.Empty() {
		return NoEvent
	}
	if !pre.Exists() || pre.HasTriggered() {
		s.Insert(state, mask)
		return NoEvent
	}
	// Record the entry now; the reference lands after pre.
	s.insertUncounted(state, mask)
	rt.DeferAfter(pre, state.addReference)
	return pre
}

// insertUncounted inserts without taking a reference, used by InsertAfter
// while the real reference is still in flight.
func (s *VersioningSet) insertUncounted(state *VersionState, mask FieldMask) {
	if s.Insert(state, mask) {
		// Insert took a reference we are not supposed to hold yet.
		state.removeReference()
	}
}

// stealFields removes mask's fields from every member other than keep,
// erasing members whose masks become empty.
func (s *VersioningSet) stealFields(keep *VersionState, mask FieldMask) {
	if s.multi == nil {
		if s.single != nil && s.single != keep && s.singleMask.Overlaps(mask) {
			s.singleMask.SubtractWith(mask)
			if s.singleMask.Empty() {
				s.eraseEntry(s.single)
			}
		}
	} else {
		var dead []*VersionState
		for st, m := range s.multi {
			if st == keep || !m.Overlaps(mask) {
				continue
			}
			m.SubtractWith(mask)
			if m.Empty() {
				dead = append(dead, st)
			} else {
				s.multi[st] = m
			}
		}
		for _, st := range dead {
			s.eraseEntry(st)
		}
	}
	s.recomputeValid()
}

// Erase removes state entirely and drops its reference. Erasing a state
// that is not a member is a no-op.
func (s *VersioningSet) Erase(state *VersionState) {
	if _, ok := s.MaskFor(state); !ok {
		return
	}
	s.eraseEntry(state)
	s.recomputeValid()
}

func (s *VersioningSet) eraseEntry(state *VersionState) {
	if s.multi != nil {
		delete(s.multi, state)
	} else if s.single == state {
		s.single, s.singleMask = nil, FieldMask{}
	}
	state.removeReference()
}

// Clear removes every entry, dropping all references.
func (s *VersioningSet) Clear() {
	if s.multi != nil {
		for st := range s.multi {
			st.removeReference()
		}
		s.multi = make(map[*VersionState]FieldMask)
	} else if s.single != nil {
		s.single.removeReference()
		s.single, s.singleMask = nil, FieldMask{}
	}
	s.validFields = FieldMask{}
}

// Filter removes the given fields from every member, erasing members left
// with no fields. If removed is non-nil it is called with each member's
// removed portion before any erasure.
func (s *VersioningSet) Filter(mask FieldMask, removed func(*VersionState, FieldMask)) {
	if !s.validFields.Overlaps(mask) {
		return
	}
	if s.multi == nil {
		if s.single != nil && s.singleMask.Overlaps(mask) {
			overlap := s.singleMask.Intersect(mask)
			if removed != nil {
				removed(s.single, overlap)
			}
			s.singleMask.SubtractWith(mask)
			if s.singleMask.Empty() {
				s.eraseEntry(s.single)
			}
		}
	} else {
		var dead []*VersionState
		for st, m := range s.multi {
			if !m.Overlaps(mask) {
				continue
			}
			overlap := m.Intersect(mask)
			if removed != nil {
				removed(st, overlap)
			}
			m.SubtractWith(mask)
			if m.Empty() {
				dead = append(dead, st)
			} else {
				s.multi[st] = m
			}
		}
		for _, st := range dead {
			s.eraseEntry(st)
		}
	}
	s.recomputeValid()
}

// Move transfers all entries to other, handing each entry's reference to
// the destination and leaving this set empty. If the destination already
// holds a state its existing reference covers the merged entry and the
// transferred one is dropped. Used when a computed set is handed off to a
// longer-lived container.
func (s *VersioningSet) Move(other *VersioningSet) {
	s.Iterate(func(st *VersionState, m FieldMask) bool {
		other.Insert(st, m)
		st.removeReference()
		return true
	})
	s.single, s.singleMask = nil, FieldMask{}
	s.multi = nil
	s.validFields = FieldMask{}
}

// Iterate visits each (state, mask) entry. Iteration order is
// unspecified but stable while the set is not mutated; fn may not mutate
// the set. Returning false stops early.
func (s *VersioningSet) Iterate(fn func(*VersionState, FieldMask) bool) {
	if s.multi != nil {
		for st, m := range s.multi {
			if !fn(st, m) {
				return
			}
		}
		return
	}
	if s.single != nil {
		fn(s.single, s.singleMask)
	}
}

func (s *VersioningSet) recomputeValid() {
	var v FieldMask
	s.Iterate(func(_ *VersionState, m FieldMask) bool {
		v.UnionWith(m)
		return true
	})
	s.validFields = v
}

// sanityCheck verifies field disjointness and the cached valid mask.
func (s *VersioningSet) sanityCheck() error {
	var seen, union FieldMask
	var err error
	s.Iterate(func(st *VersionState, m FieldMask) bool {
		if m.Empty() {
			err = errors.Errorf("versioning set entry %d has empty mask", st.did)
			return false
		}
		if seen.Overlaps(m) {
			err = errors.Errorf("versioning set entries share fields %s", seen.Intersect(m))
			return false
		}
		seen.UnionWith(m)
		union.UnionWith(m)
		return true
	})
	if err != nil {
		return err
	}
	if union != s.validFields {
		return errors.Errorf("cached valid mask %s != member union %s", s.validFields, union)
	}
	return nil
}
