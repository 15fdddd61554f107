// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, space AddressSpaceID, net *ChannelNetwork) *Runtime {
	t.Helper()
	tr := net.Transport(space)
	rt := NewRuntime(space, tr)
	tr.Bind(rt)
	rt.Open()
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("closing runtime for space %d: %v", space, err)
		}
	})
	return rt
}

func newTestState(rt *Runtime, node *RegionTreeNode, vid VersionID) *VersionState {
	st, _ := rt.findOrCreateVersionState(node, vid, rt.makeDistributedID())
	return st
}

func TestVersioningSet_InsertKeepsFieldsDisjoint(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	a := newTestState(rt, node, 1)
	b := newTestState(rt, node, 2)

	var s VersioningSet
	require.True(t, s.Insert(a, NewFieldMask(0, 1, 2)))
	require.True(t, s.Insert(b, NewFieldMask(2, 3)))

	// Field 2 must have been stolen from a.
	am, ok := s.MaskFor(a)
	require.True(t, ok)
	assert.Equal(t, NewFieldMask(0, 1), am)
	bm, ok := s.MaskFor(b)
	require.True(t, ok)
	assert.Equal(t, NewFieldMask(2, 3), bm)
	assert.Equal(t, NewFieldMask(0, 1, 2, 3), s.ValidMask())
	require.NoError(t, s.sanityCheck())

	// Re-inserting an existing member extends, not re-adds.
	require.False(t, s.Insert(b, NewFieldMask(4)))
	assert.Equal(t, 2, s.Size())
	s.Clear()
}

func TestVersioningSet_SingleToMultiPromotion(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	var s VersioningSet
	a := newTestState(rt, node, 1)
	s.Insert(a, NewFieldMask(0))
	require.Equal(t, 1, s.Size())
	require.Nil(t, s.multi)

	b := newTestState(rt, node, 2)
	s.Insert(b, NewFieldMask(1))
	require.Equal(t, 2, s.Size())
	require.NotNil(t, s.multi)

	// Never demotes.
	s.Erase(b)
	require.Equal(t, 1, s.Size())
	require.NotNil(t, s.multi)
	s.Clear()
}

func TestVersioningSet_ReferenceCounting(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	st := newTestState(rt, node, 1)
	did := st.DID()

	var s1, s2 VersioningSet
	s1.Insert(st, NewFieldMask(0, 1))
	s2.Insert(st, NewFieldMask(2))
	local, _ := st.refCount()
	require.Equal(t, 2, local)

	s1.Clear()
	local, _ = st.refCount()
	require.Equal(t, 1, local)
	require.NotNil(t, rt.lookupState(did))

	// Dropping the last reference collects the state.
	s2.Erase(st)
	require.Nil(t, rt.lookupState(did))
}

func TestVersioningSet_FilterAndMove(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	a := newTestState(rt, node, 1)
	b := newTestState(rt, node, 2)

	var s VersioningSet
	s.Insert(a, NewFieldMask(0, 1))
	s.Insert(b, NewFieldMask(2, 3))

	var removed []FieldMask
	s.Filter(NewFieldMask(1, 2), func(st *VersionState, m FieldMask) {
		removed = append(removed, m)
	})
	require.Len(t, removed, 2)
	assert.Equal(t, NewFieldMask(0, 3), s.ValidMask())
	require.NoError(t, s.sanityCheck())

	var dst VersioningSet
	s.Move(&dst)
	assert.True(t, s.Empty())
	assert.Equal(t, NewFieldMask(0, 3), dst.ValidMask())
	// Move transferred the references; states stay alive.
	require.NotNil(t, rt.lookupState(a.DID()))
	dst.Clear()
	require.Nil(t, rt.lookupState(a.DID()))
}

func TestVersioningSet_MoveIntoOverlappingSet(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	st := newTestState(rt, node, 1)
	did := st.DID()

	var src, dst VersioningSet
	src.Insert(st, NewFieldMask(0))
	dst.Insert(st, NewFieldMask(1))
	local, _ := st.refCount()
	require.Equal(t, 2, local)

	// The destination already holds the state: the moved entry collapses
	// into its existing one and the redundant reference is dropped.
	src.Move(&dst)
	require.True(t, src.Empty())
	m, ok := dst.MaskFor(st)
	require.True(t, ok)
	assert.Equal(t, NewFieldMask(0, 1), m)
	local, _ = st.refCount()
	require.Equal(t, 1, local)

	// The destination's reference is the last one left.
	dst.Clear()
	require.Nil(t, rt.lookupState(did))
}

func TestVersioningSet_InsertAfterDefersReference(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	st := newTestState(rt, node, 1)
	// Pin the state so the deferred reference is not its only one.
	var pin VersioningSet
	pin.Insert(st, NewFieldMask(9))

	pre := NewUserEvent()
	var s VersioningSet
	done := s.InsertAfter(rt, st, NewFieldMask(0), pre.Event)
	require.True(t, done.Exists())

	// Entry is visible immediately.
	m, ok := s.MaskFor(st)
	require.True(t, ok)
	assert.Equal(t, NewFieldMask(0), m)
	local, _ := st.refCount()
	assert.Equal(t, 1, local)

	pre.Trigger()
	done.Wait()
	// The reference lands via the work queue after the trigger.
	require.Eventually(t, func() bool {
		local, _ := st.refCount()
		return local == 2
	}, time.Second, time.Millisecond)
	s.Clear()
	pin.Clear()
}

func TestVersioningSet_RandomizedDisjointness(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	rng := rand.New(rand.NewSource(42))
	states := make([]*VersionState, 8)
	var pin VersioningSet
	for i := range states {
		states[i] = newTestState(rt, node, VersionID(i+1))
		// Pin so erasure in the loop never collects a state we reuse.
		pin.Insert(states[i], NewFieldMask(100+i))
	}
	defer pin.Clear()

	var s VersioningSet
	for i := 0; i < 500; i++ {
		st := states[rng.Intn(len(states))]
		var m FieldMask
		for j := 0; j < 4; j++ {
			m.Set(rng.Intn(64))
		}
		if rng.Intn(5) == 0 {
			s.Erase(st)
		} else {
			s.Insert(st, m)
		}
		require.NoError(t, s.sanityCheck())
	}
	s.Clear()
}
