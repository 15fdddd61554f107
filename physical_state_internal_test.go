// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhysicalState_FilterViewsNarrowsScope(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	src := newTestState(rt, node, 1)
	var pin VersioningSet
	pin.Insert(src, NewFieldMask(50))
	defer pin.Clear()
	src.Initialize(NewFieldMask(0, 1, 2), []ViewInfo{
		{View: 5, Mask: NewFieldMask(0, 1)},
		{View: 6, Mask: NewFieldMask(2)},
		{View: 7, Mask: NewFieldMask(1), Reduction: true},
	})

	ps := NewPhysicalState(node)
	ps.AddVersionState(src, NewFieldMask(0, 1, 2))
	ps.CaptureState(false)

	ps.FilterViews(NewFieldMask(0, 1))
	assert.Equal(t, NewFieldMask(0, 1), ps.ValidViews()[5])
	_, kept := ps.ValidViews()[6]
	assert.False(t, kept, "view with no surviving fields is dropped")
	assert.Equal(t, NewFieldMask(0, 1), ps.DirtyMask())
	assert.Equal(t, NewFieldMask(1), ps.ReductionMask())
	ps.versionStates.Clear()
}

func TestPhysicalState_CloneTakesOwnReferences(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)

	src := newTestState(rt, node, 1)
	adv := newTestState(rt, node, 2)
	var pin VersioningSet
	pin.Insert(src, NewFieldMask(50))
	pin.Insert(adv, NewFieldMask(51))
	defer pin.Clear()

	ps := NewPhysicalState(node)
	ps.AddVersionState(src, NewFieldMask(0, 1))
	ps.AddAdvanceState(adv, NewFieldMask(0, 1))

	clone := ps.Clone(NewFieldMask(1))
	m, ok := clone.versionStates.MaskFor(src)
	require.True(t, ok)
	assert.Equal(t, NewFieldMask(1), m)
	m, ok = clone.advanceStates.MaskFor(adv)
	require.True(t, ok)
	assert.Equal(t, NewFieldMask(1), m)

	// pin, ps, and the clone each hold one.
	local, _ := src.refCount()
	assert.Equal(t, 3, local)

	// A disjoint mask clones nothing.
	empty := ps.Clone(NewFieldMask(9))
	assert.True(t, empty.versionStates.Empty())
	assert.True(t, empty.advanceStates.Empty())

	clone.versionStates.Clear()
	clone.advanceStates.Clear()
	ps.versionStates.Clear()
	ps.advanceStates.Clear()
}
