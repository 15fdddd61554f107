// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"strings"
	"testing"
	"time"

	"github.com/molecula/lattice/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionManager_FirstAdvanceCreatesVersionOne(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0, 1), rt.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	v, ok := mgr.currentVersionOf(0)
	require.True(t, ok)
	assert.Equal(t, initVersion, v)
}

func TestVersionManager_VersionsIncreaseMonotonically(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	uid := rt.MakeUniqueID()
	last := VersionID(0)
	for i := 0; i < 5; i++ {
		var applied EventSet
		mgr.AdvanceVersions(NewFieldMask(3), uid, false, 0, false, 0, &applied)
		applied.Wait()
		v, ok := mgr.currentVersionOf(3)
		require.True(t, ok)
		require.Greater(t, v, last)
		last = v
	}
	assert.Equal(t, VersionID(5), last)
}

func TestVersionManager_PartialFieldAdvance(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	uid := rt.MakeUniqueID()
	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0, 1), uid, false, 0, false, 0, &applied)
	mgr.AdvanceVersions(NewFieldMask(1), uid, false, 0, false, 0, &applied)
	applied.Wait()

	v0, ok := mgr.currentVersionOf(0)
	require.True(t, ok)
	v1, ok := mgr.currentVersionOf(1)
	require.True(t, ok)
	assert.Equal(t, VersionID(1), v0)
	assert.Equal(t, VersionID(2), v1)
}

func TestVersionManager_EpochDeduplicatesAdvances(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	uid := rt.MakeUniqueID()
	// Two points of the same index operation request the same advance.
	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0, 1), uid, false, 0, true, 7, &applied)
	mgr.AdvanceVersions(NewFieldMask(0, 1), uid, false, 0, true, 7, &applied)
	applied.Wait()

	v, ok := mgr.currentVersionOf(0)
	require.True(t, ok)
	assert.Equal(t, VersionID(1), v, "deduplicated advance must apply once")

	// A different epoch advances again.
	var applied2 EventSet
	mgr.AdvanceVersions(NewFieldMask(0, 1), uid, false, 0, true, 8, &applied2)
	applied2.Wait()
	v, _ = mgr.currentVersionOf(0)
	assert.Equal(t, VersionID(2), v)

	// Partial overlap: only the uncovered fields advance.
	var applied3 EventSet
	mgr.AdvanceVersions(NewFieldMask(1, 2), uid, false, 0, true, 8, &applied3)
	applied3.Wait()
	v1, _ := mgr.currentVersionOf(1)
	v2, _ := mgr.currentVersionOf(2)
	assert.Equal(t, VersionID(2), v1, "field already advanced in epoch 8 must not advance again")
	assert.Equal(t, VersionID(1), v2)
}

func TestVersionManager_AdvanceRetiresSupersededPrevious(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	uid := rt.MakeUniqueID()
	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0), uid, false, 0, false, 0, &applied)
	mgr.AdvanceVersions(NewFieldMask(0), uid, false, 0, false, 0, &applied)
	applied.Wait()

	// The retired version 1 state is readable until the next advance.
	var supersededDID DistributedID
	mgr.mu.Lock()
	require.Len(t, mgr.previous, 1)
	mgr.previous[initVersion].Iterate(func(st *VersionState, _ FieldMask) bool {
		supersededDID = st.DID()
		return true
	})
	mgr.mu.Unlock()
	require.NotNil(t, rt.lookupState(supersededDID))

	var applied3 EventSet
	mgr.AdvanceVersions(NewFieldMask(0), uid, false, 0, false, 0, &applied3)
	applied3.Wait()

	// Only the newest retired version of a field stays in the previous
	// directory; the superseded entry's reference is released.
	mgr.mu.Lock()
	require.Len(t, mgr.previous, 1)
	_, ok := mgr.previous[VersionID(2)]
	mgr.mu.Unlock()
	require.True(t, ok)
	require.Nil(t, rt.lookupState(supersededDID), "superseded retired state must be collected")

	// A writer's read side sees the field under exactly one version.
	var vinfo VersionInfo
	var ready EventSet
	mgr.RecordAdvanceVersions(NewFieldMask(0), &vinfo, &ready)
	ready.Wait()
	fv := vinfo.GetFieldVersions(node.Depth())
	require.Len(t, fv, 1)
	assert.Equal(t, NewFieldMask(0), fv[VersionID(2)])
	vinfo.Clear()
}

func TestVersionManager_AdvanceRetiresOlderEpochs(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	uid := rt.MakeUniqueID()
	for epoch := EpochID(1); epoch <= 4; epoch++ {
		var applied EventSet
		mgr.AdvanceVersions(NewFieldMask(0), uid, true, epoch, true, epoch, &applied)
		applied.Wait()
	}

	// Newer epochs retire older table entries for the same fields, so a
	// long-lived context does not grow the dedup tables without bound.
	mgr.mu.Lock()
	opens, advancers := len(mgr.previousOpens), len(mgr.previousAdvancers)
	mgr.mu.Unlock()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, advancers)

	v, ok := mgr.currentVersionOf(0)
	require.True(t, ok)
	assert.Equal(t, VersionID(4), v)
}

func TestVersionManager_RecordCurrentFabricatesUnversioned(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	var vinfo VersionInfo
	var ready EventSet
	mgr.RecordCurrentVersions(NewFieldMask(0, 1), &vinfo, &ready)
	ready.Wait()

	fv := vinfo.GetFieldVersions(node.Depth())
	require.Len(t, fv, 1)
	assert.Equal(t, NewFieldMask(0, 1), fv[initVersion])
	vinfo.Clear()
}

func TestVersionManager_RecordAdvanceSeesBothSides(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	fields := NewFieldMask(0, 1)
	// Write some data at version 1 first.
	var applied EventSet
	mgr.AdvanceVersions(fields, rt.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	var vinfo VersionInfo
	var ready EventSet
	mgr.RecordAdvanceVersions(fields, &vinfo, &ready)
	ready.Wait()
	ps := vinfo.PhysicalState(node.Depth())
	require.NotNil(t, ps)
	// Version 1 is the write target; there is no previous data yet.
	assert.True(t, ps.versionStates.Empty())
	assert.Equal(t, fields, ps.advanceStates.ValidMask())
	vinfo.Clear()

	// After a second advance the old version is the read side.
	var applied2 EventSet
	mgr.AdvanceVersions(fields, rt.MakeUniqueID(), false, 0, false, 0, &applied2)
	applied2.Wait()

	var vinfo2 VersionInfo
	var ready2 EventSet
	mgr.RecordAdvanceVersions(fields, &vinfo2, &ready2)
	ready2.Wait()
	ps2 := vinfo2.PhysicalState(node.Depth())
	require.NotNil(t, ps2)
	assert.Equal(t, fields, ps2.versionStates.ValidMask())
	assert.Equal(t, fields, ps2.advanceStates.ValidMask())
	vinfo2.Clear()
}

func TestVersionManager_RemoteReadAndInvalidation(t *testing.T) {
	net := NewChannelNetwork()
	rt0 := newTestRuntime(t, 0, net)
	rt1 := newTestRuntime(t, 1, net)
	node0 := rt0.NewRegionTree(1)
	node1 := rt1.NewRegionTree(1)

	ctx0 := rt0.CreateContext()
	mgr0 := ctx0.VersionManager(node0)
	require.True(t, mgr0.IsOwner(), "creator touching first must own the node")

	var applied EventSet
	mgr0.AdvanceVersions(NewFieldMask(0, 1), rt0.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	// Remote read pulls the directory and state data across.
	ctx1 := rt1.JoinContext(ctx0.ID())
	mgr1 := ctx1.VersionManager(node1)
	var vinfo VersionInfo
	var ready EventSet
	mgr1.RecordCurrentVersions(NewFieldMask(0, 1), &vinfo, &ready)
	ready.Wait()
	v, ok := mgr1.currentVersionOf(0)
	require.True(t, ok)
	assert.Equal(t, VersionID(1), v)
	vinfo.Clear()

	// An owner advance revokes the remote cache before completing.
	var applied2 EventSet
	mgr0.AdvanceVersions(NewFieldMask(0, 1), rt0.MakeUniqueID(), false, 0, false, 0, &applied2)
	applied2.Wait()
	_, ok = mgr1.currentVersionOf(0)
	assert.False(t, ok, "invalidation must drop the remote's directory entries")

	// The next remote read observes the advanced version.
	var vinfo2 VersionInfo
	var ready2 EventSet
	mgr1.RecordCurrentVersions(NewFieldMask(0, 1), &vinfo2, &ready2)
	ready2.Wait()
	v, ok = mgr1.currentVersionOf(0)
	require.True(t, ok)
	assert.Equal(t, VersionID(2), v)
	vinfo2.Clear()
}

func TestVersionManager_RemoteAdvanceOrdersLaterReads(t *testing.T) {
	net := NewChannelNetwork()
	rt0 := newTestRuntime(t, 0, net)
	rt1 := newTestRuntime(t, 1, net)
	node0 := rt0.NewRegionTree(1)
	node1 := rt1.NewRegionTree(1)

	ctx0 := rt0.CreateContext()
	mgr0 := ctx0.VersionManager(node0)
	require.True(t, mgr0.IsOwner())

	var applied EventSet
	mgr0.AdvanceVersions(NewFieldMask(5), rt0.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	ctx1 := rt1.JoinContext(ctx0.ID())
	mgr1 := ctx1.VersionManager(node1)

	// Fire-and-continue: the advance returns immediately with an applied
	// event; the remote's own read is ordered behind it.
	var advApplied EventSet
	mgr1.AdvanceVersions(NewFieldMask(5), rt1.MakeUniqueID(), false, 0, false, 0, &advApplied)

	var vinfo VersionInfo
	var ready EventSet
	mgr1.RecordCurrentVersions(NewFieldMask(5), &vinfo, &ready)
	ready.Wait()
	v, ok := mgr1.currentVersionOf(5)
	require.True(t, ok)
	assert.Equal(t, VersionID(2), v, "read issued after a forwarded advance must see its result")
	advApplied.Wait()
	vinfo.Clear()

	// The owner observed the advance too.
	require.Eventually(t, func() bool {
		v, ok := mgr0.currentVersionOf(5)
		return ok && v == VersionID(2)
	}, time.Second, time.Millisecond)
}

func TestContext_DestroyReleasesStates(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0), rt.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	var did DistributedID
	mgr.mu.Lock()
	for _, set := range mgr.current {
		set.Iterate(func(st *VersionState, _ FieldMask) bool {
			did = st.DID()
			return true
		})
	}
	mgr.mu.Unlock()
	require.NotNil(t, rt.lookupState(did))

	ctx.Destroy()
	require.Nil(t, rt.lookupState(did), "context teardown must release directory references")
}

func TestVersionManager_OwnerAdvanceSendsOneInvalidation(t *testing.T) {
	stats := newRecordingStats()
	net := NewChannelNetwork()
	tr0 := net.Transport(0)
	rt0 := NewRuntime(0, tr0, OptRuntimeStats(stats))
	tr0.Bind(rt0)
	rt0.Open()
	t.Cleanup(func() { require.NoError(t, rt0.Close()) })
	rt1 := newTestRuntime(t, 1, net)

	node0 := rt0.NewRegionTree(1)
	node1 := rt1.NewRegionTree(1)
	ctx0 := rt0.CreateContext()
	mgr0 := ctx0.VersionManager(node0)
	require.True(t, mgr0.IsOwner())

	var applied EventSet
	mgr0.AdvanceVersions(NewFieldMask(0, 1), rt0.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	// One remote space caches both fields.
	ctx1 := rt1.JoinContext(ctx0.ID())
	mgr1 := ctx1.VersionManager(node1)
	var vinfo VersionInfo
	var ready EventSet
	mgr1.RecordCurrentVersions(NewFieldMask(0, 1), &vinfo, &ready)
	ready.Wait()
	vinfo.Clear()

	// Revoking the cache takes a single message covering both fields.
	var applied2 EventSet
	mgr0.AdvanceVersions(NewFieldMask(0, 1), rt0.MakeUniqueID(), false, 0, false, 0, &applied2)
	applied2.Wait()
	assert.Equal(t, int64(1), stats.count(MetricInvalidationsSent))
}

func TestVersionManager_ComputeAdvanceSplitMask(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	var vinfo VersionInfo
	var ready EventSet
	mgr.RecordCurrentVersions(NewFieldMask(0, 1), &vinfo, &ready)
	ready.Wait()

	// One field advances after the capture; the traversal straddles it.
	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0), rt.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	mgr.ComputeAdvanceSplitMask(&vinfo, NewFieldMask(0, 1))
	assert.Equal(t, NewFieldMask(0), vinfo.GetSplitMask(node.Depth()))
	vinfo.Clear()
}

func TestVersionManager_RecordPathOnlyVersions(t *testing.T) {
	rt := newTestRuntime(t, 0, NewChannelNetwork())
	node := rt.NewRegionTree(1)
	ctx := rt.CreateContext()
	mgr := ctx.VersionManager(node)

	var applied EventSet
	mgr.AdvanceVersions(NewFieldMask(0), rt.MakeUniqueID(), false, 0, false, 0, &applied)
	applied.Wait()

	var st *VersionState
	mgr.mu.Lock()
	for _, set := range mgr.current {
		set.Iterate(func(s *VersionState, _ FieldMask) bool {
			st = s
			return true
		})
	}
	mgr.mu.Unlock()
	require.NotNil(t, st)
	st.Initialize(NewFieldMask(0), []ViewInfo{{View: 11, Mask: NewFieldMask(0)}})

	var vinfo VersionInfo
	var ready EventSet
	mgr.RecordPathOnlyVersions(NewFieldMask(0), &vinfo, &ready)
	ready.Wait()

	// Pass-through nodes contribute their view tables but no dirty data.
	ps := vinfo.CaptureState(node.Depth())
	assert.True(t, ps.DirtyMask().Empty())
	assert.Equal(t, NewFieldMask(0), ps.ValidViews()[11])
	vinfo.Clear()
}

func TestVersionManager_LogsStuckForwardedAdvance(t *testing.T) {
	net := NewChannelNetwork()
	rt0 := newTestRuntime(t, 0, net)

	buf := logger.NewBufferLogger()
	tr1 := net.Transport(1)
	rt1 := NewRuntime(1, tr1,
		OptRuntimeLogger(buf),
		OptRuntimeAdvanceAckTimeout(10*time.Millisecond),
	)
	tr1.Bind(rt1)
	rt1.Open()
	t.Cleanup(func() { require.NoError(t, rt1.Close()) })

	node0 := rt0.NewRegionTree(1)
	node1 := rt1.NewRegionTree(1)
	ctx0 := rt0.CreateContext()
	mgr0 := ctx0.VersionManager(node0)
	require.True(t, mgr0.IsOwner())

	// Resolve ownership while the owner is still reachable.
	ctx1 := rt1.JoinContext(ctx0.ID())
	mgr1 := ctx1.VersionManager(node1)
	require.False(t, mgr1.IsOwner())

	// The owner goes away; the forwarded advance is never acknowledged.
	require.NoError(t, rt0.Close())
	var applied EventSet
	mgr1.AdvanceVersions(NewFieldMask(0), rt1.MakeUniqueID(), false, 0, false, 0, &applied)

	require.Eventually(t, func() bool {
		out, err := buf.ReadAll()
		return err == nil && strings.Contains(string(out), "unacknowledged")
	}, time.Second, 5*time.Millisecond)
}
