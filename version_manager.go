// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"sync"
	"time"
)

// VersionManager is the per-(context, node) authority on version numbers.
// Exactly one space owns each manager's version history; ownership is
// assigned to the first space that asks (arbitrated by the context's
// creator space) and never moves. The owner holds the authoritative
// current and previous version directories; every other space holds a
// cached copy whose validity is tracked field by field and revoked by
// invalidation when the owner advances.
//
// The Record*/Advance entry points may block waiting for remote state and
// must not be called from the runtime work queue. Message handlers never
// block.
type VersionManager struct {
	rt    *Runtime
	ctx   *Context
	node  *RegionTreeNode
	depth int

	mu sync.Mutex

	ownerKnown bool
	owner      AddressSpaceID
	ownerWait  Event

	// The version directory: which VersionState covers which fields at
	// each version number. previous holds versions advanced past that
	// in-flight writers still read from.
	current  map[VersionID]*VersioningSet
	previous map[VersionID]*VersioningSet

	// Remote-side cache validity: fields whose directory entries here
	// mirror the owner, and fields the owner reported as unversioned.
	remoteValidFields FieldMask
	unversionedFields FieldMask

	// Owner-side: which spaces cache directory info, and for which
	// fields. Entries are revoked by invalidation on advance.
	remoteValid map[AddressSpaceID]FieldMask

	// Remote-side: advances forwarded to the owner but not yet
	// acknowledged. Reads of overlapping fields wait on these so an
	// advance issued before a read is ordered before it.
	pendingAdvances       []pendingAdvance
	pendingAdvanceSummary FieldMask

	// Owner-side epoch tables: one advance per (logical context, epoch)
	// no matter how many points of an index operation request it.
	previousOpens     map[projectionEpoch]epochAdvance
	previousAdvancers map[projectionEpoch]epochAdvance

	// In-flight directory requests, for dedup on overlapping reads.
	outstanding map[EventID]outstandingReq
}

type projectionEpoch struct {
	ctx   UniqueID
	epoch EpochID
}

type epochAdvance struct {
	mask    FieldMask
	applied Event
}

type pendingAdvance struct {
	mask FieldMask
	ev   Event
}

type outstandingReq struct {
	mask FieldMask
	ev   Event
}

func newVersionManager(rt *Runtime, ctx *Context, node *RegionTreeNode) *VersionManager {
	return &VersionManager{
		rt:                rt,
		ctx:               ctx,
		node:              node,
		depth:             node.Depth(),
		current:           make(map[VersionID]*VersioningSet),
		previous:          make(map[VersionID]*VersioningSet),
		remoteValid:       make(map[AddressSpaceID]FieldMask),
		previousOpens:     make(map[projectionEpoch]epochAdvance),
		previousAdvancers: make(map[projectionEpoch]epochAdvance),
		outstanding:       make(map[EventID]outstandingReq),
	}
}

// Node returns the region-tree node this manager versions.
func (m *VersionManager) Node() *RegionTreeNode { return m.node }

// IsOwner reports whether this space owns the version history. It may
// block on first call while ownership is arbitrated.
func (m *VersionManager) IsOwner() bool {
	return m.resolveOwner() == m.rt.space
}

// resolveOwner returns the owning space, arbitrating first touch through
// the context's creator on first call. This is a one-time rendezvous: it
// may block on the creator's response, after which the answer is cached
// for the manager's lifetime.
func (m *VersionManager) resolveOwner() AddressSpaceID {
	for {
		m.mu.Lock()
		if m.ownerKnown {
			owner := m.owner
			m.mu.Unlock()
			return owner
		}
		if m.ownerWait.Exists() {
			wait := m.ownerWait
			m.mu.Unlock()
			wait.Wait()
			continue
		}
		creator := m.ctx.Creator()
		if creator == m.rt.space {
			m.mu.Unlock()
			owner := m.ctx.firstTouch(m.node.ID(), m.rt.space)
			m.mu.Lock()
			m.owner = owner
			m.ownerKnown = true
			m.mu.Unlock()
			return owner
		}
		done := NewUserEvent()
		id := m.rt.registerEvent(done)
		m.ownerWait = done.Event
		m.mu.Unlock()
		m.rt.send(creator, &OwnerRequest{
			Ctx:    m.ctx.ID(),
			Node:   m.node.ID(),
			Source: m.rt.space,
			Done:   id,
		})
		done.Wait()
	}
}

// handleOwnerResponse caches the arbitration result.
func (m *VersionManager) handleOwnerResponse(resp *OwnerResponse) {
	m.mu.Lock()
	m.owner = resp.Owner
	m.ownerKnown = true
	m.ownerWait = NoEvent
	m.mu.Unlock()
	m.rt.triggerEvent(resp.Done)
}

// markOwner records that this space is the owner without arbitration.
// Called by handlers for messages that are only ever addressed to the
// owner, so they never have to block on resolveOwner.
func (m *VersionManager) markOwner() {
	m.mu.Lock()
	if !m.ownerKnown {
		m.owner = m.rt.space
		m.ownerKnown = true
	}
	m.mu.Unlock()
}

// ensureLocalDirectory blocks until this space's directory cache is valid
// for mask. It orders reads behind any advances this space has forwarded
// to the owner, dedups in-flight requests for overlapping fields, and
// re-checks after every wait since an invalidation can race in.
func (m *VersionManager) ensureLocalDirectory(mask FieldMask) {
	owner := m.resolveOwner()
	if owner == m.rt.space {
		return
	}
	for {
		var waits EventSet
		m.mu.Lock()
		m.reclaimPendingAdvances()
		for _, pa := range m.pendingAdvances {
			if pa.mask.Overlaps(mask) {
				waits.Add(pa.ev)
			}
		}
		needed := mask.Difference(m.remoteValidFields)
		for _, o := range m.outstanding {
			if o.mask.Overlaps(needed) {
				waits.Add(o.ev)
				needed.SubtractWith(o.mask)
			}
		}
		if !needed.Empty() {
			done := NewUserEvent()
			id := m.rt.registerEvent(done)
			m.outstanding[id] = outstandingReq{mask: needed, ev: done.Event}
			m.mu.Unlock()
			m.rt.send(owner, &VersionRequest{
				Ctx:    m.ctx.ID(),
				Node:   m.node.ID(),
				Source: m.rt.space,
				Mask:   needed,
				Done:   id,
			})
			waits.Add(done.Event)
			waits.Wait()
			continue
		}
		m.mu.Unlock()
		if waits.Empty() {
			return
		}
		waits.Wait()
	}
}

// reclaimPendingAdvances drops acknowledged advances; callers hold m.mu.
func (m *VersionManager) reclaimPendingAdvances() {
	if len(m.pendingAdvances) == 0 {
		return
	}
	kept := m.pendingAdvances[:0]
	var summary FieldMask
	for _, pa := range m.pendingAdvances {
		if pa.ev.HasTriggered() {
			continue
		}
		kept = append(kept, pa)
		summary.UnionWith(pa.mask)
	}
	m.pendingAdvances = kept
	m.pendingAdvanceSummary = summary
}

// ensureVersioned blocks until every field in mask has a current version
// directory entry, fabricating empty states at the initial version for
// fields never written anywhere. The owner fabricates directly; a remote
// manager asks the owner so the fabricated identity is unique.
func (m *VersionManager) ensureVersioned(mask FieldMask) {
	owner := m.resolveOwner()
	for {
		m.mu.Lock()
		missing := mask
		for _, set := range m.current {
			missing.SubtractWith(set.ValidMask())
		}
		if missing.Empty() {
			m.mu.Unlock()
			return
		}
		if owner == m.rt.space {
			m.fabricateUnversioned(missing)
			m.mu.Unlock()
			return
		}
		var waits EventSet
		for _, o := range m.outstanding {
			if o.mask.Overlaps(missing) {
				waits.Add(o.ev)
				missing.SubtractWith(o.mask)
			}
		}
		if !missing.Empty() {
			done := NewUserEvent()
			id := m.rt.registerEvent(done)
			m.outstanding[id] = outstandingReq{mask: missing, ev: done.Event}
			m.mu.Unlock()
			m.rt.send(owner, &UnversionedRequest{
				Ctx:    m.ctx.ID(),
				Node:   m.node.ID(),
				Source: m.rt.space,
				Mask:   missing,
				Done:   id,
			})
			waits.Add(done.Event)
			waits.Wait()
			continue
		}
		m.mu.Unlock()
		waits.Wait()
	}
}

// fabricateUnversioned creates an initial-version state covering mask.
// Callers hold m.mu and have verified the fields have no entry.
func (m *VersionManager) fabricateUnversioned(mask FieldMask) {
	st, _ := m.rt.findOrCreateVersionState(m.node, initVersion, m.rt.makeDistributedID())
	set, ok := m.current[initVersion]
	if !ok {
		set = &VersioningSet{}
		m.current[initVersion] = set
	}
	set.Insert(st, mask)
	m.unversionedFields.SubtractWith(mask)
}

// RecordCurrentVersions captures the current version directory for mask
// into vinfo for a read-only traversal and requests enough of each state
// to be locally readable; ready collects the transfer preconditions. May
// block fetching the directory.
func (m *VersionManager) RecordCurrentVersions(mask FieldMask, vinfo *VersionInfo, ready *EventSet) {
	m.ensureLocalDirectory(mask)
	m.ensureVersioned(mask)

	vinfo.Resize(m.depth)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.current {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(mask); !overlap.Empty() {
				vinfo.AddCurrentVersion(m.depth, st, overlap, false)
				st.RequestInitialVersionState(m.ctx, overlap, ready)
			}
			return true
		})
	}
}

// RecordAdvanceVersions captures both sides of a write: the
// previous-version states the writer reads (fetched in full, since they
// are being closed out) and the advanced current states it writes into.
// AdvanceVersions for mask must have happened first.
func (m *VersionManager) RecordAdvanceVersions(mask FieldMask, vinfo *VersionInfo, ready *EventSet) {
	m.ensureLocalDirectory(mask)
	m.ensureVersioned(mask)

	vinfo.Resize(m.depth)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.previous {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(mask); !overlap.Empty() {
				vinfo.AddCurrentVersion(m.depth, st, overlap, false)
				st.RequestFinalVersionState(m.ctx, overlap, ready)
			}
			return true
		})
	}
	for _, set := range m.current {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(mask); !overlap.Empty() {
				vinfo.AddAdvanceVersion(m.depth, st, overlap)
				st.RequestInitialVersionState(m.ctx, overlap, ready)
			}
			return true
		})
	}
}

// RecordPathOnlyVersions captures the current directory for a node the
// traversal merely passes through: view tables only, no dirty below.
func (m *VersionManager) RecordPathOnlyVersions(mask FieldMask, vinfo *VersionInfo, ready *EventSet) {
	m.ensureLocalDirectory(mask)
	m.ensureVersioned(mask)

	vinfo.Resize(m.depth)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.current {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(mask); !overlap.Empty() {
				vinfo.AddCurrentVersion(m.depth, st, overlap, true)
				st.RequestInitialVersionState(m.ctx, overlap, ready)
			}
			return true
		})
	}
}

// AdvanceVersions bumps the version number for mask. On the owner the
// advance applies immediately: current entries move to the previous map,
// fresh states are created one version up (unversioned fields start at
// the initial version), and every space caching the fields is
// invalidated. A non-owner forwards the advance and continues without
// waiting; its later reads of the fields are ordered behind the
// acknowledgment. applied collects the events that mark the advance,
// including its invalidations, as globally applied.
//
// When dedupOpens/dedupAdvances is set, an advance already performed for
// the same (logicalCtx, epoch) is not repeated for the overlapping
// fields; the caller instead observes the prior advance's applied event.
func (m *VersionManager) AdvanceVersions(mask FieldMask, logicalCtx UniqueID,
	dedupOpens bool, openEpoch EpochID,
	dedupAdvances bool, advanceEpoch EpochID,
	applied *EventSet) {

	owner := m.resolveOwner()
	if owner != m.rt.space {
		done := NewUserEvent()
		id := m.rt.registerEvent(done)
		m.mu.Lock()
		m.reclaimPendingAdvances()
		m.pendingAdvances = append(m.pendingAdvances, pendingAdvance{mask: mask, ev: done.Event})
		m.pendingAdvanceSummary.UnionWith(mask)
		m.mu.Unlock()
		m.rt.send(owner, &RemoteAdvance{
			Ctx:           m.ctx.ID(),
			Node:          m.node.ID(),
			Source:        m.rt.space,
			Mask:          mask,
			LogicalCtx:    logicalCtx,
			DedupOpens:    dedupOpens,
			OpenEpoch:     openEpoch,
			DedupAdvances: dedupAdvances,
			AdvanceEpoch:  advanceEpoch,
			Done:          id,
		})
		applied.Add(done.Event)
		if timeout := m.rt.advanceAckTimeout; timeout > 0 {
			ev := done.Event
			nodeID := m.node.ID()
			time.AfterFunc(timeout, func() {
				if !ev.HasTriggered() {
					m.rt.logger.Warnf("advance of node %d fields %s forwarded to space %d unacknowledged after %s",
						nodeID, mask, owner, timeout)
				}
			})
		}
		return
	}

	m.mu.Lock()
	work := mask
	openKey := projectionEpoch{ctx: logicalCtx, epoch: openEpoch}
	advanceKey := projectionEpoch{ctx: logicalCtx, epoch: advanceEpoch}
	if dedupOpens {
		if prior, ok := m.previousOpens[openKey]; ok {
			if overlap := prior.mask.Intersect(work); !overlap.Empty() {
				applied.Add(prior.applied)
				work.SubtractWith(prior.mask)
			}
		}
	}
	if dedupAdvances {
		if prior, ok := m.previousAdvancers[advanceKey]; ok {
			if overlap := prior.mask.Intersect(work); !overlap.Empty() {
				applied.Add(prior.applied)
				work.SubtractWith(prior.mask)
			}
		}
	}
	if work.Empty() {
		m.mu.Unlock()
		return
	}

	advanceDone := NewUserEvent()
	applied.Add(advanceDone.Event)
	if dedupOpens {
		prior := m.previousOpens[openKey]
		m.previousOpens[openKey] = epochAdvance{
			mask:    prior.mask.Union(work),
			applied: MergeEvents(prior.applied, advanceDone.Event),
		}
	}
	if dedupAdvances {
		prior := m.previousAdvancers[advanceKey]
		m.previousAdvancers[advanceKey] = epochAdvance{
			mask:    prior.mask.Union(work),
			applied: MergeEvents(prior.applied, advanceDone.Event),
		}
	}
	// Program order means older epochs of the same logical context can
	// no longer dedup against these fields; retire their entries so the
	// tables do not grow with context lifetime.
	if dedupOpens {
		m.retireEpochs(m.previousOpens, logicalCtx, openEpoch, work)
	}
	if dedupAdvances {
		m.retireEpochs(m.previousAdvancers, logicalCtx, advanceEpoch, work)
	}

	// Only the newest retired version of a field stays readable: drop
	// superseded previous entries for the advanced fields, releasing the
	// references the directory held on them.
	for v, set := range m.previous {
		set.Filter(work, nil)
		if set.Empty() {
			delete(m.previous, v)
		}
	}

	// Move the advanced fields' entries into the previous map and mint
	// successors one version up, field group by field group.
	moved := make(map[VersionID]FieldMask)
	for v, set := range m.current {
		if !set.ValidMask().Overlaps(work) {
			continue
		}
		prev, ok := m.previous[v]
		if !ok {
			prev = &VersioningSet{}
			m.previous[v] = prev
		}
		set.Filter(work, func(st *VersionState, fm FieldMask) {
			prev.Insert(st, fm)
			moved[v] = moved[v].Union(fm)
		})
		if set.Empty() {
			delete(m.current, v)
		}
	}
	unadvanced := work
	for v, fm := range moved {
		st, _ := m.rt.findOrCreateVersionState(m.node, v+1, m.rt.makeDistributedID())
		set, ok := m.current[v+1]
		if !ok {
			set = &VersioningSet{}
			m.current[v+1] = set
		}
		set.Insert(st, fm)
		unadvanced.SubtractWith(fm)
	}
	if !unadvanced.Empty() {
		m.fabricateUnversioned(unadvanced)
	}

	// Revoke every remote cache of the advanced fields. The advance is
	// applied once all revocations are acknowledged.
	type invalidation struct {
		space AddressSpaceID
		mask  FieldMask
		done  EventID
	}
	var invs []invalidation
	var acks EventSet
	for space, rm := range m.remoteValid {
		overlap := rm.Intersect(work)
		if overlap.Empty() {
			continue
		}
		done := NewUserEvent()
		id := m.rt.registerEvent(done)
		acks.Add(done.Event)
		invs = append(invs, invalidation{space: space, mask: overlap, done: id})
		rm.SubtractWith(work)
		if rm.Empty() {
			delete(m.remoteValid, space)
		} else {
			m.remoteValid[space] = rm
		}
	}
	m.mu.Unlock()

	for _, inv := range invs {
		m.rt.send(inv.space, &Invalidate{
			Ctx:    m.ctx.ID(),
			Node:   m.node.ID(),
			Source: m.rt.space,
			Mask:   inv.mask,
			Done:   inv.done,
		})
	}
	m.rt.stats.Count(MetricAdvancesApplied, 1, 1.0)
	if len(invs) > 0 {
		m.rt.stats.Count(MetricInvalidationsSent, int64(len(invs)), 1.0)
	}
	advanceDone.TriggerAfter(acks.Merge())
}

// retireEpochs drops mask's fields from every table entry older than
// epoch within the same logical context; callers hold m.mu.
func (m *VersionManager) retireEpochs(table map[projectionEpoch]epochAdvance, logicalCtx UniqueID, epoch EpochID, mask FieldMask) {
	for key, prior := range table {
		if key.ctx != logicalCtx || key.epoch >= epoch {
			continue
		}
		prior.mask.SubtractWith(mask)
		if prior.mask.Empty() {
			delete(table, key)
		} else {
			table[key] = prior
		}
	}
}

// ComputeAdvanceSplitMask records the fields whose version here has moved
// past what vinfo captured at this depth: the traversal straddles an
// advance for those fields and must treat them as split.
func (m *VersionManager) ComputeAdvanceSplitMask(vinfo *VersionInfo, mask FieldMask) {
	captured := vinfo.GetFieldVersions(m.depth)
	var split FieldMask
	m.mu.Lock()
	for v, set := range m.current {
		overlap := set.ValidMask().Intersect(mask)
		if overlap.Empty() {
			continue
		}
		for cv, cm := range captured {
			if cv < v {
				split.UnionWith(cm.Intersect(overlap))
			}
		}
	}
	m.mu.Unlock()
	if !split.Empty() {
		vinfo.RecordSplitFields(m.depth, split)
	}
}

// invalidateVersionInfos drops every directory entry overlapping mask,
// releasing the references the directory held, and marks the fields as
// no longer locally valid.
func (m *VersionManager) invalidateVersionInfos(mask FieldMask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, set := range m.current {
		set.Filter(mask, nil)
		if set.Empty() {
			delete(m.current, v)
		}
	}
	for v, set := range m.previous {
		set.Filter(mask, nil)
		if set.Empty() {
			delete(m.previous, v)
		}
	}
	m.remoteValidFields.SubtractWith(mask)
	m.unversionedFields.SubtractWith(mask)
}

// handleVersionRequest serves the directory for mask to a remote space;
// owner side of ensureLocalDirectory.
func (m *VersionManager) handleVersionRequest(req *VersionRequest) {
	m.markOwner()
	m.mu.Lock()
	var infos, prev []StateInfo
	var satisfied FieldMask
	for v, set := range m.current {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(req.Mask); !overlap.Empty() {
				infos = append(infos, StateInfo{DID: st.did, Version: v, Mask: overlap})
				satisfied.UnionWith(overlap)
			}
			return true
		})
	}
	for v, set := range m.previous {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(req.Mask); !overlap.Empty() {
				prev = append(prev, StateInfo{DID: st.did, Version: v, Mask: overlap})
			}
			return true
		})
	}
	unversioned := req.Mask.Difference(satisfied)
	m.remoteValid[req.Source] = m.remoteValid[req.Source].Union(req.Mask)
	m.mu.Unlock()

	m.rt.send(req.Source, &VersionResponse{
		Ctx:         m.ctx.ID(),
		Node:        m.node.ID(),
		Satisfied:   satisfied,
		Unversioned: unversioned,
		Infos:       infos,
		Prev:        prev,
		Done:        req.Done,
	})
}

// handleVersionResponse installs a directory snapshot from the owner.
func (m *VersionManager) handleVersionResponse(resp *VersionResponse) {
	m.mu.Lock()
	m.installInfos(m.current, resp.Infos)
	m.installInfos(m.previous, resp.Prev)
	m.remoteValidFields.UnionWith(resp.Satisfied)
	m.remoteValidFields.UnionWith(resp.Unversioned)
	m.unversionedFields.SubtractWith(resp.Satisfied)
	m.unversionedFields.UnionWith(resp.Unversioned)
	delete(m.outstanding, resp.Done)
	m.mu.Unlock()
	m.rt.triggerEvent(resp.Done)
}

// installInfos resolves directory entries to local states; callers hold
// m.mu.
func (m *VersionManager) installInfos(table map[VersionID]*VersioningSet, infos []StateInfo) {
	for _, info := range infos {
		st, _ := m.rt.findOrCreateVersionState(m.node, info.Version, info.DID)
		set, ok := table[info.Version]
		if !ok {
			set = &VersioningSet{}
			table[info.Version] = set
		}
		set.Insert(st, info.Mask)
	}
}

// handleUnversionedRequest finds or fabricates version entries for fields
// a remote reader found unversioned; owner side of ensureVersioned.
func (m *VersionManager) handleUnversionedRequest(req *UnversionedRequest) {
	m.markOwner()
	m.mu.Lock()
	var infos []StateInfo
	remaining := req.Mask
	for v, set := range m.current {
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(req.Mask); !overlap.Empty() {
				infos = append(infos, StateInfo{DID: st.did, Version: v, Mask: overlap})
				remaining.SubtractWith(overlap)
			}
			return true
		})
	}
	if !remaining.Empty() {
		m.fabricateUnversioned(remaining)
		set := m.current[initVersion]
		set.Iterate(func(st *VersionState, sm FieldMask) bool {
			if overlap := sm.Intersect(remaining); !overlap.Empty() {
				infos = append(infos, StateInfo{DID: st.did, Version: initVersion, Mask: overlap})
			}
			return true
		})
	}
	m.remoteValid[req.Source] = m.remoteValid[req.Source].Union(req.Mask)
	m.mu.Unlock()

	m.rt.send(req.Source, &UnversionedResponse{
		Ctx:   m.ctx.ID(),
		Node:  m.node.ID(),
		Mask:  req.Mask,
		Infos: infos,
		Done:  req.Done,
	})
}

// handleUnversionedResponse installs fabricated entries.
func (m *VersionManager) handleUnversionedResponse(resp *UnversionedResponse) {
	m.mu.Lock()
	m.installInfos(m.current, resp.Infos)
	m.remoteValidFields.UnionWith(resp.Mask)
	m.unversionedFields.SubtractWith(resp.Mask)
	delete(m.outstanding, resp.Done)
	m.mu.Unlock()
	m.rt.triggerEvent(resp.Done)
}

// handleRemoteInvalidate revokes this space's cache for the advanced
// fields and acknowledges.
func (m *VersionManager) handleRemoteInvalidate(inv *Invalidate) {
	m.invalidateVersionInfos(inv.Mask)
	m.rt.send(inv.Source, &InvalidateAck{Done: inv.Done})
}

// handleRemoteAdvance applies a forwarded advance on the owner and
// acknowledges once the advance, including its invalidations, is applied.
func (m *VersionManager) handleRemoteAdvance(req *RemoteAdvance) {
	m.markOwner()
	var applied EventSet
	m.AdvanceVersions(req.Mask, req.LogicalCtx,
		req.DedupOpens, req.OpenEpoch,
		req.DedupAdvances, req.AdvanceEpoch,
		&applied)
	source, done := req.Source, req.Done
	pre := applied.Merge()
	if pre.Exists() && !pre.HasTriggered() {
		m.rt.DeferAfter(pre, func() {
			m.rt.send(source, &RemoteAdvanceAck{Done: done})
		})
		return
	}
	m.rt.send(source, &RemoteAdvanceAck{Done: done})
}

// currentVersionOf reports the current version covering field, if any;
// used by tests.
func (m *VersionManager) currentVersionOf(field int) (VersionID, bool) {
	var mask FieldMask
	mask.Set(field)
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, set := range m.current {
		if set.ValidMask().Overlaps(mask) {
			return v, true
		}
	}
	return 0, false
}
