// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/molecula/lattice/logger"
	"github.com/pkg/errors"
)

// Runtime is the per-address-space host of the version protocol. It owns
// the registries shared by every context on this space (version states by
// distributed ID, region-tree nodes, in-flight cross-space events), the
// deferred-work queue, and the transport.
type Runtime struct {
	space      AddressSpaceID
	serializer Serializer
	transport  Transport
	logger     logger.Logger
	stats      StatsClient

	advanceAckTimeout time.Duration

	mu       sync.Mutex
	contexts map[ContextID]*Context
	states   map[DistributedID]*VersionState
	nodes    map[NodeID]*RegionTreeNode
	events   map[EventID]UserEvent

	didSeq   uint64
	eventSeq uint64
	ctxSeq   uint64
	uidSeq   uint64

	work    chan func()
	closing chan struct{}
	wg      sync.WaitGroup
	opened  bool
}

// RuntimeOption configures a Runtime at construction.
type RuntimeOption func(*Runtime)

// OptRuntimeLogger sets the runtime's logger. Defaults to logger.NopLogger.
func OptRuntimeLogger(l logger.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// OptRuntimeStats sets the runtime's stats client. Defaults to
// NopStatsClient.
func OptRuntimeStats(s StatsClient) RuntimeOption {
	return func(rt *Runtime) { rt.stats = s }
}

// OptRuntimeSerializer sets the message serializer. Defaults to
// WireSerializer.
func OptRuntimeSerializer(s Serializer) RuntimeOption {
	return func(rt *Runtime) { rt.serializer = s }
}

// OptRuntimeAdvanceAckTimeout bounds how long a forwarded advance may
// stay unacknowledged before it is logged as stuck. Zero disables the
// check. Defaults to DefaultAdvanceAckTimeout.
func OptRuntimeAdvanceAckTimeout(d time.Duration) RuntimeOption {
	return func(rt *Runtime) { rt.advanceAckTimeout = d }
}

// NewRuntime returns a runtime for the given address space. The transport
// must already be bound; call Open before use and Close when done.
func NewRuntime(space AddressSpaceID, transport Transport, opts ...RuntimeOption) *Runtime {
	if space >= MaxAddressSpaces {
		panic("address space id out of range")
	}
	rt := &Runtime{
		space:             space,
		serializer:        WireSerializer{},
		transport:         transport,
		logger:            logger.NopLogger,
		stats:             NopStatsClient,
		advanceAckTimeout: DefaultAdvanceAckTimeout,
		contexts:          make(map[ContextID]*Context),
		states:            make(map[DistributedID]*VersionState),
		nodes:             make(map[NodeID]*RegionTreeNode),
		events:            make(map[EventID]UserEvent),
		work:              make(chan func(), 1024),
		closing:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Space returns this runtime's address space.
func (rt *Runtime) Space() AddressSpaceID { return rt.space }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() logger.Logger { return rt.logger }

// Open starts the deferred-work queue.
func (rt *Runtime) Open() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.opened {
		return
	}
	rt.opened = true
	rt.wg.Add(1)
	go rt.workLoop()
	rt.logger.Debugf("runtime open: space %d", rt.space)
}

// Close drains the work queue and shuts the runtime down. Messages
// arriving after Close are dropped.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if !rt.opened {
		rt.mu.Unlock()
		return nil
	}
	rt.opened = false
	rt.mu.Unlock()
	close(rt.closing)
	rt.wg.Wait()
	return rt.transport.Close()
}

func (rt *Runtime) workLoop() {
	defer rt.wg.Done()
	for {
		select {
		case fn := <-rt.work:
			fn()
		case <-rt.closing:
			// Drain whatever is already queued.
			for {
				select {
				case fn := <-rt.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Defer queues fn on the runtime's work queue. Deferred items run one at
// a time in queue order.
func (rt *Runtime) Defer(fn func()) {
	select {
	case rt.work <- fn:
	case <-rt.closing:
	}
}

// DeferAfter queues fn to run after pre triggers.
func (rt *Runtime) DeferAfter(pre Event, fn func()) {
	if pre.HasTriggered() {
		rt.Defer(fn)
		return
	}
	go func() {
		select {
		case <-pre.Done():
			rt.Defer(fn)
		case <-rt.closing:
		}
	}()
}

// makeDistributedID allocates a DistributedID owned by this space.
func (rt *Runtime) makeDistributedID() DistributedID {
	seq := atomic.AddUint64(&rt.didSeq, 1)
	return DistributedID(seq<<spaceBits) | DistributedID(rt.space)
}

// MakeUniqueID allocates a UniqueID for a logical context on this space.
func (rt *Runtime) MakeUniqueID() UniqueID {
	seq := atomic.AddUint64(&rt.uidSeq, 1)
	return UniqueID(seq<<spaceBits) | UniqueID(rt.space)
}

// registerEvent parks a user event so a remote space can trigger it by ID.
func (rt *Runtime) registerEvent(ue UserEvent) EventID {
	id := EventID(atomic.AddUint64(&rt.eventSeq, 1))
	rt.mu.Lock()
	rt.events[id] = ue
	rt.mu.Unlock()
	return id
}

// takeEvent removes and returns a parked event.
func (rt *Runtime) takeEvent(id EventID) (UserEvent, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ue, ok := rt.events[id]
	if ok {
		delete(rt.events, id)
	}
	return ue, ok
}

// triggerEvent triggers a parked event, logging if it is unknown.
func (rt *Runtime) triggerEvent(id EventID) {
	if ue, ok := rt.takeEvent(id); ok {
		ue.Trigger()
	} else {
		rt.logger.Warnf("trigger for unknown event %d on space %d", id, rt.space)
	}
}

// NewRegionTree creates and registers a region-tree root.
func (rt *Runtime) NewRegionTree(id NodeID) *RegionTreeNode {
	n := &RegionTreeNode{rt: rt, id: id}
	rt.registerNode(n)
	return n
}

func (rt *Runtime) registerNode(n *RegionTreeNode) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prev, ok := rt.nodes[n.id]; ok && prev != n {
		panic("region tree node id registered twice")
	}
	rt.nodes[n.id] = n
}

// Node returns the registered node with the given ID, or nil.
func (rt *Runtime) Node(id NodeID) *RegionTreeNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.nodes[id]
}

// CreateContext creates an execution context whose first-touch version
// ownership is arbitrated by this space.
func (rt *Runtime) CreateContext() *Context {
	seq := atomic.AddUint64(&rt.ctxSeq, 1)
	id := ContextID(seq<<spaceBits) | ContextID(rt.space)
	ctx := newContext(rt, id)
	rt.mu.Lock()
	rt.contexts[id] = ctx
	rt.mu.Unlock()
	return ctx
}

// JoinContext attaches this runtime to a context created on another
// space. The creator space is encoded in the context ID.
func (rt *Runtime) JoinContext(id ContextID) *Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if ctx, ok := rt.contexts[id]; ok {
		return ctx
	}
	ctx := newContext(rt, id)
	rt.contexts[id] = ctx
	return ctx
}

func (rt *Runtime) context(id ContextID) *Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.contexts[id]
}

// lookupState returns the version state registered under did, or nil.
func (rt *Runtime) lookupState(did DistributedID) *VersionState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.states[did]
}

// findOrCreateVersionState resolves did to a local VersionState, creating
// an empty (not yet valid) cache entry if this space has never seen it.
func (rt *Runtime) findOrCreateVersionState(node *RegionTreeNode, vid VersionID, did DistributedID) (*VersionState, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if vs, ok := rt.states[did]; ok {
		return vs, false
	}
	vs := newVersionState(rt, node, vid, did)
	rt.states[did] = vs
	rt.stats.Count(MetricVersionStatesCreated, 1, 1.0)
	return vs, true
}

func (rt *Runtime) unregisterVersionState(did DistributedID) {
	rt.mu.Lock()
	delete(rt.states, did)
	rt.mu.Unlock()
	rt.stats.Count(MetricVersionStatesCollected, 1, 1.0)
}

// send serializes msg and hands it to the transport; sends addressed to
// this space dispatch locally without serialization.
func (rt *Runtime) send(target AddressSpaceID, msg Message) {
	if target == rt.space {
		rt.Defer(func() { rt.dispatch(msg) })
		return
	}
	data, err := rt.serializer.Marshal(msg)
	if err != nil {
		// Marshal failures are programming errors in the message set.
		panic(errors.Wrap(err, "marshaling protocol message"))
	}
	rt.stats.CountWithCustomTags(MetricMessagesSent, 1, 1.0, []string{msgTag(msg)})
	if err := rt.transport.SendTo(target, data); err != nil {
		// The protocol assumes eventual delivery; a transport that
		// cannot queue a message is misconfigured, not flaky.
		rt.logger.Errorf("send to space %d failed: %v", target, err)
	}
}

// Receive ingests one serialized message from the transport.
func (rt *Runtime) Receive(data []byte) error {
	msg, err := rt.serializer.Unmarshal(data)
	if err != nil {
		return errors.Wrap(err, "unmarshaling received message")
	}
	rt.stats.CountWithCustomTags(MetricMessagesReceived, 1, 1.0, []string{msgTag(msg)})
	rt.dispatch(msg)
	return nil
}

func msgTag(msg Message) string {
	switch msg.(type) {
	case *VersionRequest, *VersionResponse:
		return "type:version"
	case *StateUpdateRequest, *StateUpdateResponse:
		return "type:state_update"
	case *Invalidate, *InvalidateAck:
		return "type:invalidate"
	case *RemoteAdvance, *RemoteAdvanceAck:
		return "type:advance"
	case *UnversionedRequest, *UnversionedResponse:
		return "type:unversioned"
	case *OwnerRequest, *OwnerResponse:
		return "type:owner"
	default:
		return "type:notify"
	}
}

// dispatch routes a message to the manager, state, or context it names.
// Each message carries enough identity to route without global locking.
func (rt *Runtime) dispatch(msg Message) {
	switch m := msg.(type) {
	case *VersionRequest:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleVersionRequest(m)
		}
	case *VersionResponse:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleVersionResponse(m)
		}
	case *StateUpdateRequest:
		if vs := rt.lookupState(m.DID); vs != nil {
			vs.handleUpdateRequest(m)
		} else {
			rt.logger.Errorf("state update request for unknown state %d", m.DID)
		}
	case *StateUpdateResponse:
		node := rt.Node(m.Node)
		if node == nil {
			rt.logger.Errorf("state update response for unknown node %d", m.Node)
			return
		}
		vs, _ := rt.findOrCreateVersionState(node, m.Version, m.DID)
		vs.handleUpdateResponse(m)
	case *Invalidate:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleRemoteInvalidate(m)
		}
	case *InvalidateAck:
		rt.triggerEvent(m.Done)
	case *RemoteAdvance:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleRemoteAdvance(m)
		}
	case *RemoteAdvanceAck:
		rt.triggerEvent(m.Done)
	case *UnversionedRequest:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleUnversionedRequest(m)
		}
	case *UnversionedResponse:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleUnversionedResponse(m)
		}
	case *OwnerRequest:
		if ctx := rt.context(m.Ctx); ctx != nil {
			ctx.handleOwnerRequest(m)
		} else {
			rt.logger.Errorf("owner request for unknown context %d", m.Ctx)
		}
	case *OwnerResponse:
		if mgr := rt.managerFor(m.Ctx, m.Node); mgr != nil {
			mgr.handleOwnerResponse(m)
		}
	case *ValidNotification:
		if vs := rt.lookupState(m.DID); vs != nil {
			vs.handleValidNotification(m.Source, m.Mask)
		}
	case *StateReleased:
		if vs := rt.lookupState(m.DID); vs != nil {
			vs.handleRemoteReleased(m.Source)
		}
	default:
		rt.logger.Errorf("unroutable message type %T", msg)
	}
}

// managerFor resolves (ctx, node) to the local version manager, creating
// context attachment and manager lazily; message identity is sufficient.
func (rt *Runtime) managerFor(ctxID ContextID, nodeID NodeID) *VersionManager {
	node := rt.Node(nodeID)
	if node == nil {
		rt.logger.Errorf("message for unknown region tree node %d", nodeID)
		return nil
	}
	ctx := rt.JoinContext(ctxID)
	return ctx.VersionManager(node)
}
