// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

// VersionRequestKind selects which portion of a version state a transfer
// request wants: just the open-children table, enough state to read the
// fields (initial), or every contribution from every space (final).
type VersionRequestKind int8

const (
	ChildVersionRequest VersionRequestKind = iota
	InitialVersionRequest
	FinalVersionRequest
)

func (k VersionRequestKind) String() string {
	switch k {
	case ChildVersionRequest:
		return "child"
	case InitialVersionRequest:
		return "initial"
	case FinalVersionRequest:
		return "final"
	}
	return "unknown"
}

// StateInfo identifies one version state object and the fields it covers
// in some containing set. It is the unit of the directory exchange: a
// receiver resolves the DID to a local VersionState, creating an empty
// cache entry if the state has never been seen on this space.
type StateInfo struct {
	DID     DistributedID
	Version VersionID
	Mask    FieldMask
}

// ViewInfo carries one valid-view table entry: an opaque instance view
// identity, the fields for which it holds valid data, and whether it is a
// reduction view.
type ViewInfo struct {
	View      ViewID
	Mask      FieldMask
	Reduction bool
}

// ChildInfo carries one open-children table entry. Node is the child
// node the state belongs to.
type ChildInfo struct {
	Color Color
	Node  NodeID
	State StateInfo
}

// VersionRequest asks the owner manager of (Ctx, Node) for the version
// directory entries covering Mask.
type VersionRequest struct {
	Ctx    ContextID
	Node   NodeID
	Source AddressSpaceID
	Mask   FieldMask
	Done   EventID
}

// VersionResponse answers a VersionRequest with exactly the fields the
// holder can currently satisfy. Infos carries the current version
// directory; Prev carries the previous-version entries writers read from
// after an advance. Unversioned reports fields for which no version
// exists anywhere; the requester treats those via the unversioned
// fallback rather than re-requesting.
type VersionResponse struct {
	Ctx         ContextID
	Node        NodeID
	Satisfied   FieldMask
	Unversioned FieldMask
	Infos       []StateInfo
	Prev        []StateInfo
	Done        EventID
}

// StateUpdateRequest asks the receiving space to send a field-masked
// delta of version state DID back to Requestor.
type StateUpdateRequest struct {
	Ctx       ContextID
	Node      NodeID
	DID       DistributedID
	Version   VersionID
	Requestor AddressSpaceID
	Mask      FieldMask
	Kind      VersionRequestKind
	Done      EventID
}

// StateUpdateResponse carries a field-masked delta of one version state:
// dirty/reduction masks, valid-view entries, and open-children fragments,
// all restricted to Mask.
type StateUpdateResponse struct {
	Ctx      ContextID
	Node     NodeID
	DID      DistributedID
	Version  VersionID
	Kind     VersionRequestKind
	Mask     FieldMask
	Dirty    FieldMask
	Reduce   FieldMask
	Views    []ViewInfo
	Children []ChildInfo
	Done     EventID
}

// Invalidate tells a remote manager that its cached copies of Mask are
// being advanced past and must not be trusted.
type Invalidate struct {
	Ctx    ContextID
	Node   NodeID
	Source AddressSpaceID
	Mask   FieldMask
	Done   EventID
}

// InvalidateAck confirms an Invalidate has been applied.
type InvalidateAck struct {
	Done EventID
}

// RemoteAdvance forwards an advance request from a non-owner manager to
// the owner, carrying the epoch-deduplication parameters.
type RemoteAdvance struct {
	Ctx           ContextID
	Node          NodeID
	Source        AddressSpaceID
	Mask          FieldMask
	LogicalCtx    UniqueID
	DedupOpens    bool
	OpenEpoch     EpochID
	DedupAdvances bool
	AdvanceEpoch  EpochID
	Done          EventID
}

// RemoteAdvanceAck confirms a RemoteAdvance has been applied at the
// owner, including completion of the invalidations it triggered.
type RemoteAdvanceAck struct {
	Done EventID
}

// UnversionedRequest asks the owner to find or fabricate version states
// for fields that have never been written anywhere.
type UnversionedRequest struct {
	Ctx    ContextID
	Node   NodeID
	Source AddressSpaceID
	Mask   FieldMask
	Done   EventID
}

// UnversionedResponse carries the owner's (possibly freshly fabricated)
// unversioned state entries.
type UnversionedResponse struct {
	Ctx   ContextID
	Node  NodeID
	Mask  FieldMask
	Infos []StateInfo
	Done  EventID
}

// OwnerRequest asks a context's creator space which space owns version
// data for Node, recording Source as the owner if none exists yet
// (first touch).
type OwnerRequest struct {
	Ctx    ContextID
	Node   NodeID
	Source AddressSpaceID
	Done   EventID
}

// OwnerResponse answers an OwnerRequest.
type OwnerResponse struct {
	Ctx   ContextID
	Node  NodeID
	Owner AddressSpaceID
	Done  EventID
}

// ValidNotification tells a version state's owner space that Source now
// holds a valid copy of Mask for state DID.
type ValidNotification struct {
	DID    DistributedID
	Source AddressSpaceID
	Mask   FieldMask
}

// StateReleased tells a version state's owner space that Source has
// dropped its last local reference to DID, releasing the remote
// reference the owner holds on its behalf.
type StateReleased struct {
	DID    DistributedID
	Source AddressSpaceID
}

func (*VersionRequest) messageToken() int16      { return tokenVersionRequest }
func (*VersionResponse) messageToken() int16     { return tokenVersionResponse }
func (*StateUpdateRequest) messageToken() int16  { return tokenStateUpdateRequest }
func (*StateUpdateResponse) messageToken() int16 { return tokenStateUpdateResponse }
func (*Invalidate) messageToken() int16          { return tokenInvalidate }
func (*InvalidateAck) messageToken() int16       { return tokenInvalidateAck }
func (*RemoteAdvance) messageToken() int16       { return tokenRemoteAdvance }
func (*RemoteAdvanceAck) messageToken() int16    { return tokenRemoteAdvanceAck }
func (*UnversionedRequest) messageToken() int16  { return tokenUnversionedRequest }
func (*UnversionedResponse) messageToken() int16 { return tokenUnversionedResponse }
func (*OwnerRequest) messageToken() int16        { return tokenOwnerRequest }
func (*OwnerResponse) messageToken() int16       { return tokenOwnerResponse }
func (*ValidNotification) messageToken() int16   { return tokenValidNotification }
func (*StateReleased) messageToken() int16       { return tokenStateReleased }
