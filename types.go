// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

// AddressSpaceID identifies one address space (process) participating in
// the runtime. Space IDs are assigned by deployment configuration and are
// stable for the life of the cluster.
type AddressSpaceID uint32

// VersionID is the logical epoch number for one region-tree node in one
// context. Version IDs are monotonically increasing and start at
// initVersion; they are never reused.
type VersionID uint64

// initVersion is the version assigned to fields by their first advance,
// and to unversioned fallback states.
const initVersion VersionID = 1

// DistributedID names a distributed object (currently only VersionState)
// uniquely across all address spaces. The low bits encode the space that
// allocated the ID, which is also the object's owner space.
type DistributedID uint64

const (
	// spaceBits is the number of low bits of a DistributedID reserved
	// for the allocating address space.
	spaceBits = 12
	// MaxAddressSpaces is the largest cluster this ID scheme supports.
	MaxAddressSpaces = 1 << spaceBits
)

// ownerSpace extracts the allocating (owner) space from a DistributedID.
func (did DistributedID) ownerSpace() AddressSpaceID {
	return AddressSpaceID(did & (MaxAddressSpaces - 1))
}

// ContextID identifies one execution context. Contexts are created on a
// single space (the creator) which arbitrates first-touch version
// ownership for nodes in that context.
type ContextID uint64

// UniqueID identifies a logical context for epoch deduplication. Two
// operations share an epoch only if both their UniqueID and EpochID match;
// this disambiguates epoch IDs reused across logical contexts by virtual
// mappings.
type UniqueID uint64

// EpochID identifies one open/advance epoch within a logical context.
type EpochID uint64

// NodeID identifies a region-tree node. Node IDs are assigned by the
// caller building the tree and must agree across address spaces.
type NodeID uint64

// Color identifies one child of a region-tree node.
type Color uint64

// ViewID is the opaque identity of an instance view owned by the
// instance/memory collaborator. The protocol never interprets the data
// behind a view; it only tracks which fields of which views are valid.
type ViewID uint64

// EventID names a user event registered with a runtime so that a remote
// space can trigger it by message.
type EventID uint64

// FieldVersions maps a version number to the fields that are at that
// version. Within one FieldVersions no field appears under two versions.
type FieldVersions map[VersionID]FieldMask
