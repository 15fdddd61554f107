// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire tokens. The byte layout of these messages is an implementation
// choice; only equivalence after a round trip is promised.
const (
	tokenVersionRequest      int16 = 0x01
	tokenVersionResponse     int16 = 0x02
	tokenStateUpdateRequest  int16 = 0x03
	tokenStateUpdateResponse int16 = 0x04
	tokenInvalidate          int16 = 0x05
	tokenInvalidateAck       int16 = 0x06
	tokenRemoteAdvance       int16 = 0x07
	tokenRemoteAdvanceAck    int16 = 0x08
	tokenUnversionedRequest  int16 = 0x09
	tokenUnversionedResponse int16 = 0x0A
	tokenOwnerRequest        int16 = 0x0B
	tokenOwnerResponse       int16 = 0x0C
	tokenValidNotification   int16 = 0x0D
	tokenStateReleased       int16 = 0x0E
)

// WireSerializer is the Serializer used between lattice address spaces:
// token-prefixed big-endian binary frames.
type WireSerializer struct{}

var _ Serializer = WireSerializer{}

type wireWriter struct {
	buf bytes.Buffer
}

func (w *wireWriter) u64(v uint64)  { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *wireWriter) u32(v uint32)  { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *wireWriter) i16(v int16)   { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *wireWriter) i8(v int8)     { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *wireWriter) boolean(v bool) {
	if v {
		w.i8(1)
	} else {
		w.i8(0)
	}
}

func (w *wireWriter) mask(m FieldMask) {
	for _, word := range m {
		w.u64(word)
	}
}

func (w *wireWriter) stateInfos(infos []StateInfo) {
	w.u32(uint32(len(infos)))
	for _, in := range infos {
		w.u64(uint64(in.DID))
		w.u64(uint64(in.Version))
		w.mask(in.Mask)
	}
}

func (w *wireWriter) viewInfos(views []ViewInfo) {
	w.u32(uint32(len(views)))
	for _, v := range views {
		w.u64(uint64(v.View))
		w.mask(v.Mask)
		w.boolean(v.Reduction)
	}
}

func (w *wireWriter) childInfos(children []ChildInfo) {
	w.u32(uint32(len(children)))
	for _, c := range children {
		w.u64(uint64(c.Color))
		w.u64(uint64(c.Node))
		w.u64(uint64(c.State.DID))
		w.u64(uint64(c.State.Version))
		w.mask(c.State.Mask)
	}
}

func (w *wireWriter) bytes() []byte { return w.buf.Bytes() }

type wireReader struct {
	r   *bytes.Reader
	err error
}

func newWireReader(data []byte) *wireReader {
	return &wireReader{r: bytes.NewReader(data)}
}

func (r *wireReader) u64() uint64 {
	var v uint64
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, &v)
	}
	return v
}

func (r *wireReader) u32() uint32 {
	var v uint32
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, &v)
	}
	return v
}

func (r *wireReader) i16() int16 {
	var v int16
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, &v)
	}
	return v
}

func (r *wireReader) i8() int8 {
	var v int8
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, &v)
	}
	return v
}

func (r *wireReader) boolean() bool { return r.i8() != 0 }

func (r *wireReader) mask() FieldMask {
	var m FieldMask
	for i := range m {
		m[i] = r.u64()
	}
	return m
}

func (r *wireReader) stateInfos() []StateInfo {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	infos := make([]StateInfo, n)
	for i := range infos {
		infos[i].DID = DistributedID(r.u64())
		infos[i].Version = VersionID(r.u64())
		infos[i].Mask = r.mask()
	}
	return infos
}

func (r *wireReader) viewInfos() []ViewInfo {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	views := make([]ViewInfo, n)
	for i := range views {
		views[i].View = ViewID(r.u64())
		views[i].Mask = r.mask()
		views[i].Reduction = r.boolean()
	}
	return views
}

func (r *wireReader) childInfos() []ChildInfo {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	children := make([]ChildInfo, n)
	for i := range children {
		children[i].Color = Color(r.u64())
		children[i].Node = NodeID(r.u64())
		children[i].State.DID = DistributedID(r.u64())
		children[i].State.Version = VersionID(r.u64())
		children[i].State.Mask = r.mask()
	}
	return children
}

// Marshal implements Serializer.
func (WireSerializer) Marshal(msg Message) ([]byte, error) {
	w := &wireWriter{}
	w.i16(msg.messageToken())
	switch m := msg.(type) {
	case *VersionRequest:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u32(uint32(m.Source))
		w.mask(m.Mask)
		w.u64(uint64(m.Done))
	case *VersionResponse:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.mask(m.Satisfied)
		w.mask(m.Unversioned)
		w.stateInfos(m.Infos)
		w.stateInfos(m.Prev)
		w.u64(uint64(m.Done))
	case *StateUpdateRequest:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u64(uint64(m.DID))
		w.u64(uint64(m.Version))
		w.u32(uint32(m.Requestor))
		w.mask(m.Mask)
		w.i8(int8(m.Kind))
		w.u64(uint64(m.Done))
	case *StateUpdateResponse:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u64(uint64(m.DID))
		w.u64(uint64(m.Version))
		w.i8(int8(m.Kind))
		w.mask(m.Mask)
		w.mask(m.Dirty)
		w.mask(m.Reduce)
		w.viewInfos(m.Views)
		w.childInfos(m.Children)
		w.u64(uint64(m.Done))
	case *Invalidate:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u32(uint32(m.Source))
		w.mask(m.Mask)
		w.u64(uint64(m.Done))
	case *InvalidateAck:
		w.u64(uint64(m.Done))
	case *RemoteAdvance:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u32(uint32(m.Source))
		w.mask(m.Mask)
		w.u64(uint64(m.LogicalCtx))
		w.boolean(m.DedupOpens)
		w.u64(uint64(m.OpenEpoch))
		w.boolean(m.DedupAdvances)
		w.u64(uint64(m.AdvanceEpoch))
		w.u64(uint64(m.Done))
	case *RemoteAdvanceAck:
		w.u64(uint64(m.Done))
	case *UnversionedRequest:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u32(uint32(m.Source))
		w.mask(m.Mask)
		w.u64(uint64(m.Done))
	case *UnversionedResponse:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.mask(m.Mask)
		w.stateInfos(m.Infos)
		w.u64(uint64(m.Done))
	case *OwnerRequest:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u32(uint32(m.Source))
		w.u64(uint64(m.Done))
	case *OwnerResponse:
		w.u64(uint64(m.Ctx))
		w.u64(uint64(m.Node))
		w.u32(uint32(m.Owner))
		w.u64(uint64(m.Done))
	case *ValidNotification:
		w.u64(uint64(m.DID))
		w.u32(uint32(m.Source))
		w.mask(m.Mask)
	case *StateReleased:
		w.u64(uint64(m.DID))
		w.u32(uint32(m.Source))
	default:
		return nil, errors.Errorf("marshal: unknown message type %T", msg)
	}
	return w.buf.Bytes(), nil
}

// Unmarshal implements Serializer.
func (WireSerializer) Unmarshal(data []byte) (Message, error) {
	r := &wireReader{r: bytes.NewReader(data)}
	token := r.i16()
	if r.err != nil {
		return nil, errors.Wrap(r.err, "reading message token")
	}
	var msg Message
	switch token {
	case tokenVersionRequest:
		m := &VersionRequest{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		m.Mask = r.mask()
		m.Done = EventID(r.u64())
		msg = m
	case tokenVersionResponse:
		m := &VersionResponse{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Satisfied = r.mask()
		m.Unversioned = r.mask()
		m.Infos = r.stateInfos()
		m.Prev = r.stateInfos()
		m.Done = EventID(r.u64())
		msg = m
	case tokenStateUpdateRequest:
		m := &StateUpdateRequest{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.DID = DistributedID(r.u64())
		m.Version = VersionID(r.u64())
		m.Requestor = AddressSpaceID(r.u32())
		m.Mask = r.mask()
		m.Kind = VersionRequestKind(r.i8())
		m.Done = EventID(r.u64())
		msg = m
	case tokenStateUpdateResponse:
		m := &StateUpdateResponse{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.DID = DistributedID(r.u64())
		m.Version = VersionID(r.u64())
		m.Kind = VersionRequestKind(r.i8())
		m.Mask = r.mask()
		m.Dirty = r.mask()
		m.Reduce = r.mask()
		m.Views = r.viewInfos()
		m.Children = r.childInfos()
		m.Done = EventID(r.u64())
		msg = m
	case tokenInvalidate:
		m := &Invalidate{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		m.Mask = r.mask()
		m.Done = EventID(r.u64())
		msg = m
	case tokenInvalidateAck:
		msg = &InvalidateAck{Done: EventID(r.u64())}
	case tokenRemoteAdvance:
		m := &RemoteAdvance{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		m.Mask = r.mask()
		m.LogicalCtx = UniqueID(r.u64())
		m.DedupOpens = r.boolean()
		m.OpenEpoch = EpochID(r.u64())
		m.DedupAdvances = r.boolean()
		m.AdvanceEpoch = EpochID(r.u64())
		m.Done = EventID(r.u64())
		msg = m
	case tokenRemoteAdvanceAck:
		msg = &RemoteAdvanceAck{Done: EventID(r.u64())}
	case tokenUnversionedRequest:
		m := &UnversionedRequest{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		m.Mask = r.mask()
		m.Done = EventID(r.u64())
		msg = m
	case tokenUnversionedResponse:
		m := &UnversionedResponse{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Mask = r.mask()
		m.Infos = r.stateInfos()
		m.Done = EventID(r.u64())
		msg = m
	case tokenOwnerRequest:
		m := &OwnerRequest{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		m.Done = EventID(r.u64())
		msg = m
	case tokenOwnerResponse:
		m := &OwnerResponse{}
		m.Ctx = ContextID(r.u64())
		m.Node = NodeID(r.u64())
		m.Owner = AddressSpaceID(r.u32())
		m.Done = EventID(r.u64())
		msg = m
	case tokenValidNotification:
		m := &ValidNotification{}
		m.DID = DistributedID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		m.Mask = r.mask()
		msg = m
	case tokenStateReleased:
		m := &StateReleased{}
		m.DID = DistributedID(r.u64())
		m.Source = AddressSpaceID(r.u32())
		msg = m
	default:
		return nil, errors.Errorf("unmarshal: unknown message token %#x", token)
	}
	if r.err != nil && r.err != io.EOF {
		return nil, errors.Wrapf(r.err, "unmarshaling message token %#x", token)
	}
	return msg, nil
}
