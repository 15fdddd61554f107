// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	fieldMaskWords = 4

	// MaxFields is the fixed capacity of a FieldMask. All versioning
	// granularity in the protocol is expressed in terms of this type, so
	// a region schema may have at most MaxFields independently
	// versionable fields.
	MaxFields = fieldMaskWords * 64
)

// FieldMask is a fixed-capacity bit-set over a region's fields. It is a
// value type: copy it freely, compare it with ==.
type FieldMask [fieldMaskWords]uint64

// NewFieldMask returns a mask with the given fields set.
func NewFieldMask(fields ...int) FieldMask {
	var m FieldMask
	for _, f := range fields {
		m.Set(f)
	}
	return m
}

// Set marks field f in the mask.
func (m *FieldMask) Set(f int) {
	if f < 0 || f >= MaxFields {
		panic(fmt.Sprintf("field %d out of range [0,%d)", f, MaxFields))
	}
	m[f/64] |= 1 << (uint(f) % 64)
}

// Unset clears field f from the mask.
func (m *FieldMask) Unset(f int) {
	if f < 0 || f >= MaxFields {
		panic(fmt.Sprintf("field %d out of range [0,%d)", f, MaxFields))
	}
	m[f/64] &^= 1 << (uint(f) % 64)
}

// Contains reports whether field f is set.
func (m FieldMask) Contains(f int) bool {
	if f < 0 || f >= MaxFields {
		return false
	}
	return m[f/64]&(1<<(uint(f)%64)) != 0
}

// Empty reports whether no fields are set.
func (m FieldMask) Empty() bool {
	return m == FieldMask{}
}

// Count returns the number of fields set.
func (m FieldMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Union returns the fields in either mask.
func (m FieldMask) Union(o FieldMask) FieldMask {
	var r FieldMask
	for i := range m {
		r[i] = m[i] | o[i]
	}
	return r
}

// Intersect returns the fields in both masks.
func (m FieldMask) Intersect(o FieldMask) FieldMask {
	var r FieldMask
	for i := range m {
		r[i] = m[i] & o[i]
	}
	return r
}

// Difference returns the fields in m that are not in o.
func (m FieldMask) Difference(o FieldMask) FieldMask {
	var r FieldMask
	for i := range m {
		r[i] = m[i] &^ o[i]
	}
	return r
}

// UnionWith adds o's fields to m in place.
func (m *FieldMask) UnionWith(o FieldMask) {
	for i := range m {
		m[i] |= o[i]
	}
}

// IntersectWith restricts m to o's fields in place.
func (m *FieldMask) IntersectWith(o FieldMask) {
	for i := range m {
		m[i] &= o[i]
	}
}

// SubtractWith removes o's fields from m in place.
func (m *FieldMask) SubtractWith(o FieldMask) {
	for i := range m {
		m[i] &^= o[i]
	}
}

// Overlaps reports whether the masks share any field.
func (m FieldMask) Overlaps(o FieldMask) bool {
	for i := range m {
		if m[i]&o[i] != 0 {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every field of m is also in o.
func (m FieldMask) SubsetOf(o FieldMask) bool {
	for i := range m {
		if m[i]&^o[i] != 0 {
			return false
		}
	}
	return true
}

// Fields returns the set fields in ascending order.
func (m FieldMask) Fields() []int {
	fields := make([]int, 0, m.Count())
	for i, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			fields = append(fields, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return fields
}

// String renders the mask as a comma-separated list of field ranges,
// e.g. "0-3,7,9-10". The empty mask renders as "{}".
func (m FieldMask) String() string {
	fields := m.Fields()
	if len(fields) == 0 {
		return "{}"
	}
	var sb strings.Builder
	start, prev := fields[0], fields[0]
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if start == prev {
			fmt.Fprintf(&sb, "%d", start)
		} else {
			fmt.Fprintf(&sb, "%d-%d", start, prev)
		}
	}
	for _, f := range fields[1:] {
		if f == prev+1 {
			prev = f
			continue
		}
		flush()
		start, prev = f, f
	}
	flush()
	return sb.String()
}
