package node

import (
	"encoding/binary"

	"github.com/iamNilotpal/triestore/internal/addralloc"
)

// Value wraps a value-node buffer: a header followed by either an
// inline byte blob or a subtree address (spec.md §3, "Value node").
//
// Layout after the common header:
//
//	flagValueSubtree lives in the shared header flags byte (bit 2), not in the body
//	[32:36) ValueLen   (inline length in use, ignored when subtree)
//	[36:40) Capacity   (bytes reserved for the inline blob)
//	[40:44) SubtreeAddr (region u16 + index u16, valid iff subtree flag set)
//	[44:44+Capacity) inline blob bytes
type Value struct{ header }

const (
	flagValueSubtree uint8 = 1 << 2
	valueBodyOffset        = 44
)

// ValueAllocSize computes the bytes needed for a value node holding an
// inline blob of capacity bytes (subtree values need no blob capacity).
func ValueAllocSize(capacity int) int { return Align(valueBodyOffset + capacity) }

// InitValue placement-constructs a value node into buf (which must be at
// least ValueAllocSize(capacity) bytes), holding an inline blob.
func InitValue(buf []byte, addr addralloc.Address, seq uint32, blob []byte, capacity int) *Value {
	if capacity < len(blob) {
		capacity = len(blob)
	}
	size := ValueAllocSize(capacity)
	h := initHeader(buf, addralloc.TypeValue, addr, seq, size)
	v := &Value{header: h}
	v.setCapacity(capacity)
	v.setValueLen(len(blob))
	copy(buf[valueBodyOffset:valueBodyOffset+len(blob)], blob)
	return v
}

// InitSubtreeValue placement-constructs a value node that holds a
// subtree reference instead of an inline blob.
func InitSubtreeValue(buf []byte, addr addralloc.Address, seq uint32, subtree addralloc.Address) *Value {
	size := ValueAllocSize(0)
	h := initHeader(buf, addralloc.TypeValue, addr, seq, size)
	h.setFlags(flagValueSubtree)
	v := &Value{header: h}
	v.setSubtreeAddr(subtree)
	return v
}

// OpenValue wraps an existing value-node buffer for reading/mutation.
func OpenValue(buf []byte) *Value { return &Value{header: header{buf: buf}} }

func (v *Value) IsSubtree() bool { return v.flags()&flagValueSubtree != 0 }

func (v *Value) ValueLen() int { return int(binary.LittleEndian.Uint32(v.buf[32:36])) }
func (v *Value) setValueLen(n int) {
	binary.LittleEndian.PutUint32(v.buf[32:36], uint32(n))
}

func (v *Value) Capacity() int { return int(binary.LittleEndian.Uint32(v.buf[36:40])) }
func (v *Value) setCapacity(n int) {
	binary.LittleEndian.PutUint32(v.buf[36:40], uint32(n))
}

func (v *Value) SubtreeAddr() addralloc.Address {
	return addralloc.Address{
		Region: binary.LittleEndian.Uint16(v.buf[40:42]),
		Index:  binary.LittleEndian.Uint16(v.buf[42:44]),
	}
}

func (v *Value) setSubtreeAddr(addr addralloc.Address) {
	binary.LittleEndian.PutUint16(v.buf[40:42], addr.Region)
	binary.LittleEndian.PutUint16(v.buf[42:44], addr.Index)
}

// Blob returns the inline bytes currently in use. Callers must not
// retain the slice past the next mutation of this node.
func (v *Value) Blob() []byte {
	n := v.ValueLen()
	return v.buf[valueBodyOffset : valueBodyOffset+n]
}

// CanSetInPlace reports whether a new blob of len(value) bytes fits in
// the capacity already reserved, the fast path unique_update takes
// before falling back to clone-or-reallocate.
func (v *Value) CanSetInPlace(value []byte) bool { return !v.IsSubtree() && len(value) <= v.Capacity() }

// SetValueInPlace overwrites the inline blob, returning the prior
// subtree address to release if this value previously held one (null
// otherwise). Caller must have verified CanSetInPlace.
func (v *Value) SetValueInPlace(value []byte) addralloc.Address {
	prior := addralloc.Address{}
	if v.IsSubtree() {
		prior = v.SubtreeAddr()
	}
	v.setFlags(v.flags() &^ flagValueSubtree)
	v.setValueLen(len(value))
	copy(v.buf[valueBodyOffset:valueBodyOffset+len(value)], value)
	return prior
}
