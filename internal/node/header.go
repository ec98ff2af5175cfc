// Package node implements the four node layouts the adaptive radix trie
// is built from — value, binary, set-list, and full — each a uniform
// protocol (alloc_size / static_init / get_type / get_prefix /
// num_branches / descendants / branch_region, plus type-specific
// branch or sorted-key APIs) over a fixed-size byte buffer carved out of
// a segment by internal/segalloc.
//
// Grounded on spec.md §3 ("Node variants") and §4.8, adapted into the
// same little-endian, hand-packed byte-buffer idiom internal/addralloc
// and internal/blockalloc already use in this codebase — no
// binary_node.hpp/set_list_node.hpp/full_node.hpp file was retrieved in
// this pack's original_source/ to port byte-for-byte, so the concrete
// field widths and offsets below are this port's own design, built to
// satisfy every operation and invariant spec.md §4.8 and §8 name.
package node

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/iamNilotpal/triestore/internal/addralloc"
)

// HeaderSize is the fixed width of the common object header every node
// variant begins with.
const HeaderSize = 32

// Align rounds n up to the next 64-byte multiple, matching spec.md §3's
// "size in bytes, 64-byte-multiple aligned" object requirement.
func Align(n int) int {
	const word = 64
	return (n + word - 1) &^ (word - 1)
}

// header is the common object prefix shared by every node variant,
// mirroring spec.md §3's "Objects" description: size, type tag, logical
// address, checksum, and a sequence number, plus a small flags byte and
// a descendant count every inner/binary node maintains.
type header struct {
	buf []byte
}

// Flag bits in header byte 5.
const (
	flagHasEOF uint8 = 1 << iota
	flagEOFSubtree
)

func (h header) Size() int        { return int(binary.LittleEndian.Uint32(h.buf[0:4])) }
func (h header) setSize(n int)     { binary.LittleEndian.PutUint32(h.buf[0:4], uint32(n)) }
func (h header) Type() addralloc.TypeTag { return addralloc.TypeTag(h.buf[4]) }
func (h header) setType(t addralloc.TypeTag) { h.buf[4] = byte(t) }
func (h header) flags() uint8      { return h.buf[5] }
func (h header) setFlags(f uint8)  { h.buf[5] = f }

// Address returns the logical address this object's header was stamped
// with at static_init time, used for the compactor's self-check that a
// node found by walking a segment still resolves, through the meta
// slot, back to the exact physical position it was read from.
func (h header) Address() addralloc.Address {
	return addralloc.Address{
		Region: binary.LittleEndian.Uint16(h.buf[8:10]),
		Index:  binary.LittleEndian.Uint16(h.buf[10:12]),
	}
}

func (h header) setAddress(addr addralloc.Address) {
	binary.LittleEndian.PutUint16(h.buf[8:10], addr.Region)
	binary.LittleEndian.PutUint16(h.buf[10:12], addr.Index)
}

// Descendants returns the maintained descendant count (spec.md §8
// invariant 6: descendants == sum(child.descendants) + has_eof_value).
func (h header) Descendants() uint32 { return binary.LittleEndian.Uint32(h.buf[12:16]) }
func (h header) setDescendants(n uint32) {
	binary.LittleEndian.PutUint32(h.buf[12:16], n)
}

// AddDescendants adjusts the descendant count by delta (which may be
// negative, encoded via two's-complement wraparound on the uint32).
func (h header) AddDescendants(delta int32) {
	h.setDescendants(uint32(int32(h.Descendants()) + delta))
}

func (h header) checksum() uint64 { return binary.LittleEndian.Uint64(h.buf[16:24]) }
func (h header) setChecksum(c uint64) {
	binary.LittleEndian.PutUint64(h.buf[16:24], c)
}

func (h header) SeqNum() uint32 { return binary.LittleEndian.Uint32(h.buf[24:28]) }
func (h header) setSeqNum(n uint32) {
	binary.LittleEndian.PutUint32(h.buf[24:28], n)
}

// initHeader stamps the common prefix of a freshly allocated buffer.
func initHeader(buf []byte, t addralloc.TypeTag, addr addralloc.Address, seq uint32, size int) header {
	h := header{buf: buf}
	h.setSize(size)
	h.setType(t)
	h.setFlags(0)
	h.setAddress(addr)
	h.setDescendants(0)
	h.setSeqNum(seq)
	return h
}

// UpdateChecksum recomputes and stores the checksum over the whole
// object (Size bytes, hashed with the checksum field zeroed). The
// kernel's Relocate calls it on every copy it makes.
func UpdateChecksum(buf []byte) {
	h := header{buf: buf}
	h.setChecksum(0)
	h.setChecksum(xxhash.Sum64(buf[:h.Size()]))
}

// VerifyChecksum recomputes the checksum and reports whether it matches
// the stored value, used by the engine's recovery walk when
// ValidateOnCompact is set.
func VerifyChecksum(buf []byte) bool {
	h := header{buf: buf}
	stored := h.checksum()
	h.setChecksum(0)
	ok := xxhash.Sum64(buf[:h.Size()]) == stored
	h.setChecksum(stored)
	return ok
}

// TypeOf reads just the type tag out of an arbitrary node buffer,
// letting the kernel dispatch without constructing a typed wrapper.
func TypeOf(buf []byte) addralloc.TypeTag { return header{buf: buf}.Type() }

// SizeOf reads the allocated size out of an arbitrary node buffer, used
// by the compactor when walking a segment's objects without yet knowing
// a node's concrete type.
func SizeOf(buf []byte) int { return header{buf: buf}.Size() }

// AddressOf reads the stamped logical address out of an arbitrary node
// buffer, used by the compactor's self-check during a segment walk.
func AddressOf(buf []byte) addralloc.Address { return header{buf: buf}.Address() }

// DescendantsOf reads the maintained descendant count out of an
// arbitrary node buffer, letting callers like the kernel's CountKeys
// avoid constructing a typed wrapper just to read one shared field.
func DescendantsOf(buf []byte) uint32 { return header{buf: buf}.Descendants() }
