package node

import (
	"encoding/binary"

	"github.com/iamNilotpal/triestore/internal/addralloc"
)

const fullBodyOffset = 48
const fullTableSlots = 256
const fullTableEntrySize = 4 // region u16 + index u16; byte value is the slot index itself

// Full is a radix-trie inner node for fan-out at or above
// FullNodeThreshold (spec.md §3, "Full node"): a dense 256-entry direct
// index branch table plus an optional eof value, reached by promoting
// a set-list node (or directly during a binary-node refactor when the
// distinct next-byte count is already large).
//
// Layout after the common header:
//
//	[32:34) PrefixLen  uint16
//	[34:36) NumBranches uint16 (slots currently non-null, maintained incrementally)
//	[36:37) EOFKind     (ValueKind, meaningful iff header flagHasEOF is set)
//	[37:38) reserved
//	[38:40) EOFA        (inline: content offset; objid/subtree: address.Region)
//	[40:42) EOFB        (inline: unused;         objid/subtree: address.Index)
//	[42:44) EOFLen
//	[44:48) reserved
//	[48 : 48+PrefixLen) prefix bytes
//	[48+PrefixLen : +1024) 256-slot dense table, one 4-byte (region,index)
//	  address per possible next byte, null address (region=0,index=0) meaning
//	  no branch
//	remaining bytes: content area for an inline eof value, if any
type Full struct{ header }

// FullAllocSize computes the bytes needed for a full node with the
// given prefix length and inline eof content bytes.
func FullAllocSize(prefixLen, eofContentBytes int) int {
	return Align(fullBodyOffset + prefixLen + fullTableSlots*fullTableEntrySize + eofContentBytes)
}

// InitFull placement-constructs an empty (no branches, no eof) full
// node with the given prefix. Every table slot starts null.
func InitFull(buf []byte, addr addralloc.Address, seq uint32, prefix []byte, eofContentBytes int) *Full {
	size := FullAllocSize(len(prefix), eofContentBytes)
	h := initHeader(buf, addralloc.TypeFull, addr, seq, size)
	f := &Full{header: h}
	f.setPrefixLen(len(prefix))
	f.setNumBranches(0)
	copy(buf[fullBodyOffset:fullBodyOffset+len(prefix)], prefix)
	return f
}

// OpenFull wraps an existing full-node buffer.
func OpenFull(buf []byte) *Full { return &Full{header: header{buf: buf}} }

func (f *Full) PrefixLen() int { return int(binary.LittleEndian.Uint16(f.buf[32:34])) }
func (f *Full) setPrefixLen(n int) {
	binary.LittleEndian.PutUint16(f.buf[32:34], uint16(n))
}

func (f *Full) NumBranches() int { return int(binary.LittleEndian.Uint16(f.buf[34:36])) }
func (f *Full) setNumBranches(n int) {
	binary.LittleEndian.PutUint16(f.buf[34:36], uint16(n))
}

// Prefix returns the node's shared key prefix.
func (f *Full) Prefix() []byte {
	return f.buf[fullBodyOffset : fullBodyOffset+f.PrefixLen()]
}

func (f *Full) tableOffset() int { return fullBodyOffset + f.PrefixLen() }
func (f *Full) slotOffset(b byte) int { return f.tableOffset() + int(b)*fullTableEntrySize }
func (f *Full) contentStart() int     { return f.tableOffset() + fullTableSlots*fullTableEntrySize }

func (f *Full) HasEOF() bool { return f.flags()&flagHasEOF != 0 }

func (f *Full) eofKind() ValueKind     { return ValueKind(f.buf[36]) }
func (f *Full) setEOFKind(k ValueKind) { f.buf[36] = byte(k) }
func (f *Full) eofA() uint16           { return binary.LittleEndian.Uint16(f.buf[38:40]) }
func (f *Full) eofB() uint16           { return binary.LittleEndian.Uint16(f.buf[40:42]) }
func (f *Full) eofLen() int            { return int(binary.LittleEndian.Uint16(f.buf[42:44])) }

func (f *Full) EOFValueKind() ValueKind { return f.eofKind() }

func (f *Full) EOFInlineValue() []byte {
	off := int(f.eofA())
	return f.buf[off : off+f.eofLen()]
}

func (f *Full) EOFRefAddress() addralloc.Address {
	return addralloc.Address{Region: f.eofA(), Index: f.eofB()}
}

// SetEOF installs or overwrites the eof value, returning the prior
// referenced address to release, if any.
func (f *Full) SetEOF(kind ValueKind, a, b uint16, inlineValue []byte) addralloc.Address {
	var prior addralloc.Address
	if f.HasEOF() && f.eofKind() != ValueInline {
		prior = f.EOFRefAddress()
	}

	valA, valLen := a, len(inlineValue)
	if kind == ValueInline {
		off := f.contentStart()
		valA = uint16(off)
		copy(f.buf[off:off+len(inlineValue)], inlineValue)
	}

	f.setEOFKind(kind)
	binary.LittleEndian.PutUint16(f.buf[38:40], valA)
	binary.LittleEndian.PutUint16(f.buf[40:42], b)
	binary.LittleEndian.PutUint16(f.buf[42:44], uint16(valLen))
	f.setFlags(f.flags() | flagHasEOF)
	return prior
}

// ClearEOF removes the eof value, returning the prior referenced
// address to release, if any.
func (f *Full) ClearEOF() addralloc.Address {
	var prior addralloc.Address
	if f.HasEOF() && f.eofKind() != ValueInline {
		prior = f.EOFRefAddress()
	}
	f.setFlags(f.flags() &^ flagHasEOF)
	return prior
}

// ContentFits reports whether an inline eof value of valLen bytes fits
// in the node's allocated size.
func (f *Full) ContentFits(valLen int) bool {
	return f.contentStart()+valLen <= f.Size()
}

// BranchAddress returns the child address stored for next-byte b, the
// null address if no branch exists there.
func (f *Full) BranchAddress(b byte) addralloc.Address {
	off := f.slotOffset(b)
	return addralloc.Address{
		Region: binary.LittleEndian.Uint16(f.buf[off:]),
		Index:  binary.LittleEndian.Uint16(f.buf[off+2:]),
	}
}

// HasBranch reports whether byte b has a non-null branch.
func (f *Full) HasBranch(b byte) bool { return f.BranchAddress(b) != (addralloc.Address{}) }

// SetBranch installs (or overwrites) the branch for byte b, maintaining
// NumBranches.
func (f *Full) SetBranch(b byte, addr addralloc.Address) {
	had := f.HasBranch(b)
	off := f.slotOffset(b)
	binary.LittleEndian.PutUint16(f.buf[off:], addr.Region)
	binary.LittleEndian.PutUint16(f.buf[off+2:], addr.Index)
	if !had && addr != (addralloc.Address{}) {
		f.setNumBranches(f.NumBranches() + 1)
	}
}

// RemoveBranch clears the branch for byte b.
func (f *Full) RemoveBranch(b byte) {
	if !f.HasBranch(b) {
		return
	}
	off := f.slotOffset(b)
	binary.LittleEndian.PutUint16(f.buf[off:], 0)
	binary.LittleEndian.PutUint16(f.buf[off+2:], 0)
	f.setNumBranches(f.NumBranches() - 1)
}

// IsEmpty reports no branches and no eof value.
func (f *Full) IsEmpty() bool { return f.NumBranches() == 0 && !f.HasEOF() }

// Get looks up the branch for byte b, the uniform lookup the mutation
// kernel's upsert_inner drives regardless of whether the node is a
// SetList or a Full node.
func (f *Full) Get(b byte) (addralloc.Address, bool) {
	if !f.HasBranch(b) {
		return addralloc.Address{}, false
	}
	return f.BranchAddress(b), true
}

// Put installs or overwrites the branch for byte b. Always succeeds: a
// full node has a dense, fixed-size table with no capacity ceiling.
func (f *Full) Put(b byte, addr addralloc.Address) bool {
	f.SetBranch(b, addr)
	return true
}

// Delete removes the branch for byte b, if present.
func (f *Full) Delete(b byte) { f.RemoveBranch(b) }

// NextByte returns the smallest byte >= from with a non-null branch,
// and ok=false if none exists — the iteration primitive Branches uses.
func (f *Full) NextByte(from int) (b byte, ok bool) {
	for i := from; i < fullTableSlots; i++ {
		if f.HasBranch(byte(i)) {
			return byte(i), true
		}
	}
	return 0, false
}
