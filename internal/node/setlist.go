package node

import (
	"encoding/binary"

	"github.com/iamNilotpal/triestore/internal/addralloc"
)

// branchEntrySize is the width of one (byte -> address) branch pair in
// a set-list node's ordered branch table.
const branchEntrySize = 6
const setListBodyOffset = 48

// SetList is a radix-trie inner node for mid fan-out (spec.md §3, "Set-list
// node"): a prefix, an optional end-of-key value, and an ordered list of
// up to ~128 (branch_byte -> child_address) pairs.
//
// Layout after the common header:
//
//	[32:34) NumBranches uint16
//	[34:36) Capacity    uint16 (branch slots reserved; promote to Full at FullNodeThreshold)
//	[36:38) PrefixLen   uint16
//	[38:39) EOFKind     (ValueKind, meaningful iff header flagHasEOF is set)
//	[39:40) reserved
//	[40:42) EOFA        (inline: content offset; objid/subtree: address.Region)
//	[42:44) EOFB        (inline: unused;         objid/subtree: address.Index)
//	[44:46) EOFLen      (inline value length)
//	[46:48) reserved
//	[48 : 48+PrefixLen) prefix bytes
//	[48+PrefixLen : +Capacity*branchEntrySize) branch table, sorted by byte
//	remaining bytes: content area for an inline eof value, if any
//
// Each branch entry is 6 bytes: [0]=byte, [1]=reserved, [2:4)=address.Region,
// [4:6)=address.Index.
type SetList struct{ header }

// FullNodeThreshold is the branch count at or above which a set-list
// node must promote to a Full node, per spec.md §4.8's "validate()"
// promotion rule.
const FullNodeThreshold = 128

// SetListAllocSize computes the bytes needed for a set-list node with
// the given prefix length, branch capacity, and inline eof content
// bytes.
func SetListAllocSize(prefixLen, capacity, eofContentBytes int) int {
	return Align(setListBodyOffset + prefixLen + capacity*branchEntrySize + eofContentBytes)
}

// InitSetList placement-constructs an empty (no branches, no eof)
// set-list node with the given prefix.
func InitSetList(buf []byte, addr addralloc.Address, seq uint32, prefix []byte, capacity, eofContentBytes int) *SetList {
	size := SetListAllocSize(len(prefix), capacity, eofContentBytes)
	h := initHeader(buf, addralloc.TypeSetList, addr, seq, size)
	s := &SetList{header: h}
	s.setNumBranches(0)
	s.setCapacity(capacity)
	s.setPrefixLen(len(prefix))
	copy(buf[setListBodyOffset:setListBodyOffset+len(prefix)], prefix)
	return s
}

// OpenSetList wraps an existing set-list buffer.
func OpenSetList(buf []byte) *SetList { return &SetList{header: header{buf: buf}} }

func (s *SetList) NumBranches() int { return int(binary.LittleEndian.Uint16(s.buf[32:34])) }
func (s *SetList) setNumBranches(n int) {
	binary.LittleEndian.PutUint16(s.buf[32:34], uint16(n))
}

func (s *SetList) Capacity() int { return int(binary.LittleEndian.Uint16(s.buf[34:36])) }
func (s *SetList) setCapacity(n int) {
	binary.LittleEndian.PutUint16(s.buf[34:36], uint16(n))
}

func (s *SetList) PrefixLen() int { return int(binary.LittleEndian.Uint16(s.buf[36:38])) }
func (s *SetList) setPrefixLen(n int) {
	binary.LittleEndian.PutUint16(s.buf[36:38], uint16(n))
}

// Prefix returns the node's shared key prefix.
func (s *SetList) Prefix() []byte {
	return s.buf[setListBodyOffset : setListBodyOffset+s.PrefixLen()]
}

func (s *SetList) branchOffset(i int) int {
	return setListBodyOffset + s.PrefixLen() + i*branchEntrySize
}

func (s *SetList) contentStart() int {
	return setListBodyOffset + s.PrefixLen() + s.Capacity()*branchEntrySize
}

// HasEOF reports whether this node has an end-of-key value.
func (s *SetList) HasEOF() bool { return s.flags()&flagHasEOF != 0 }

func (s *SetList) eofKind() ValueKind { return ValueKind(s.buf[38]) }
func (s *SetList) setEOFKind(k ValueKind) { s.buf[38] = byte(k) }
func (s *SetList) eofA() uint16 { return binary.LittleEndian.Uint16(s.buf[40:42]) }
func (s *SetList) eofB() uint16 { return binary.LittleEndian.Uint16(s.buf[42:44]) }
func (s *SetList) eofLen() int  { return int(binary.LittleEndian.Uint16(s.buf[44:46])) }

// EOFValueKind reports how the eof value is stored. Callers must check
// HasEOF first.
func (s *SetList) EOFValueKind() ValueKind { return s.eofKind() }

// EOFInlineValue returns the inline eof value bytes.
func (s *SetList) EOFInlineValue() []byte {
	off := int(s.eofA())
	return s.buf[off : off+s.eofLen()]
}

// EOFRefAddress returns the eof value's referenced address (obj-id or
// subtree).
func (s *SetList) EOFRefAddress() addralloc.Address {
	return addralloc.Address{Region: s.eofA(), Index: s.eofB()}
}

// SetEOF installs or overwrites the eof value, returning the prior
// referenced address to release, if any. Callers using the inline kind
// must ensure the content area has room (ContentFits).
func (s *SetList) SetEOF(kind ValueKind, a, b uint16, inlineValue []byte) addralloc.Address {
	var prior addralloc.Address
	if s.HasEOF() && s.eofKind() != ValueInline {
		prior = s.EOFRefAddress()
	}

	valA, valLen := a, len(inlineValue)
	if kind == ValueInline {
		off := s.contentStart()
		valA = uint16(off)
		copy(s.buf[off:off+len(inlineValue)], inlineValue)
	}

	s.setEOFKind(kind)
	binary.LittleEndian.PutUint16(s.buf[40:42], valA)
	binary.LittleEndian.PutUint16(s.buf[42:44], b)
	binary.LittleEndian.PutUint16(s.buf[44:46], uint16(valLen))
	s.setFlags(s.flags() | flagHasEOF)
	return prior
}

// ClearEOF removes the eof value, returning the prior referenced
// address to release, if any.
func (s *SetList) ClearEOF() addralloc.Address {
	var prior addralloc.Address
	if s.HasEOF() && s.eofKind() != ValueInline {
		prior = s.EOFRefAddress()
	}
	s.setFlags(s.flags() &^ flagHasEOF)
	return prior
}

// ContentFits reports whether an inline eof value of valLen bytes fits
// in the node's allocated size.
func (s *SetList) ContentFits(valLen int) bool {
	return s.contentStart()+valLen <= s.Size()
}

func (s *SetList) branchByte(i int) byte    { return s.buf[s.branchOffset(i)] }
func (s *SetList) branchAddr(i int) addralloc.Address {
	off := s.branchOffset(i)
	return addralloc.Address{
		Region: binary.LittleEndian.Uint16(s.buf[off+2:]),
		Index:  binary.LittleEndian.Uint16(s.buf[off+4:]),
	}
}
func (s *SetList) writeBranch(i int, b byte, addr addralloc.Address) {
	off := s.branchOffset(i)
	s.buf[off] = b
	binary.LittleEndian.PutUint16(s.buf[off+2:], addr.Region)
	binary.LittleEndian.PutUint16(s.buf[off+4:], addr.Index)
}

// FindBranch returns the index of the branch for b, or -1 if absent.
// Linear scan is fine at this fan-out (spec.md caps set-list at ~128
// branches); the ordering invariant is what Validate checks.
func (s *SetList) FindBranch(b byte) int {
	n := s.NumBranches()
	for i := 0; i < n; i++ {
		if s.branchByte(i) == b {
			return i
		}
		if s.branchByte(i) > b {
			break
		}
	}
	return -1
}

// BranchAddress returns the child address stored at branch index i.
func (s *SetList) BranchAddress(i int) addralloc.Address { return s.branchAddr(i) }

// BranchByte returns the distinguishing byte stored at branch index i.
func (s *SetList) BranchByte(i int) byte { return s.branchByte(i) }

// SetBranch overwrites an existing branch's address in place.
func (s *SetList) SetBranch(i int, addr addralloc.Address) {
	off := s.branchOffset(i)
	binary.LittleEndian.PutUint16(s.buf[off+2:], addr.Region)
	binary.LittleEndian.PutUint16(s.buf[off+4:], addr.Index)
}

// CanAddBranch reports whether one more branch fits before a promotion
// to Full is required.
func (s *SetList) CanAddBranch() bool {
	return s.NumBranches() < s.Capacity() && s.NumBranches() < FullNodeThreshold
}

// AddBranch inserts a new (b, addr) branch maintaining sort order.
// Caller must have verified CanAddBranch and that b is not already
// present.
func (s *SetList) AddBranch(b byte, addr addralloc.Address) {
	n := s.NumBranches()
	idx := n
	for i := 0; i < n; i++ {
		if s.branchByte(i) > b {
			idx = i
			break
		}
	}
	for i := n; i > idx; i-- {
		off, prevOff := s.branchOffset(i), s.branchOffset(i-1)
		copy(s.buf[off:off+branchEntrySize], s.buf[prevOff:prevOff+branchEntrySize])
	}
	s.writeBranch(idx, b, addr)
	s.setNumBranches(n + 1)
}

// RemoveBranch deletes the branch at index i.
func (s *SetList) RemoveBranch(i int) {
	n := s.NumBranches()
	for j := i; j < n-1; j++ {
		off, nextOff := s.branchOffset(j), s.branchOffset(j+1)
		copy(s.buf[off:off+branchEntrySize], s.buf[nextOff:nextOff+branchEntrySize])
	}
	s.setNumBranches(n - 1)
}

// Validate checks the ordered-branch-list invariant spec.md §4.8 calls
// for: strictly increasing branch bytes.
func (s *SetList) Validate() bool {
	n := s.NumBranches()
	for i := 1; i < n; i++ {
		if s.branchByte(i-1) >= s.branchByte(i) {
			return false
		}
	}
	return true
}

// IsEmpty reports no branches and no eof value — the node should be
// released entirely.
func (s *SetList) IsEmpty() bool { return s.NumBranches() == 0 && !s.HasEOF() }

// Get looks up the branch for byte b, the uniform lookup the mutation
// kernel's upsert_inner drives regardless of whether the node is a
// SetList or a Full node.
func (s *SetList) Get(b byte) (addralloc.Address, bool) {
	idx := s.FindBranch(b)
	if idx < 0 {
		return addralloc.Address{}, false
	}
	return s.BranchAddress(idx), true
}

// Put installs or overwrites the branch for byte b, returning false if
// b is new and the node has no room left (the kernel must promote to
// Full in that case).
func (s *SetList) Put(b byte, addr addralloc.Address) bool {
	if idx := s.FindBranch(b); idx >= 0 {
		s.SetBranch(idx, addr)
		return true
	}
	if !s.CanAddBranch() {
		return false
	}
	s.AddBranch(b, addr)
	return true
}

// Delete removes the branch for byte b, if present.
func (s *SetList) Delete(b byte) {
	if idx := s.FindBranch(b); idx >= 0 {
		s.RemoveBranch(idx)
	}
}
