package node

import (
	"bytes"
	"encoding/binary"

	"github.com/iamNilotpal/triestore/internal/addralloc"
)

// ValueKind tags what a binary node slot's value actually is, a concern
// spec.md §4.8/§9 calls out as orthogonal to the meta slot's own type
// tag: a slot's bytes may be the value itself, the address of a value
// node holding the real bytes, or the address of a subtree root.
type ValueKind uint8

const (
	ValueInline ValueKind = iota
	ValueObjID
	ValueSubtree
)

// entrySize is the fixed width of one binary-node directory entry.
const entrySize = 16
const binaryBodyOffset = 48

// Binary wraps a binary-node buffer: a sorted, compact key/value table
// used for small fan-out (spec.md §3, "Binary node").
//
// Layout after the common header:
//
//	[32:34) NumEntries  uint16
//	[34:36) Capacity    uint16 (max directory entries before a refactor is required)
//	[36:40) DeadSpace   uint32 (bytes of reclaimable content from removed/updated slots)
//	[40:44) ContentEnd  uint32 (next free byte offset in the content area)
//	[44:46) Reallocated uint16 (nonzero once any slot has been reinserted elsewhere
//	                            in the content area, used by IsOptimalLayout)
//	[46:48) reserved
//	[48 : 48+Capacity*entrySize) directory entries, sorted by key
//	[48+Capacity*entrySize : Size) content area (keys, and inline values)
//
// Each directory entry is 16 bytes:
//
//	[0:2)  KeyOff   (byte offset of the key within the content area)
//	[2:4)  KeyLen
//	[4:5)  ValKind
//	[5:6)  reserved
//	[6:8)  ValA     (inline: value offset; objid/subtree: address.Region)
//	[8:10) ValB     (inline: unused;       objid/subtree: address.Index)
//	[10:12) ValLen  (inline: value length; objid/subtree: unused)
//	[12:16) reserved
type Binary struct{ header }

// BinaryAllocSize computes the bytes needed for a binary node with room
// for capacity directory entries and contentBytes bytes of key/value
// content.
func BinaryAllocSize(capacity, contentBytes int) int {
	return Align(binaryBodyOffset + capacity*entrySize + contentBytes)
}

// InitBinary placement-constructs an empty binary node with room for
// capacity entries and contentBytes bytes of content.
func InitBinary(buf []byte, addr addralloc.Address, seq uint32, capacity, contentBytes int) *Binary {
	size := BinaryAllocSize(capacity, contentBytes)
	h := initHeader(buf, addralloc.TypeBinary, addr, seq, size)
	b := &Binary{header: h}
	b.setNumEntries(0)
	b.setCapacity(capacity)
	b.setDeadSpace(0)
	b.setContentEnd(uint32(binaryBodyOffset + capacity*entrySize))
	return b
}

// OpenBinary wraps an existing binary-node buffer.
func OpenBinary(buf []byte) *Binary { return &Binary{header: header{buf: buf}} }

func (b *Binary) NumEntries() int { return int(binary.LittleEndian.Uint16(b.buf[32:34])) }
func (b *Binary) setNumEntries(n int) {
	binary.LittleEndian.PutUint16(b.buf[32:34], uint16(n))
}

func (b *Binary) Capacity() int { return int(binary.LittleEndian.Uint16(b.buf[34:36])) }
func (b *Binary) setCapacity(n int) {
	binary.LittleEndian.PutUint16(b.buf[34:36], uint16(n))
}

func (b *Binary) DeadSpace() int { return int(binary.LittleEndian.Uint32(b.buf[36:40])) }
func (b *Binary) setDeadSpace(n int) {
	binary.LittleEndian.PutUint32(b.buf[36:40], uint32(n))
}
func (b *Binary) addDeadSpace(n int) { b.setDeadSpace(b.DeadSpace() + n) }

func (b *Binary) contentEnd() int { return int(binary.LittleEndian.Uint32(b.buf[40:44])) }
func (b *Binary) setContentEnd(n uint32) {
	binary.LittleEndian.PutUint32(b.buf[40:44], n)
}

func (b *Binary) reallocated() bool { return binary.LittleEndian.Uint16(b.buf[44:46]) != 0 }
func (b *Binary) markReallocated() { binary.LittleEndian.PutUint16(b.buf[44:46], 1) }

func (b *Binary) entryOffset(i int) int { return binaryBodyOffset + i*entrySize }

func (b *Binary) entryKeyOff(i int) int { return int(binary.LittleEndian.Uint16(b.buf[b.entryOffset(i):])) }
func (b *Binary) entryKeyLen(i int) int {
	return int(binary.LittleEndian.Uint16(b.buf[b.entryOffset(i)+2:]))
}
func (b *Binary) entryValKind(i int) ValueKind { return ValueKind(b.buf[b.entryOffset(i)+4]) }
func (b *Binary) entryValA(i int) uint16 {
	return binary.LittleEndian.Uint16(b.buf[b.entryOffset(i)+6:])
}
func (b *Binary) entryValB(i int) uint16 {
	return binary.LittleEndian.Uint16(b.buf[b.entryOffset(i)+8:])
}
func (b *Binary) entryValLen(i int) int {
	return int(binary.LittleEndian.Uint16(b.buf[b.entryOffset(i)+10:]))
}

func (b *Binary) writeEntry(i int, keyOff, keyLen int, kind ValueKind, a, valB uint16, valLen int) {
	off := b.entryOffset(i)
	binary.LittleEndian.PutUint16(b.buf[off:], uint16(keyOff))
	binary.LittleEndian.PutUint16(b.buf[off+2:], uint16(keyLen))
	b.buf[off+4] = byte(kind)
	binary.LittleEndian.PutUint16(b.buf[off+6:], a)
	binary.LittleEndian.PutUint16(b.buf[off+8:], valB)
	binary.LittleEndian.PutUint16(b.buf[off+10:], uint16(valLen))
}

// GetKey returns entry i's key bytes.
func (b *Binary) GetKey(i int) []byte {
	off := b.entryKeyOff(i)
	return b.buf[off : off+b.entryKeyLen(i)]
}

// GetValueKind reports how entry i's value is stored.
func (b *Binary) GetValueKind(i int) ValueKind { return b.entryValKind(i) }

// GetInlineValue returns entry i's inline value bytes. Callers must
// check GetValueKind(i) == ValueInline first.
func (b *Binary) GetInlineValue(i int) []byte {
	off := int(b.entryValA(i))
	return b.buf[off : off+b.entryValLen(i)]
}

// GetRefAddress returns entry i's referenced address (an obj-id value
// node or a subtree root). Callers must check GetValueKind(i) first.
func (b *Binary) GetRefAddress(i int) addralloc.Address {
	return addralloc.Address{Region: b.entryValA(i), Index: b.entryValB(i)}
}

// IsObjID reports whether entry i's value is an obj-id reference.
func (b *Binary) IsObjID(i int) bool { return b.entryValKind(i) == ValueObjID }

// IsSubtree reports whether entry i's value is a subtree reference.
func (b *Binary) IsSubtree(i int) bool { return b.entryValKind(i) == ValueSubtree }

// LowerBoundIdx returns the index of the first entry whose key is >=
// key, or NumEntries() if none qualifies — the binary-search insertion
// point every sorted mutation is built around.
func (b *Binary) LowerBoundIdx(key []byte) int {
	lo, hi := 0, b.NumEntries()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(b.GetKey(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindKeyIdx returns the index of key, or -1 if absent.
func (b *Binary) FindKeyIdx(key []byte) int {
	i := b.LowerBoundIdx(key)
	if i < b.NumEntries() && bytes.Equal(b.GetKey(i), key) {
		return i
	}
	return -1
}

// contentBytesNeeded returns how many content-area bytes a new entry
// with this key/value shape would consume.
func contentBytesNeeded(keyLen int, kind ValueKind, valLen int) int {
	n := keyLen
	if kind == ValueInline {
		n += valLen
	}
	return n
}

// CanInsert reports whether a new entry can be added without a
// refactor: room in the directory and room in the content area.
func (b *Binary) CanInsert(keyLen int, kind ValueKind, valLen int) bool {
	if b.NumEntries() >= b.Capacity() {
		return false
	}
	need := contentBytesNeeded(keyLen, kind, valLen)
	return b.contentEnd()+need <= b.Size()
}

// CanInline reports whether a value of this length can be stored inline
// rather than promoted to a separate value-node object, per spec.md
// §4.8's "promoting large values to separate value-node addresses if
// they cannot be inlined" rule. inlineLimit is the caller's configured
// threshold (kernel.maxInlineValue).
func CanInline(valueLen, inlineLimit int) bool { return valueLen <= inlineLimit }

// Insert places a new entry at sorted position idx (obtained from
// LowerBoundIdx), shifting later entries right by one directory slot.
// Caller must have verified CanInsert.
func (b *Binary) Insert(idx int, key []byte, kind ValueKind, a, valB uint16, valLen int, inlineValue []byte) {
	n := b.NumEntries()
	for i := n; i > idx; i-- {
		b.copyEntry(i, i-1)
	}

	keyOff := b.contentEnd()
	copy(b.buf[keyOff:keyOff+len(key)], key)
	nextEnd := keyOff + len(key)

	valOff := a
	vLen := valLen
	switch kind {
	case ValueInline:
		valOff = uint16(nextEnd)
		copy(b.buf[nextEnd:nextEnd+len(inlineValue)], inlineValue)
		nextEnd += len(inlineValue)
		vLen = len(inlineValue)
	}

	b.writeEntry(idx, keyOff, len(key), kind, valOff, valB, vLen)
	b.setContentEnd(uint32(nextEnd))
	b.setNumEntries(n + 1)
}

func (b *Binary) copyEntry(dst, src int) {
	copy(b.buf[b.entryOffset(dst):b.entryOffset(dst)+entrySize], b.buf[b.entryOffset(src):b.entryOffset(src)+entrySize])
}

// Remove deletes entry idx, crediting its key (and inline value, if
// any) bytes to DeadSpace and shifting later entries left. Returns the
// removed entry's referenced address if it held one (objid/subtree),
// so the caller can release it.
func (b *Binary) Remove(idx int) (kind ValueKind, ref addralloc.Address) {
	kind = b.entryValKind(idx)
	if kind != ValueInline {
		ref = b.GetRefAddress(idx)
	}
	dead := b.entryKeyLen(idx)
	if kind == ValueInline {
		dead += b.entryValLen(idx)
	}
	b.addDeadSpace(dead)

	n := b.NumEntries()
	for i := idx; i < n-1; i++ {
		b.copyEntry(i, i+1)
	}
	b.setNumEntries(n - 1)
	return kind, ref
}

// SetValueInPlace overwrites entry idx's value when it already fits
// (same or smaller inline footprint, or a plain address swap). Returns
// the prior referenced address to release, if any.
func (b *Binary) SetValueInPlace(idx int, kind ValueKind, a, valB uint16, valLen int, inlineValue []byte) addralloc.Address {
	priorKind := b.entryValKind(idx)
	var prior addralloc.Address
	if priorKind != ValueInline {
		prior = b.GetRefAddress(idx)
	}

	if kind == ValueInline && priorKind == ValueInline && valLen <= b.entryValLen(idx) {
		off := int(b.entryValA(idx))
		copy(b.buf[off:off+len(inlineValue)], inlineValue)
		if valLen < b.entryValLen(idx) {
			b.addDeadSpace(b.entryValLen(idx) - valLen)
		}
		binary.LittleEndian.PutUint16(b.buf[b.entryOffset(idx)+10:], uint16(valLen))
		return prior
	}

	// Reinsert: append fresh content at the end (may waste the old
	// content as dead space) and rewrite the entry's value fields,
	// leaving key and position untouched.
	keyOff := b.entryKeyOff(idx)
	keyLen := b.entryKeyLen(idx)
	valOff := a
	vLen := valLen
	if kind == ValueInline {
		end := b.contentEnd()
		valOff = uint16(end)
		copy(b.buf[end:end+len(inlineValue)], inlineValue)
		b.setContentEnd(uint32(end + len(inlineValue)))
		vLen = len(inlineValue)
	}
	if priorKind == ValueInline {
		b.addDeadSpace(b.entryValLen(idx))
	}
	b.markReallocated()
	b.writeEntry(idx, keyOff, keyLen, kind, valOff, valB, vLen)
	return prior
}

// CanReinsert reports whether SetValueInPlace's reinsert path (append
// fresh content rather than grow in place) has room.
func (b *Binary) CanReinsert(kind ValueKind, valLen int) bool {
	need := 0
	if kind == ValueInline {
		need = valLen
	}
	return b.contentEnd()+need <= b.Size()
}

// CanUpdateWithCompaction reports whether a value update would fit if
// the node's dead space were first reclaimed — signals the kernel to
// prefer an in-place compaction over a full clone/refactor.
func (b *Binary) CanUpdateWithCompaction(kind ValueKind, valLen int) bool {
	need := 0
	if kind == ValueInline {
		need = valLen
	}
	reclaimable := b.Size() - b.contentEnd() + b.DeadSpace()
	return need <= reclaimable
}

// IsOptimalLayout reports no dead space and no prior reinsert-driven
// reallocation, spec.md §4.8's literal definition.
func (b *Binary) IsOptimalLayout() bool { return b.DeadSpace() == 0 && !b.reallocated() }

// IsEmpty reports whether the node holds no entries, the signal the
// kernel uses to release the node entirely rather than leave an empty
// binary node reachable.
func (b *Binary) IsEmpty() bool { return b.NumEntries() == 0 }

// Keys returns every key currently stored, in sorted order.
func (b *Binary) Keys() [][]byte {
	out := make([][]byte, b.NumEntries())
	for i := range out {
		out[i] = b.GetKey(i)
	}
	return out
}
