package addralloc

// MetaWord is the packed representation of one address's meta slot: a
// single 64-bit word encoding reference count, physical location, node
// type tag, and the read/copy/const/pending-cache state flags the
// compactor and object-reference layer coordinate through. Packing every
// field into one word lets every transition (retain, release,
// try_start_move, try_move) happen with a single CAS instead of needing
// to lock several fields together.
//
// Layout (low bit to high bit):
//
//	[0:12)  ref_count   (saturating; 4095 means "many", never decremented below 1 by that path)
//	[12:14) type_tag     (value | binary | set-list | full)
//	[14:15) read_bit
//	[15:16) copy_flag
//	[16:17) const_flag
//	[17:18) pending_cache
//	[18:38) segment_id   (20 bits)
//	[38:64) offset_words (26 bits; physical byte offset / 64)
type MetaWord uint64

const (
	refCountBits    = 12
	typeTagBits     = 2
	segmentIDBits   = 20
	offsetWordsBits = 26

	refCountShift    = 0
	typeTagShift     = refCountShift + refCountBits
	readBitShift     = typeTagShift + typeTagBits
	copyFlagShift    = readBitShift + 1
	constFlagShift   = copyFlagShift + 1
	pendingShift     = constFlagShift + 1
	segmentIDShift   = pendingShift + 1
	offsetWordsShift = segmentIDShift + segmentIDBits

	refCountMask    = uint64(1)<<refCountBits - 1
	typeTagMask     = uint64(1)<<typeTagBits - 1
	segmentIDMask   = uint64(1)<<segmentIDBits - 1
	offsetWordsMask = uint64(1)<<offsetWordsBits - 1

	// MaxRefCount is the saturating ceiling for the ref-count field; once
	// reached, further Retain calls leave it unchanged and "many" is the
	// only answer a reader needs (this engine never counts down from a
	// saturated value back to an exact count).
	MaxRefCount = uint32(refCountMask)
)

// TypeTag distinguishes the four node layouts a meta slot's location may
// point at, independent of the value-type tag carried inside a binary
// node's own slots.
type TypeTag uint8

const (
	TypeValue TypeTag = iota
	TypeBinary
	TypeSetList
	TypeFull
)

// Location is a meta slot's physical address: a segment number plus a
// 64-byte-aligned word offset within it. The zero Location is the null
// location — no live object may legitimately resolve to segment 0, word
// offset 0, since that range is reserved for the database header.
type Location struct {
	SegmentID   uint32
	OffsetWords uint32
}

// IsNull reports whether l is the sentinel null location.
func (l Location) IsNull() bool { return l.SegmentID == 0 && l.OffsetWords == 0 }

// Offset returns the location's byte offset within its segment.
func (l Location) Offset() int64 { return int64(l.OffsetWords) * 64 }

// LocationFromOffset builds a Location from a segment number and a byte
// offset, rounding the offset down to the nearest 64-byte word the way
// every object header is aligned.
func LocationFromOffset(segmentID uint32, byteOffset int64) Location {
	return Location{SegmentID: segmentID, OffsetWords: uint32(byteOffset / 64)}
}

// Pack assembles a MetaWord from its fields.
func Pack(refCount uint32, tag TypeTag, readBit, copyFlag, constFlag, pendingCache bool, loc Location) MetaWord {
	var w uint64
	w |= uint64(refCount) & refCountMask << refCountShift
	w |= uint64(tag) & typeTagMask << typeTagShift
	w |= boolBit(readBit) << readBitShift
	w |= boolBit(copyFlag) << copyFlagShift
	w |= boolBit(constFlag) << constFlagShift
	w |= boolBit(pendingCache) << pendingShift
	w |= uint64(loc.SegmentID) & segmentIDMask << segmentIDShift
	w |= uint64(loc.OffsetWords) & offsetWordsMask << offsetWordsShift
	return MetaWord(w)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// RefCount returns the packed reference count.
func (m MetaWord) RefCount() uint32 {
	return uint32(uint64(m) >> refCountShift & refCountMask)
}

// TypeTag returns the packed node type tag.
func (m MetaWord) TypeTag() TypeTag {
	return TypeTag(uint64(m) >> typeTagShift & typeTagMask)
}

// ReadBit reports whether the read bit is set.
func (m MetaWord) ReadBit() bool { return uint64(m)>>readBitShift&1 != 0 }

// CopyFlag reports whether the compactor currently has this object's
// relocation in progress.
func (m MetaWord) CopyFlag() bool { return uint64(m)>>copyFlagShift&1 != 0 }

// ConstFlag reports whether the object must be copy-on-write on any
// mutation regardless of ref-count.
func (m MetaWord) ConstFlag() bool { return uint64(m)>>constFlagShift&1 != 0 }

// PendingCache reports whether the address is queued for read-cache
// promotion.
func (m MetaWord) PendingCache() bool { return uint64(m)>>pendingShift&1 != 0 }

// Location returns the packed physical location.
func (m MetaWord) Location() Location {
	return Location{
		SegmentID:   uint32(uint64(m) >> segmentIDShift & segmentIDMask),
		OffsetWords: uint32(uint64(m) >> offsetWordsShift & offsetWordsMask),
	}
}

// IsFree reports whether this word represents an unallocated slot: a
// zero ref-count with a null location.
func (m MetaWord) IsFree() bool {
	return m.RefCount() == 0 && m.Location().IsNull()
}

// withRefCount returns a copy of m with its ref-count field replaced.
func (m MetaWord) withRefCount(n uint32) MetaWord {
	return MetaWord(uint64(m)&^(refCountMask<<refCountShift) | uint64(n)&refCountMask<<refCountShift)
}

// withLocation returns a copy of m with its location field replaced.
func (m MetaWord) withLocation(loc Location) MetaWord {
	cleared := uint64(m) &^ (segmentIDMask<<segmentIDShift | offsetWordsMask<<offsetWordsShift)
	cleared |= uint64(loc.SegmentID) & segmentIDMask << segmentIDShift
	cleared |= uint64(loc.OffsetWords) & offsetWordsMask << offsetWordsShift
	return MetaWord(cleared)
}

// withFlag returns a copy of m with the bit at shift set to value.
func (m MetaWord) withFlag(shift uint, value bool) MetaWord {
	if value {
		return MetaWord(uint64(m) | 1<<shift)
	}
	return MetaWord(uint64(m) &^ (1 << shift))
}
