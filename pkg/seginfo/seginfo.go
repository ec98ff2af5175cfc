// Package seginfo describes per-segment metadata for fixed-size segments.
// No other package in this module imports it; internal/segalloc tracks
// its segments with its own in-memory state.
//
// Earlier designs in this lineage gave every segment its own on-disk file,
// named "prefix_NNNNN_timestamp.seg" and discovered by directory listing.
// TrieStore's segments are fixed-size blocks of memory-mapped slab files
// instead (see internal/blockalloc), so there is nothing to list or parse a
// filename out of; what survives from that design is the sequencing and
// freshness bookkeeping, now expressed directly over a segment's header
// fields rather than over a file name.
package seginfo

import "fmt"

// ID names one segment by its position within the data file: SegmentSize * ID
// is the byte offset of the segment's first byte.
type ID uint32

// Sealed marks a segment's AllocPos when it is not the currently active
// target of any write session.
const Sealed int64 = -1

// Header is the per-segment metadata this package describes. It is a plain
// in-memory value; this package does not store it in any file.
type Header struct {
	// AllocPos is the bump-allocation cursor within the segment; Sealed
	// (-1) means the segment is not currently active.
	AllocPos int64

	// FreeSpace is the number of bytes reclaimable due to objects whose
	// ref-count dropped to zero after they were written into this segment.
	FreeSpace uint64

	// IsAlloc reports whether some session currently holds this segment as
	// its active write target.
	IsAlloc bool

	// IsPinned reports whether this segment is mlocked in RAM.
	IsPinned bool

	// VAge is the monotone virtual-age clock assigned when the segment
	// became active. The compactor inherits the highest source VAge into a
	// destination segment so that data of similar age stays colocated.
	VAge uint64

	// LastSyncPos is the highest byte offset known durable on disk.
	LastSyncPos int64
}

// NewHeader returns a fresh header for a segment that has just been
// provided for writing, stamped with the given virtual age.
func NewHeader(vage uint64) Header {
	return Header{AllocPos: 0, VAge: vage}
}

// IsSealed reports whether the segment is not an active write target.
func (h *Header) IsSealed() bool {
	return h.AllocPos == Sealed
}

// Remaining returns how many bytes are left before the segment fills,
// given the configured fixed segment size.
func (h *Header) Remaining(segmentSize uint64) uint64 {
	if h.IsSealed() || uint64(h.AllocPos) >= segmentSize {
		return 0
	}
	return segmentSize - uint64(h.AllocPos)
}

// Reset returns the header to its post-recycle state: no allocation, no
// dead space, no durability watermark. The caller decides whether IsPinned
// survives the recycle.
func (h *Header) Reset() {
	h.AllocPos = 0
	h.FreeSpace = 0
	h.LastSyncPos = 0
}

// Seal marks the segment as no longer an active write target.
func (h *Header) Seal() {
	h.AllocPos = Sealed
}

// String renders the header as one line of key=value pairs.
func (h Header) String() string {
	return fmt.Sprintf(
		"alloc_pos=%d free_space=%d is_alloc=%t is_pinned=%t vage=%d last_sync_pos=%d",
		h.AllocPos, h.FreeSpace, h.IsAlloc, h.IsPinned, h.VAge, h.LastSyncPos,
	)
}
