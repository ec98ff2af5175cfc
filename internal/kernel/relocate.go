package kernel

import (
	"context"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/node"
	"github.com/iamNilotpal/triestore/internal/objref"
	"github.com/iamNilotpal/triestore/internal/segalloc"
)

// Relocate implements segalloc.RelocateFunc: it walks every object
// physically stored in seg and, for each one still live (its meta slot's
// location still points here), copies it into ses's currently active
// segment and flips the address table's location to match. It is the
// mutation kernel's half of spec.md §4.10's compaction step — segalloc
// decides which segment to compact and when; internal/kernel alone knows
// how to read a node's header to find the next object and how far a
// node's own children extend.
//
// Grounded on original_source/libraries/sal/src/seg_allocator.cpp's
// compact_segment, generalized from that file's templated walk over one
// concrete node type into a walk dispatched on node.TypeOf per object,
// since this port's objects are never larger than the header declares
// and a node's buffer carries no interior pointers needing fixup — only
// its own logical address changes location, never the addresses it
// refers to — so relocation is exactly "copy bytes, then swing one meta
// slot", with no node-aware rewrite step.
func (s *Store) Relocate(ctx context.Context, ses *segalloc.Session, seg segalloc.SegmentNumber) error {
	blk, err := s.segs.Block(seg)
	if err != nil {
		return err
	}

	off := int64(0)
	for off < int64(len(blk)) {
		peek := blk[off:]
		size := node.SizeOf(peek)
		if size <= 0 {
			// Unwritten tail of the segment: nothing further was ever
			// allocated here.
			break
		}

		if err := s.relocateOne(ctx, ses, seg, off, peek[:size]); err != nil {
			return err
		}
		off += int64(size)
	}
	return nil
}

// relocateOne moves the single object found at (seg, off) if it is still
// live there, skipping it (no-op) if a concurrent release already freed
// it or a concurrent relocation already moved it elsewhere.
func (s *Store) relocateOne(ctx context.Context, ses *segalloc.Session, seg segalloc.SegmentNumber, off int64, buf []byte) error {
	addr := node.AddressOf(buf)
	ref, err := objref.Lookup(s.addrs, addr)
	if err != nil {
		// The address table doesn't know this slot at all (already
		// freed and possibly reused by a fresher object elsewhere) —
		// this physical copy is dead, nothing to relocate.
		return nil
	}

	from := addralloc.Location{SegmentID: uint32(seg), OffsetWords: uint32(off)}
	if ref.Loc() != from {
		// Already moved, or the slot now names a different object
		// entirely; either way this physical copy is dead.
		return nil
	}

	if !ref.TryStartMove(from) {
		// Lost a race with a concurrent compactor pass or an in-flight
		// release; leave it for whichever operation won.
		return nil
	}

	size := len(buf)
	to, dst, err := s.allocBuf(ctx, ses, size)
	if err != nil {
		ref.AbortMove()
		return err
	}
	copy(dst, buf)
	node.UpdateChecksum(dst)

	if !ref.TryMove(from, to) {
		// The object was freed out from under us between TryStartMove
		// and here; the destination bytes are simply abandoned — the
		// segment they landed in will reclaim the space on its own
		// next compaction pass.
		ref.AbortMove()
		return nil
	}

	s.segs.FreeSpace(seg, size)
	return nil
}
