package engine

import (
	"context"
	"fmt"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/node"
	"github.com/iamNilotpal/triestore/internal/objref"
	"github.com/iamNilotpal/triestore/internal/segalloc"
)

// recover rebuilds the in-memory address table from the segment log.
// The table is never written to disk, so New runs this on every reopen
// of an existing directory, whether or not the previous shutdown was
// clean.
//
// It runs in two passes, grounded on the same two-pass shape
// original_source/libraries/sal/src/recovery.cpp uses (a flat physical
// scan followed by a reachability walk), generalized from that file's
// single node type to this port's dispatch over node.TypeOf:
//
//  1. physical scan: walk every segment's bytes sequentially with
//     node.SizeOf, recording where each live-looking object sits.
//  2. graph walk: starting from every header-published top root,
//     recursively visit every reachable address, installing it into the
//     address table with the correct reference count. An address
//     reached more than once (CoW structural sharing) is retained again
//     rather than re-visited, since its own children were already
//     accounted for on the first visit.
//
// The graph walk reads node bytes from the phase-1 physical map rather
// than through addrs/objref, since the address table being rebuilt is
// not yet populated during the walk itself.
func (e *Engine) recover(ctx context.Context) error {
	locs, err := e.scanPhysical(ctx)
	if err != nil {
		return fmt.Errorf("recovery: physical scan: %w", err)
	}

	visited := make(map[addralloc.Address]bool, len(locs))
	for i := 0; i < e.opts.NumTopRoots; i++ {
		root := e.hdr.TopRoot(i)
		if root.IsNull() {
			continue
		}
		if err := e.walkReachable(root, locs, visited); err != nil {
			return fmt.Errorf("recovery: walking root %d: %w", i, err)
		}
	}
	return nil
}

// scanPhysical walks every segment's live objects and returns a map from
// each object's logical address to the physical location the scan found
// it at. A stale, already-superseded copy of an address (left behind by
// a since-relocated or since-released object) is naturally overwritten
// in the map by whichever copy the scan visits last; callers only ever
// consult this map from the graph walk, which only looks up addresses
// actually reachable from a live root, so which physical copy a
// dead address happens to map to never matters.
func (e *Engine) scanPhysical(ctx context.Context) (map[addralloc.Address]addralloc.Location, error) {
	locs := make(map[addralloc.Address]addralloc.Location)
	total := e.segs.Stats().TotalSegments

	for seg := segalloc.SegmentNumber(0); uint64(seg) < total; seg++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		blk, err := e.segs.Block(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", seg, err)
		}

		off := int64(0)
		for off < int64(len(blk)) {
			peek := blk[off:]
			size := node.SizeOf(peek)
			if size <= 0 {
				break
			}
			addr := node.AddressOf(peek[:size])
			if !addr.IsNull() {
				locs[addr] = addralloc.Location{SegmentID: uint32(seg), OffsetWords: uint32(off)}
			}
			off += int64(size)
		}
	}
	return locs, nil
}

// walkReachable installs addr (and, on its first visit, every address
// reachable from it) into the address table, or just bumps its refcount
// if addr was already installed by an earlier, sibling visit.
func (e *Engine) walkReachable(addr addralloc.Address, locs map[addralloc.Address]addralloc.Location, visited map[addralloc.Address]bool) error {
	if addr.IsNull() {
		return nil
	}

	if visited[addr] {
		ref, err := objref.Lookup(e.addrs, addr)
		if err != nil {
			return fmt.Errorf("address %v marked visited but missing from table: %w", addr, err)
		}
		ref.Retain()
		return nil
	}

	loc, ok := locs[addr]
	if !ok {
		return fmt.Errorf("address %v reachable from the graph but absent from the segment log", addr)
	}

	blk, err := e.segs.Block(segalloc.SegmentNumber(loc.SegmentID))
	if err != nil {
		return err
	}
	buf := blk[loc.OffsetWords:]
	size := node.SizeOf(buf)
	if size <= 0 {
		return fmt.Errorf("address %v resolved to an empty object at %v", addr, loc)
	}
	buf = buf[:size]

	if e.opts.ValidateOnCompact && !node.VerifyChecksum(buf) {
		return fmt.Errorf("address %v at %v failed checksum verification", addr, loc)
	}

	tag := node.TypeOf(buf)
	if err := e.addrs.InstallAt(addr, tag, loc, 1); err != nil {
		return fmt.Errorf("installing %v: %w", addr, err)
	}
	visited[addr] = true

	children, err := e.childrenOf(tag, buf)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.walkReachable(child, locs, visited); err != nil {
			return err
		}
	}
	return nil
}

// childrenOf returns every address buf directly references, dispatched
// on its type tag the same way internal/kernel's own branchesOf helper
// dispatches over innerNode — engine duplicates the small switch rather
// than reaching into kernel's unexported helpers, since node.Open* and
// every field accessor used below are already fully exported.
func (e *Engine) childrenOf(tag addralloc.TypeTag, buf []byte) ([]addralloc.Address, error) {
	switch tag {
	case addralloc.TypeValue:
		v := node.OpenValue(buf)
		if v.IsSubtree() {
			return []addralloc.Address{v.SubtreeAddr()}, nil
		}
		return nil, nil

	case addralloc.TypeBinary:
		b := node.OpenBinary(buf)
		n := b.NumEntries()
		out := make([]addralloc.Address, 0, n)
		for i := 0; i < n; i++ {
			if b.GetValueKind(i) != node.ValueInline {
				out = append(out, b.GetRefAddress(i))
			}
		}
		return out, nil

	case addralloc.TypeSetList:
		s := node.OpenSetList(buf)
		out := make([]addralloc.Address, 0, s.NumBranches()+1)
		for _, br := range s.Branches() {
			out = append(out, br.Addr)
		}
		if s.HasEOF() && s.EOFValueKind() != node.ValueInline {
			out = append(out, s.EOFRefAddress())
		}
		return out, nil

	case addralloc.TypeFull:
		f := node.OpenFull(buf)
		out := make([]addralloc.Address, 0, f.NumBranches()+1)
		for _, br := range f.Branches() {
			out = append(out, br.Addr)
		}
		if f.HasEOF() && f.EOFValueKind() != node.ValueInline {
			out = append(out, f.EOFRefAddress())
		}
		return out, nil
	}

	return nil, fmt.Errorf("unknown node type tag %v", tag)
}
