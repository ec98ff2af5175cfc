package kernel

import (
	"context"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/node"
	"github.com/iamNilotpal/triestore/internal/objref"
	"github.com/iamNilotpal/triestore/internal/segalloc"
)

// allocBuf bump-allocates size bytes from ses's active segment and
// returns the physical location plus a slice over that space.
func (s *Store) allocBuf(ctx context.Context, ses *segalloc.Session, size int) (addralloc.Location, []byte, error) {
	segNum, off, err := ses.AllocData(ctx, size)
	if err != nil {
		return addralloc.Location{}, nil, err
	}
	blk, err := s.segs.Block(segNum)
	if err != nil {
		return addralloc.Location{}, nil, err
	}
	loc := addralloc.Location{SegmentID: uint32(segNum), OffsetWords: uint32(off)}
	return loc, blk[off : off+int64(size)], nil
}

// createNode allocates a fresh logical address in region and a fresh
// physical slot of size bytes, installs the address's meta slot to
// point at that slot with the given type tag, and returns both the
// address and the raw buffer for the caller to placement-construct a
// node into.
func (s *Store) createNode(ctx context.Context, ses *segalloc.Session, region uint16, tag addralloc.TypeTag, size int) (addralloc.Address, []byte, error) {
	loc, buf, err := s.allocBuf(ctx, ses, size)
	if err != nil {
		return addralloc.Address{}, nil, err
	}
	addr, slot, err := s.addrs.Alloc(region)
	if err != nil {
		return addralloc.Address{}, nil, err
	}
	ref := objref.New(s.addrs, addr, slot)
	if err := ref.Install(tag, loc); err != nil {
		return addralloc.Address{}, nil, err
	}
	return addr, buf, nil
}

// loadBuf resolves addr to its current physical buffer.
func (s *Store) loadBuf(addr addralloc.Address) ([]byte, *objref.Ref, error) {
	ref, err := objref.Lookup(s.addrs, addr)
	if err != nil {
		return nil, nil, err
	}
	loc := ref.Loc()
	blk, err := s.segs.Block(segalloc.SegmentNumber(loc.SegmentID))
	if err != nil {
		return nil, nil, err
	}
	peek := blk[loc.OffsetWords:]
	size := node.SizeOf(peek)
	return blk[loc.OffsetWords : int(loc.OffsetWords)+size], ref, nil
}

// retain bumps addr's ref-count, used whenever a clone keeps a child
// unchanged (spec.md §4.9: "children are retained on clone").
func (s *Store) retain(addr addralloc.Address) error {
	if addr.IsNull() {
		return nil
	}
	ref, err := objref.Lookup(s.addrs, addr)
	if err != nil {
		return err
	}
	ref.Retain()
	return nil
}

// release drops one reference to addr. If that was the last reference,
// it recursively releases every child addr holds (obj-id values,
// subtree values, branch children, eof references) and frees the slot.
func (s *Store) release(addr addralloc.Address) error {
	if addr.IsNull() {
		return nil
	}
	ref, err := objref.Lookup(s.addrs, addr)
	if err != nil {
		return err
	}
	if ref.Release() > 0 {
		return nil
	}
	return s.teardown(addr)
}

// teardown releases every address addr's node refers to, then frees
// addr itself. Called only once addr's own ref-count has already
// dropped to zero.
func (s *Store) teardown(addr addralloc.Address) error {
	buf, _, err := s.loadBuf(addr)
	if err != nil {
		return err
	}
	switch node.TypeOf(buf) {
	case addralloc.TypeValue:
		v := node.OpenValue(buf)
		if v.IsSubtree() {
			if err := s.release(v.SubtreeAddr()); err != nil {
				return err
			}
		}
	case addralloc.TypeBinary:
		b := node.OpenBinary(buf)
		for i := 0; i < b.NumEntries(); i++ {
			if b.GetValueKind(i) != node.ValueInline {
				if err := s.release(b.GetRefAddress(i)); err != nil {
					return err
				}
			}
		}
	case addralloc.TypeSetList, addralloc.TypeFull:
		in := s.layoutFor(buf).open(buf)
		for _, br := range branchesOf(in) {
			if err := s.release(br.Addr); err != nil {
				return err
			}
		}
		if in.HasEOF() && in.EOFValueKind() != node.ValueInline {
			if err := s.release(in.EOFRefAddress()); err != nil {
				return err
			}
		}
	}
	return s.addrs.Free(addr)
}

// releaseSelf drops addr's own reference without touching its children
// — used when a unique (ref-count-1) mutation has emptied a node (its
// last entry, branch or eof value already removed and released), so no
// child reference is left to release.
func (s *Store) releaseSelf(addr addralloc.Address) error {
	ref, err := objref.Lookup(s.addrs, addr)
	if err != nil {
		return err
	}
	if ref.Release() > 0 {
		return nil
	}
	return s.addrs.Free(addr)
}

// materializeValue decides how val should be stored in a binary/inner
// node slot: inline if it fits under maxInline, a fresh standalone
// value-node object (obj-id) otherwise, or a direct subtree reference.
func (s *Store) materializeValue(ctx context.Context, ses *segalloc.Session, region uint16, val ValueSpec) (kind node.ValueKind, a, b uint16, inline []byte, err error) {
	if val.IsSubtree {
		return node.ValueSubtree, val.Subtree.Region, val.Subtree.Index, nil, nil
	}
	if node.CanInline(len(val.Inline), s.maxInline) {
		return node.ValueInline, 0, 0, val.Inline, nil
	}
	addr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeValue, node.ValueAllocSize(len(val.Inline)))
	if err != nil {
		return 0, 0, 0, nil, err
	}
	node.InitValue(buf, addr, 0, val.Inline, len(val.Inline))
	return node.ValueObjID, addr.Region, addr.Index, nil, nil
}

func branchesOf(in innerNode) []node.BranchEntry {
	switch n := in.(type) {
	case *node.SetList:
		return n.Branches()
	case *node.Full:
		return n.Branches()
	}
	return nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func longestCommonPrefix(keys [][]byte) []byte {
	if len(keys) == 0 {
		return nil
	}
	lcp := append([]byte(nil), keys[0]...)
	for _, k := range keys[1:] {
		n := commonPrefixLen(lcp, k)
		lcp = lcp[:n]
		if len(lcp) == 0 {
			break
		}
	}
	return lcp
}
