package kernel

import (
	"context"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/node"
	"github.com/iamNilotpal/triestore/internal/segalloc"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"
)

// upsertInner implements spec.md §4.9's upsert_inner: match the node's
// prefix against the remaining key, split the prefix if they diverge,
// dispatch to the eof slot if the key is exhausted, or recurse into the
// branch for the key's next byte (materializing a fresh subtree if that
// branch is absent).
func (s *Store) upsertInner(ctx context.Context, ses *segalloc.Session, region uint16, buf []byte, unique bool, key []byte, val ValueSpec, mode Mode) (addralloc.Address, int32, error) {
	lay := s.layoutFor(buf)
	in := lay.open(buf)
	addr := in.Address()
	prefix := in.Prefix()
	cpre := commonPrefixLen(prefix, key)

	if cpre < len(prefix) {
		if mode == Update || mode == Remove {
			return addr, 0, apperrors.NewKeyNotFoundError(string(key)).WithOperation("Upsert")
		}
		return s.prefixSplit(ctx, ses, region, lay, in, unique, cpre, key, val)
	}

	rest := key[cpre:]
	if len(rest) == 0 {
		return s.upsertInnerEOF(ctx, ses, region, lay, in, unique, val, mode)
	}

	b := rest[0]
	childKey := rest[1:]
	childAddr, has := in.Get(b)

	if !has {
		if mode == Update || mode == Remove {
			return addr, 0, apperrors.NewKeyNotFoundError(string(key)).WithOperation("Upsert")
		}
		newChild, err := s.newSingletonBinary(ctx, ses, region, childKey, val)
		if err != nil {
			return addr, 0, err
		}
		return s.addBranch(ctx, ses, region, lay, in, unique, b, newChild, 1)
	}

	newChildAddr, delta, err := s.upsertNode(ctx, ses, region, childAddr, childKey, val, mode)
	if err != nil {
		return addr, 0, err
	}
	if newChildAddr == childAddr {
		if unique {
			in.AddDescendants(delta)
			return addr, delta, nil
		}
		if delta == 0 {
			return addr, 0, nil
		}
	}
	if newChildAddr.IsNull() {
		return s.removeBranch(ctx, ses, region, lay, in, unique, b, delta)
	}
	return s.setBranch(ctx, ses, region, lay, in, unique, b, newChildAddr, delta)
}

// upsertInnerEOF handles a key that terminates exactly at this node's
// prefix boundary — the inner-node equivalent of a binary-node exact
// key match.
func (s *Store) upsertInnerEOF(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, unique bool, val ValueSpec, mode Mode) (addralloc.Address, int32, error) {
	addr := in.Address()
	has := in.HasEOF()

	switch mode {
	case Insert:
		if has {
			return addr, 0, apperrors.NewIndexError(nil, apperrors.ErrorCodeIndexKeyExists, "key already exists").WithOperation("Upsert")
		}
	case Update, Remove:
		if !has {
			return addr, 0, apperrors.NewKeyNotFoundError("").WithOperation("Upsert")
		}
	}

	if mode == Remove {
		if unique {
			prior := in.ClearEOF()
			if err := s.release(prior); err != nil {
				return addr, 0, err
			}
			in.AddDescendants(-1)
			if in.IsEmpty() {
				if err := s.releaseSelf(addr); err != nil {
					return addr, 0, err
				}
				return addralloc.Address{}, -1, nil
			}
			return addr, -1, nil
		}
		return s.cloneInnerClearEOF(ctx, ses, region, lay, in)
	}

	kind, a, b, inline, err := s.materializeValue(ctx, ses, region, val)
	if err != nil {
		return addr, 0, err
	}
	delta := int32(0)
	if !has {
		delta = 1
	}
	if unique && in.ContentFits(len(inline)) {
		prior := in.SetEOF(kind, a, b, inline)
		if err := s.release(prior); err != nil {
			return addr, 0, err
		}
		in.AddDescendants(delta)
		return addr, delta, nil
	}
	return s.cloneInnerSetEOF(ctx, ses, region, lay, in, kind, a, b, inline, delta)
}

// addBranch installs a brand-new branch (no prior entry for b).
func (s *Store) addBranch(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, unique bool, b byte, childAddr addralloc.Address, delta int32) (addralloc.Address, int32, error) {
	addr := in.Address()
	if unique && in.Put(b, childAddr) {
		in.AddDescendants(delta)
		return addr, delta, nil
	}
	if unique {
		// At capacity: promote set-list to full, then retry.
		newAddr, err := s.promoteToFull(ctx, ses, region, in)
		if err != nil {
			return addr, 0, err
		}
		nf := node.OpenFull(mustBufOf(s, newAddr))
		nf.SetBranch(b, childAddr)
		nf.AddDescendants(delta)
		if err := s.release(addr); err != nil {
			return addr, 0, err
		}
		return newAddr, delta, nil
	}
	return s.cloneInnerAddBranch(ctx, ses, region, lay, in, b, childAddr, delta)
}

// setBranch overwrites an existing branch's child address after a
// recursive mutation replaced it.
func (s *Store) setBranch(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, unique bool, b byte, newChildAddr addralloc.Address, delta int32) (addralloc.Address, int32, error) {
	addr := in.Address()
	if unique {
		in.Put(b, newChildAddr)
		in.AddDescendants(delta)
		return addr, delta, nil
	}
	return s.cloneInnerAddBranch(ctx, ses, region, lay, in, b, newChildAddr, delta)
}

// removeBranch drops a branch whose child mutation collapsed to null.
func (s *Store) removeBranch(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, unique bool, b byte, delta int32) (addralloc.Address, int32, error) {
	addr := in.Address()
	if unique {
		in.Delete(b)
		in.AddDescendants(delta)
		if in.IsEmpty() {
			if err := s.releaseSelf(addr); err != nil {
				return addr, 0, err
			}
			return addralloc.Address{}, delta, nil
		}
		return addr, delta, nil
	}
	return s.cloneInnerRemoveBranch(ctx, ses, region, lay, in, b, delta)
}

func mustBufOf(s *Store, addr addralloc.Address) []byte {
	buf, _, _ := s.loadBuf(addr)
	return buf
}

// promoteToFull migrates a set-list node's prefix, branches, and eof
// value into a freshly allocated full node, retaining every child
// reference it carries forward (the old set-list node's own ref is
// dropped by the caller once migration succeeds).
func (s *Store) promoteToFull(ctx context.Context, ses *segalloc.Session, region uint16, in innerNode) (addralloc.Address, error) {
	sl, ok := in.(*node.SetList)
	if !ok {
		return addralloc.Address{}, apperrors.NewEngineError(nil, apperrors.ErrorCodeInternal,
			"kernel: promoteToFull called on a non-set-list node").WithOperation("promoteToFull")
	}
	eofBytes := 0
	if sl.HasEOF() && sl.EOFValueKind() == node.ValueInline {
		eofBytes = len(sl.EOFInlineValue())
	}
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeFull, node.FullAllocSize(len(sl.Prefix()), eofBytes+32))
	if err != nil {
		return addralloc.Address{}, err
	}
	nf := node.InitFull(buf, newAddr, 0, sl.Prefix(), eofBytes+32)
	for _, br := range sl.Branches() {
		if err := s.retain(br.Addr); err != nil {
			return addralloc.Address{}, err
		}
		nf.SetBranch(br.Byte, br.Addr)
	}
	if sl.HasEOF() {
		kind := sl.EOFValueKind()
		if kind == node.ValueInline {
			nf.SetEOF(kind, 0, 0, sl.EOFInlineValue())
		} else {
			ra := sl.EOFRefAddress()
			if err := s.retain(ra); err != nil {
				return addralloc.Address{}, err
			}
			nf.SetEOF(kind, ra.Region, ra.Index, nil)
		}
	}
	nf.AddDescendants(int32(sl.Descendants()))
	return newAddr, nil
}

// prefixSplit handles the case where key diverges from in's prefix
// before the prefix ends: a new set-list node is inserted above,
// holding the common prefix and two branches — one to the remainder of
// the old node (with a shortened prefix), one to a freshly materialized
// subtree for the new key.
func (s *Store) prefixSplit(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, unique bool, cpre int, key []byte, val ValueSpec) (addralloc.Address, int32, error) {
	oldAddr := in.Address()
	oldPrefix := in.Prefix()
	commonPrefix := append([]byte(nil), oldPrefix[:cpre]...)
	keyExhausted := cpre == len(key)

	var eofKind node.ValueKind
	var eofA, eofB uint16
	var eofInline []byte
	var newChildAddr addralloc.Address
	if keyExhausted {
		kind, a, b, inline, err := s.materializeValue(ctx, ses, region, val)
		if err != nil {
			return oldAddr, 0, err
		}
		eofKind, eofA, eofB, eofInline = kind, a, b, inline
	} else {
		addr, err := s.newSingletonBinary(ctx, ses, region, key[cpre+1:], val)
		if err != nil {
			return oldAddr, 0, err
		}
		newChildAddr = addr
	}

	eofBytes := 32
	if keyExhausted {
		eofBytes = len(eofInline) + 32
	}
	splitAddr, splitBuf, err := s.createNode(ctx, ses, region, addralloc.TypeSetList, node.SetListAllocSize(len(commonPrefix), 4, eofBytes))
	if err != nil {
		return oldAddr, 0, err
	}
	split := node.InitSetList(splitBuf, splitAddr, 0, commonPrefix, 4, eofBytes)

	oldDesc := in.Descendants()
	if unique {
		shortened, err := s.reprefix(ctx, ses, region, lay, in, oldPrefix[cpre+1:])
		if err != nil {
			return oldAddr, 0, err
		}
		split.AddBranch(oldPrefix[cpre], shortened)
	} else {
		shortened, err := s.cloneReprefix(ctx, ses, region, lay, in, oldPrefix[cpre+1:])
		if err != nil {
			return oldAddr, 0, err
		}
		split.AddBranch(oldPrefix[cpre], shortened)
		if err := s.release(oldAddr); err != nil {
			return oldAddr, 0, err
		}
	}

	if keyExhausted {
		split.SetEOF(eofKind, eofA, eofB, eofInline)
	} else {
		split.AddBranch(key[cpre], newChildAddr)
	}
	split.AddDescendants(int32(oldDesc) + 1)

	if unique {
		if err := s.release(oldAddr); err != nil {
			return oldAddr, 0, err
		}
	}
	return splitAddr, 1, nil
}

// reprefix builds a fresh copy of inner node in carrying the (shorter)
// prefix newPrefix, retaining every child it carries over; the original
// node is left for the caller to release.
func (s *Store) reprefix(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, newPrefix []byte) (addralloc.Address, error) {
	switch n := in.(type) {
	case *node.SetList:
		return s.rebuildSetListPrefix(ctx, ses, region, n, newPrefix)
	case *node.Full:
		return s.rebuildFullPrefix(ctx, ses, region, n, newPrefix)
	}
	return addralloc.Address{}, apperrors.NewEngineError(nil, apperrors.ErrorCodeInternal, "kernel: unknown inner node type").WithOperation("reprefix")
}

// cloneReprefix is reprefix's shared-node counterpart: it always builds
// a fresh node (the prefix change itself forces a new object regardless
// of sharing), so it simply delegates.
func (s *Store) cloneReprefix(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, newPrefix []byte) (addralloc.Address, error) {
	return s.reprefix(ctx, ses, region, lay, in, newPrefix)
}

func (s *Store) rebuildSetListPrefix(ctx context.Context, ses *segalloc.Session, region uint16, sl *node.SetList, newPrefix []byte) (addralloc.Address, error) {
	eofBytes := 32
	if sl.HasEOF() && sl.EOFValueKind() == node.ValueInline {
		eofBytes = len(sl.EOFInlineValue()) + 32
	}
	cap := sl.NumBranches() + 2
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeSetList, node.SetListAllocSize(len(newPrefix), cap, eofBytes))
	if err != nil {
		return addralloc.Address{}, err
	}
	nsl := node.InitSetList(buf, newAddr, 0, newPrefix, cap, eofBytes)
	for _, br := range sl.Branches() {
		if err := s.retain(br.Addr); err != nil {
			return addralloc.Address{}, err
		}
		nsl.AddBranch(br.Byte, br.Addr)
	}
	if sl.HasEOF() {
		kind := sl.EOFValueKind()
		if kind == node.ValueInline {
			nsl.SetEOF(kind, 0, 0, sl.EOFInlineValue())
		} else {
			ra := sl.EOFRefAddress()
			if err := s.retain(ra); err != nil {
				return addralloc.Address{}, err
			}
			nsl.SetEOF(kind, ra.Region, ra.Index, nil)
		}
	}
	nsl.AddDescendants(int32(sl.Descendants()))
	return newAddr, nil
}

func (s *Store) rebuildFullPrefix(ctx context.Context, ses *segalloc.Session, region uint16, f *node.Full, newPrefix []byte) (addralloc.Address, error) {
	eofBytes := 32
	if f.HasEOF() && f.EOFValueKind() == node.ValueInline {
		eofBytes = len(f.EOFInlineValue()) + 32
	}
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeFull, node.FullAllocSize(len(newPrefix), eofBytes))
	if err != nil {
		return addralloc.Address{}, err
	}
	nf := node.InitFull(buf, newAddr, 0, newPrefix, eofBytes)
	for _, br := range f.Branches() {
		if err := s.retain(br.Addr); err != nil {
			return addralloc.Address{}, err
		}
		nf.SetBranch(br.Byte, br.Addr)
	}
	if f.HasEOF() {
		kind := f.EOFValueKind()
		if kind == node.ValueInline {
			nf.SetEOF(kind, 0, 0, f.EOFInlineValue())
		} else {
			ra := f.EOFRefAddress()
			if err := s.retain(ra); err != nil {
				return addralloc.Address{}, err
			}
			nf.SetEOF(kind, ra.Region, ra.Index, nil)
		}
	}
	nf.AddDescendants(int32(f.Descendants()))
	return newAddr, nil
}

// cloneInnerWith is the shared implementation behind every non-unique
// (shared-node) inner mutation: build a fresh node of the same kind,
// copy every branch and the eof slot across (retaining each kept
// child), apply the single requested change, then release the old
// node once.
func (s *Store) cloneInnerWith(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, mutate func(nin innerNode) error) (addralloc.Address, error) {
	prefix := in.Prefix()
	branchCount := 0
	eofBytes := 32
	switch n := in.(type) {
	case *node.SetList:
		branchCount = n.NumBranches()
		if n.HasEOF() && n.EOFValueKind() == node.ValueInline {
			eofBytes = len(n.EOFInlineValue()) + 32
		}
	case *node.Full:
		if n.HasEOF() && n.EOFValueKind() == node.ValueInline {
			eofBytes = len(n.EOFInlineValue()) + 32
		}
	}
	cap := branchCount + 2

	newAddr, buf, err := s.createNode(ctx, ses, region, lay.tag, lay.allocSize(len(prefix), eofBytes+cap*8))
	if err != nil {
		return addralloc.Address{}, err
	}
	nin := lay.init(buf, newAddr, prefix, eofBytes+cap*8)

	switch n := in.(type) {
	case *node.SetList:
		for _, br := range n.Branches() {
			if err := s.retain(br.Addr); err != nil {
				return addralloc.Address{}, err
			}
			nin.Put(br.Byte, br.Addr)
		}
	case *node.Full:
		for _, br := range n.Branches() {
			if err := s.retain(br.Addr); err != nil {
				return addralloc.Address{}, err
			}
			nin.Put(br.Byte, br.Addr)
		}
	}
	if in.HasEOF() {
		kind := in.EOFValueKind()
		if kind == node.ValueInline {
			nin.SetEOF(kind, 0, 0, in.EOFInlineValue())
		} else {
			ra := in.EOFRefAddress()
			if err := s.retain(ra); err != nil {
				return addralloc.Address{}, err
			}
			nin.SetEOF(kind, ra.Region, ra.Index, nil)
		}
	}
	nin.AddDescendants(int32(in.Descendants()))

	if err := mutate(nin); err != nil {
		return addralloc.Address{}, err
	}
	if err := s.release(in.Address()); err != nil {
		return addralloc.Address{}, err
	}
	return newAddr, nil
}

func (s *Store) cloneInnerSetEOF(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, kind node.ValueKind, a, b uint16, inline []byte, delta int32) (addralloc.Address, int32, error) {
	newAddr, err := s.cloneInnerWith(ctx, ses, region, lay, in, func(nin innerNode) error {
		nin.SetEOF(kind, a, b, inline)
		nin.AddDescendants(delta)
		return nil
	})
	return newAddr, delta, err
}

func (s *Store) cloneInnerClearEOF(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode) (addralloc.Address, int32, error) {
	newAddr, err := s.cloneInnerWith(ctx, ses, region, lay, in, func(nin innerNode) error {
		nin.ClearEOF()
		nin.AddDescendants(-1)
		return nil
	})
	return newAddr, -1, err
}

// cloneInnerAddBranch clones in with one branch installed or overwritten.
// If in is a set-list node already at the full-promotion threshold, it
// clones straight into a brand-new full node instead of first cloning a
// set-list that would immediately need promoting away again.
func (s *Store) cloneInnerAddBranch(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, b byte, addr addralloc.Address, delta int32) (addralloc.Address, int32, error) {
	if sl, ok := in.(*node.SetList); ok && !sl.CanAddBranch() && sl.FindBranch(b) < 0 {
		newAddr, err := s.cloneSetListToFullWithBranch(ctx, ses, region, sl, b, addr, delta)
		return newAddr, delta, err
	}
	newAddr, err := s.cloneInnerWith(ctx, ses, region, lay, in, func(nin innerNode) error {
		nin.Put(b, addr)
		nin.AddDescendants(delta)
		return nil
	})
	return newAddr, delta, err
}

// cloneSetListToFullWithBranch builds a fresh full node carrying sl's
// prefix, branches, and eof value (retaining every kept child) plus the
// one new branch that no longer fits in a set-list layout, then
// releases sl's own reference.
func (s *Store) cloneSetListToFullWithBranch(ctx context.Context, ses *segalloc.Session, region uint16, sl *node.SetList, b byte, addr addralloc.Address, delta int32) (addralloc.Address, error) {
	eofBytes := 32
	if sl.HasEOF() && sl.EOFValueKind() == node.ValueInline {
		eofBytes = len(sl.EOFInlineValue()) + 32
	}
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeFull, node.FullAllocSize(len(sl.Prefix()), eofBytes))
	if err != nil {
		return addralloc.Address{}, err
	}
	nf := node.InitFull(buf, newAddr, 0, sl.Prefix(), eofBytes)
	for _, br := range sl.Branches() {
		if err := s.retain(br.Addr); err != nil {
			return addralloc.Address{}, err
		}
		nf.SetBranch(br.Byte, br.Addr)
	}
	if sl.HasEOF() {
		kind := sl.EOFValueKind()
		if kind == node.ValueInline {
			nf.SetEOF(kind, 0, 0, sl.EOFInlineValue())
		} else {
			ra := sl.EOFRefAddress()
			if err := s.retain(ra); err != nil {
				return addralloc.Address{}, err
			}
			nf.SetEOF(kind, ra.Region, ra.Index, nil)
		}
	}
	nf.SetBranch(b, addr)
	nf.AddDescendants(int32(sl.Descendants()) + delta)
	if err := s.release(sl.Address()); err != nil {
		return addralloc.Address{}, err
	}
	return newAddr, nil
}

func (s *Store) cloneInnerRemoveBranch(ctx context.Context, ses *segalloc.Session, region uint16, lay layout, in innerNode, b byte, delta int32) (addralloc.Address, int32, error) {
	newAddr, err := s.cloneInnerWith(ctx, ses, region, lay, in, func(nin innerNode) error {
		nin.Delete(b)
		nin.AddDescendants(delta)
		return nil
	})
	return newAddr, delta, err
}
