package kernel

import (
	"context"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/node"
	"github.com/iamNilotpal/triestore/internal/segalloc"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"
)

// upsertNode dispatches a recursive mutation step on whatever node type
// currently lives at addr — spec.md §4.9's "Dispatch" section.
func (s *Store) upsertNode(ctx context.Context, ses *segalloc.Session, region uint16, addr addralloc.Address, key []byte, val ValueSpec, mode Mode) (addralloc.Address, int32, error) {
	buf, ref, err := s.loadBuf(addr)
	if err != nil {
		return addr, 0, err
	}
	unique := ref.Ref() == 1 && !ref.IsConst()
	switch node.TypeOf(buf) {
	case addralloc.TypeBinary:
		return s.upsertBinary(ctx, ses, region, node.OpenBinary(buf), unique, key, val, mode)
	case addralloc.TypeSetList, addralloc.TypeFull:
		return s.upsertInner(ctx, ses, region, buf, unique, key, val, mode)
	default:
		return addr, 0, apperrors.NewEngineError(nil, apperrors.ErrorCodeInternal,
			"kernel: unexpected node type at mutation root").WithOperation("Upsert")
	}
}

// newSingletonBinary builds the degenerate one-entry binary node used
// both as a fresh empty-tree root and as the new subtree materialized
// when upsert_inner's branch-absent case creates a child.
func (s *Store) newSingletonBinary(ctx context.Context, ses *segalloc.Session, region uint16, key []byte, val ValueSpec) (addralloc.Address, error) {
	kind, a, b, inline, err := s.materializeValue(ctx, ses, region, val)
	if err != nil {
		return addralloc.Address{}, err
	}
	capacity := 4
	contentBytes := len(key) + len(inline) + 32
	addr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeBinary, node.BinaryAllocSize(capacity, contentBytes))
	if err != nil {
		return addralloc.Address{}, err
	}
	nb := node.InitBinary(buf, addr, 0, capacity, contentBytes)
	nb.Insert(0, key, kind, a, b, len(inline), inline)
	nb.AddDescendants(1)
	return addr, nil
}

// upsertBinary implements spec.md §4.9's upsert_binary. A standalone
// value node comparing its own key (spec.md's literal "upsert_value")
// is folded into this function instead: every key a binary node holds
// already lives in its own sorted entry, so a node.Binary with exactly
// one entry already is the singleton case spec.md's pseudocode treats
// as a bare value node — see DESIGN.md for the full justification.
func (s *Store) upsertBinary(ctx context.Context, ses *segalloc.Session, region uint16, b *node.Binary, unique bool, key []byte, val ValueSpec, mode Mode) (addralloc.Address, int32, error) {
	addr := b.Address()
	idx := b.FindKeyIdx(key)

	if idx >= 0 {
		switch mode {
		case Insert:
			return addr, 0, apperrors.NewIndexError(nil, apperrors.ErrorCodeIndexKeyExists, "key already exists").
				WithKey(string(key)).WithOperation("Upsert")
		case Remove:
			return s.removeBinaryEntry(ctx, ses, region, b, unique, idx)
		default: // Update, Upsert
			kind, a, bb, inline, err := s.materializeValue(ctx, ses, region, val)
			if err != nil {
				return addr, 0, err
			}
			if unique && b.CanReinsert(kind, len(inline)) {
				prior := b.SetValueInPlace(idx, kind, a, bb, len(inline), inline)
				if err := s.release(prior); err != nil {
					return addr, 0, err
				}
				return addr, 0, nil
			}
			return s.cloneBinaryUpdate(ctx, ses, region, b, idx, kind, a, bb, inline)
		}
	}

	if mode == Update || mode == Remove {
		return addr, 0, apperrors.NewKeyNotFoundError(string(key)).WithOperation("Upsert")
	}

	kind, a, bb, inline, err := s.materializeValue(ctx, ses, region, val)
	if err != nil {
		return addr, 0, err
	}
	if b.CanInsert(len(key), kind, len(inline)) {
		insIdx := b.LowerBoundIdx(key)
		if unique {
			b.Insert(insIdx, key, kind, a, bb, len(inline), inline)
			b.AddDescendants(1)
			return addr, 1, nil
		}
		return s.cloneBinaryInsert(ctx, ses, region, b, insIdx, key, kind, a, bb, inline)
	}

	// Too full: refactor into a radix inner node, then let the recursion
	// finish the pending mutation against the fresh structure.
	newAddr, err := s.refactorBinary(ctx, ses, region, b)
	if err != nil {
		return addr, 0, err
	}
	if err := s.release(addr); err != nil {
		return addr, 0, err
	}
	return s.upsertNode(ctx, ses, region, newAddr, key, val, mode)
}

func (s *Store) removeBinaryEntry(ctx context.Context, ses *segalloc.Session, region uint16, b *node.Binary, unique bool, idx int) (addralloc.Address, int32, error) {
	addr := b.Address()
	if unique {
		kind, ref := b.Remove(idx)
		if kind != node.ValueInline {
			if err := s.release(ref); err != nil {
				return addr, 0, err
			}
		}
		b.AddDescendants(-1)
		if b.IsEmpty() {
			if err := s.releaseSelf(addr); err != nil {
				return addr, 0, err
			}
			return addralloc.Address{}, -1, nil
		}
		return addr, -1, nil
	}
	return s.cloneBinaryWithout(ctx, ses, region, b, idx)
}

func binaryContentEstimate(b *node.Binary) int {
	total := 0
	for i := 0; i < b.NumEntries(); i++ {
		total += len(b.GetKey(i))
		if b.GetValueKind(i) == node.ValueInline {
			total += len(b.GetInlineValue(i))
		}
	}
	return total
}

// copyBinaryEntriesExcept copies every entry of b except skipIdx into nb,
// retaining any ref-kind value it keeps. skipIdx may be -1 to copy all
// entries.
func (s *Store) copyBinaryEntriesExcept(nb *node.Binary, b *node.Binary, skipIdx int) error {
	for i := 0; i < b.NumEntries(); i++ {
		if i == skipIdx {
			continue
		}
		k := b.GetKey(i)
		kind := b.GetValueKind(i)
		if kind == node.ValueInline {
			v := b.GetInlineValue(i)
			nb.Insert(nb.LowerBoundIdx(k), k, kind, 0, 0, len(v), v)
			continue
		}
		ra := b.GetRefAddress(i)
		if err := s.retain(ra); err != nil {
			return err
		}
		nb.Insert(nb.LowerBoundIdx(k), k, kind, ra.Region, ra.Index, 0, nil)
	}
	return nil
}

func (s *Store) cloneBinaryInsert(ctx context.Context, ses *segalloc.Session, region uint16, b *node.Binary, insIdx int, key []byte, kind node.ValueKind, a, bb uint16, inline []byte) (addralloc.Address, int32, error) {
	n := b.NumEntries()
	capacity := n + 4
	contentBytes := binaryContentEstimate(b) + len(key) + len(inline) + 64
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeBinary, node.BinaryAllocSize(capacity, contentBytes))
	if err != nil {
		return addralloc.Address{}, 0, err
	}
	nb := node.InitBinary(buf, newAddr, 0, capacity, contentBytes)
	if err := s.copyBinaryEntriesExcept(nb, b, -1); err != nil {
		return addralloc.Address{}, 0, err
	}
	nb.Insert(insIdx, key, kind, a, bb, len(inline), inline)
	nb.AddDescendants(int32(n + 1))
	if err := s.release(b.Address()); err != nil {
		return addralloc.Address{}, 0, err
	}
	return newAddr, 1, nil
}

func (s *Store) cloneBinaryUpdate(ctx context.Context, ses *segalloc.Session, region uint16, b *node.Binary, idx int, kind node.ValueKind, a, bb uint16, inline []byte) (addralloc.Address, int32, error) {
	n := b.NumEntries()
	capacity := n + 2
	contentBytes := binaryContentEstimate(b) + len(inline) + 64
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeBinary, node.BinaryAllocSize(capacity, contentBytes))
	if err != nil {
		return addralloc.Address{}, 0, err
	}
	nb := node.InitBinary(buf, newAddr, 0, capacity, contentBytes)
	if err := s.copyBinaryEntriesExcept(nb, b, idx); err != nil {
		return addralloc.Address{}, 0, err
	}
	nb.Insert(nb.LowerBoundIdx(b.GetKey(idx)), b.GetKey(idx), kind, a, bb, len(inline), inline)
	nb.AddDescendants(int32(n))
	if err := s.release(b.Address()); err != nil {
		return addralloc.Address{}, 0, err
	}
	return newAddr, 0, nil
}

func (s *Store) cloneBinaryWithout(ctx context.Context, ses *segalloc.Session, region uint16, b *node.Binary, idx int) (addralloc.Address, int32, error) {
	n := b.NumEntries()
	if n == 1 {
		if err := s.release(b.Address()); err != nil {
			return addralloc.Address{}, 0, err
		}
		return addralloc.Address{}, -1, nil
	}
	capacity := n
	contentBytes := binaryContentEstimate(b) + 16
	newAddr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeBinary, node.BinaryAllocSize(capacity, contentBytes))
	if err != nil {
		return addralloc.Address{}, 0, err
	}
	nb := node.InitBinary(buf, newAddr, 0, capacity, contentBytes)
	if err := s.copyBinaryEntriesExcept(nb, b, idx); err != nil {
		return addralloc.Address{}, 0, err
	}
	nb.AddDescendants(int32(n - 1))
	if err := s.release(b.Address()); err != nil {
		return addralloc.Address{}, 0, err
	}
	return newAddr, -1, nil
}

// refactorBinary implements spec.md §4.9's Refactor: produce a set-list
// (or full, if fan-out already warrants it) node whose prefix is the
// longest common prefix of every key, bucketing the remainder by its
// first distinguishing byte.
func (s *Store) refactorBinary(ctx context.Context, ses *segalloc.Session, region uint16, b *node.Binary) (addralloc.Address, error) {
	n := b.NumEntries()
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = append([]byte(nil), b.GetKey(i)...)
	}
	prefix := longestCommonPrefix(keys)

	buckets := map[byte][]int{}
	eofIdx := -1
	for i, k := range keys {
		if len(k) == len(prefix) {
			eofIdx = i
			continue
		}
		nb := k[len(prefix)]
		buckets[nb] = append(buckets[nb], i)
	}

	lay := layoutForBranchCount(len(buckets))
	innerAddr, buf, err := s.createNode(ctx, ses, region, lay.tag, lay.allocSize(len(prefix), 256))
	if err != nil {
		return addralloc.Address{}, err
	}
	in := lay.init(buf, innerAddr, prefix, 256)

	var totalDesc int32
	for byteKey, idxs := range buckets {
		childAddr, err := s.materializeBucket(ctx, ses, region, keys, b, idxs, len(prefix)+1)
		if err != nil {
			return addralloc.Address{}, err
		}
		if !in.Put(byteKey, childAddr) {
			return addralloc.Address{}, apperrors.NewEngineError(nil, apperrors.ErrorCodeInternal,
				"kernel: refactor produced a node too full for its own presized capacity").WithOperation("refactorBinary")
		}
		totalDesc += int32(len(idxs))
	}
	if eofIdx >= 0 {
		kind := b.GetValueKind(eofIdx)
		if kind == node.ValueInline {
			in.SetEOF(node.ValueInline, 0, 0, b.GetInlineValue(eofIdx))
		} else {
			ra := b.GetRefAddress(eofIdx)
			if err := s.retain(ra); err != nil {
				return addralloc.Address{}, err
			}
			in.SetEOF(kind, ra.Region, ra.Index, nil)
		}
		totalDesc++
	}
	in.AddDescendants(totalDesc)
	return innerAddr, nil
}

// materializeBucket builds the subtree for one distinct next-byte:
// a singleton binary node for a lone key, a small multi-entry binary
// node otherwise, each keyed by the remainder past skip bytes.
func (s *Store) materializeBucket(ctx context.Context, ses *segalloc.Session, region uint16, keys [][]byte, b *node.Binary, idxs []int, skip int) (addralloc.Address, error) {
	capacity := len(idxs) + 2
	contentBytes := 32
	for _, i := range idxs {
		contentBytes += len(keys[i]) - skip
		if b.GetValueKind(i) == node.ValueInline {
			contentBytes += len(b.GetInlineValue(i))
		}
	}
	addr, buf, err := s.createNode(ctx, ses, region, addralloc.TypeBinary, node.BinaryAllocSize(capacity, contentBytes))
	if err != nil {
		return addralloc.Address{}, err
	}
	nb := node.InitBinary(buf, addr, 0, capacity, contentBytes)
	for _, i := range idxs {
		suffix := keys[i][skip:]
		kind := b.GetValueKind(i)
		if kind == node.ValueInline {
			v := b.GetInlineValue(i)
			nb.Insert(nb.LowerBoundIdx(suffix), suffix, kind, 0, 0, len(v), v)
			continue
		}
		ra := b.GetRefAddress(i)
		if err := s.retain(ra); err != nil {
			return addralloc.Address{}, err
		}
		nb.Insert(nb.LowerBoundIdx(suffix), suffix, kind, ra.Region, ra.Index, 0, nil)
	}
	nb.AddDescendants(int32(len(idxs)))
	return addr, nil
}
