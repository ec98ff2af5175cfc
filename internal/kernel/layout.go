package kernel

import (
	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/node"
)

// innerNode is the common surface of *node.SetList and *node.Full that
// upsert_inner (spec.md §4.9) needs: prefix, eof, and the branch
// protocol. Go has no template instantiation, so where the original
// design would monomorphize upsert_inner<NodeType>, this port dispatches
// through this interface instead — spec.md §9's "sum-type variants
// dispatched at each recursive call" strategy.
type innerNode interface {
	Prefix() []byte
	HasEOF() bool
	EOFValueKind() node.ValueKind
	EOFInlineValue() []byte
	EOFRefAddress() addralloc.Address
	SetEOF(kind node.ValueKind, a, b uint16, inline []byte) addralloc.Address
	ClearEOF() addralloc.Address
	ContentFits(n int) bool
	Get(b byte) (addralloc.Address, bool)
	Put(b byte, addr addralloc.Address) bool
	Delete(b byte)
	IsEmpty() bool
	Descendants() uint32
	AddDescendants(delta int32)
	Size() int
	Type() addralloc.TypeTag
	Address() addralloc.Address
}

// layout is the small set of type-specific constructors upsert_inner
// needs to build a fresh SetList or Full node without caring which one
// it's building.
type layout struct {
	tag       addralloc.TypeTag
	open      func(buf []byte) innerNode
	allocSize func(prefixLen, eofBytes int) int
	init      func(buf []byte, addr addralloc.Address, prefix []byte, eofBytes int) innerNode
}

// setListBranchHeadroom is how many extra branch slots a freshly built
// set-list node reserves beyond its current branch count, so a handful
// of subsequent single-branch inserts don't immediately force another
// clone.
const setListBranchHeadroom = 4

var setListLayout = layout{
	tag:  addralloc.TypeSetList,
	open: func(buf []byte) innerNode { return node.OpenSetList(buf) },
	allocSize: func(prefixLen, eofBytes int) int {
		return node.SetListAllocSize(prefixLen, node.FullNodeThreshold, eofBytes)
	},
	init: func(buf []byte, addr addralloc.Address, prefix []byte, eofBytes int) innerNode {
		return node.InitSetList(buf, addr, 0, prefix, node.FullNodeThreshold, eofBytes)
	},
}

var fullLayout = layout{
	tag:  addralloc.TypeFull,
	open: func(buf []byte) innerNode { return node.OpenFull(buf) },
	allocSize: func(prefixLen, eofBytes int) int {
		return node.FullAllocSize(prefixLen, eofBytes)
	},
	init: func(buf []byte, addr addralloc.Address, prefix []byte, eofBytes int) innerNode {
		return node.InitFull(buf, addr, 0, prefix, eofBytes)
	},
}

// layoutFor identifies which constructors apply to an already-written
// inner-node buffer.
func (s *Store) layoutFor(buf []byte) layout {
	if node.TypeOf(buf) == addralloc.TypeFull {
		return fullLayout
	}
	return setListLayout
}

// layoutForBranchCount picks set-list unless the branch count already
// requires a full node, matching spec.md §4.8's validate() promotion
// rule and the refactor note "if resulting fan-out >= full-threshold,
// emit a full node."
func layoutForBranchCount(n int) layout {
	if n >= node.FullNodeThreshold {
		return fullLayout
	}
	return setListLayout
}
