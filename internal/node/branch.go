package node

import "github.com/iamNilotpal/triestore/internal/addralloc"

// BranchEntry is one (byte -> child address) pair, the uniform shape
// the mutation kernel iterates over regardless of whether the owning
// node is a SetList or a Full node.
type BranchEntry struct {
	Byte byte
	Addr addralloc.Address
}

// Branches returns every branch in ascending byte order.
func (s *SetList) Branches() []BranchEntry {
	n := s.NumBranches()
	out := make([]BranchEntry, n)
	for i := 0; i < n; i++ {
		out[i] = BranchEntry{Byte: s.branchByte(i), Addr: s.branchAddr(i)}
	}
	return out
}

// Branches returns every non-null branch in ascending byte order.
func (f *Full) Branches() []BranchEntry {
	var out []BranchEntry
	b, ok := f.NextByte(0)
	for ok {
		out = append(out, BranchEntry{Byte: b, Addr: f.BranchAddress(b)})
		if b == 255 {
			break
		}
		b, ok = f.NextByte(int(b) + 1)
	}
	return out
}
