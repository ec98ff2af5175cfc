package node

import (
	"bytes"
	"testing"

	"github.com/iamNilotpal/triestore/internal/addralloc"
)

func addr(r, i uint16) addralloc.Address { return addralloc.Address{Region: r, Index: i} }

func TestValueInlineRoundTrip(t *testing.T) {
	buf := make([]byte, ValueAllocSize(16))
	v := InitValue(buf, addr(1, 1), 1, []byte("hello"), 16)
	if v.IsSubtree() {
		t.Fatalf("IsSubtree() = true, want false")
	}
	if got := string(v.Blob()); got != "hello" {
		t.Fatalf("Blob() = %q, want %q", got, "hello")
	}
	if !v.CanSetInPlace([]byte("world!")) {
		t.Fatalf("CanSetInPlace within capacity should be true")
	}
	prior := v.SetValueInPlace([]byte("world!"))
	if prior != (addralloc.Address{}) {
		t.Fatalf("SetValueInPlace on a non-subtree value should return null prior, got %v", prior)
	}
	if got := string(v.Blob()); got != "world!" {
		t.Fatalf("Blob() after SetValueInPlace = %q, want %q", got, "world!")
	}

	if v.CanSetInPlace(bytes.Repeat([]byte("x"), 100)) {
		t.Fatalf("CanSetInPlace beyond capacity should be false")
	}
}

func TestValueSubtree(t *testing.T) {
	buf := make([]byte, ValueAllocSize(0))
	sub := addr(2, 5)
	v := InitSubtreeValue(buf, addr(1, 1), 1, sub)
	if !v.IsSubtree() {
		t.Fatalf("IsSubtree() = false, want true")
	}
	if got := v.SubtreeAddr(); got != sub {
		t.Fatalf("SubtreeAddr() = %v, want %v", got, sub)
	}
	if v.CanSetInPlace([]byte("x")) {
		t.Fatalf("CanSetInPlace on a subtree value should be false")
	}
}

func TestHeaderChecksumRoundTrip(t *testing.T) {
	buf := make([]byte, ValueAllocSize(8))
	InitValue(buf, addr(1, 1), 1, []byte("abc"), 8)
	UpdateChecksum(buf)
	if !VerifyChecksum(buf) {
		t.Fatalf("VerifyChecksum should pass right after UpdateChecksum")
	}
	buf[valueBodyOffset] ^= 0xFF
	if VerifyChecksum(buf) {
		t.Fatalf("VerifyChecksum should fail after corrupting the body")
	}
}

func TestBinarySortedInsertAndLookup(t *testing.T) {
	buf := make([]byte, BinaryAllocSize(8, 256))
	b := InitBinary(buf, addr(1, 1), 1, 8, 256)

	keys := [][]byte{[]byte("banana"), []byte("apple"), []byte("cherry"), []byte("date")}
	for _, k := range keys {
		idx := b.LowerBoundIdx(k)
		if !b.CanInsert(len(k), ValueInline, len(k)) {
			t.Fatalf("CanInsert should be true with plenty of room")
		}
		b.Insert(idx, k, ValueInline, 0, 0, len(k), k)
	}

	if b.NumEntries() != 4 {
		t.Fatalf("NumEntries() = %d, want 4", b.NumEntries())
	}
	want := []string{"apple", "banana", "cherry", "date"}
	for i, w := range want {
		if got := string(b.GetKey(i)); got != w {
			t.Fatalf("GetKey(%d) = %q, want %q (sort order violated)", i, got, w)
		}
	}

	idx := b.FindKeyIdx([]byte("cherry"))
	if idx < 0 {
		t.Fatalf("FindKeyIdx(cherry) not found")
	}
	if got := string(b.GetInlineValue(idx)); got != "cherry" {
		t.Fatalf("GetInlineValue(cherry) = %q, want %q", got, "cherry")
	}

	if b.FindKeyIdx([]byte("missing")) != -1 {
		t.Fatalf("FindKeyIdx(missing) should be -1")
	}
}

func TestBinaryRemoveTracksDeadSpace(t *testing.T) {
	buf := make([]byte, BinaryAllocSize(4, 128))
	b := InitBinary(buf, addr(1, 1), 1, 4, 128)
	b.Insert(b.LowerBoundIdx([]byte("k1")), []byte("k1"), ValueInline, 0, 0, 2, []byte("v1"))
	b.Insert(b.LowerBoundIdx([]byte("k2")), []byte("k2"), ValueInline, 0, 0, 2, []byte("v2"))

	if !b.IsOptimalLayout() {
		t.Fatalf("freshly inserted node should be optimal layout")
	}

	idx := b.FindKeyIdx([]byte("k1"))
	kind, _ := b.Remove(idx)
	if kind != ValueInline {
		t.Fatalf("Remove kind = %v, want ValueInline", kind)
	}
	if b.DeadSpace() == 0 {
		t.Fatalf("DeadSpace should be nonzero after removing an inline entry")
	}
	if b.IsOptimalLayout() {
		t.Fatalf("node with dead space should not be optimal layout")
	}
	if b.NumEntries() != 1 {
		t.Fatalf("NumEntries() after remove = %d, want 1", b.NumEntries())
	}
	if got := string(b.GetKey(0)); got != "k2" {
		t.Fatalf("remaining key = %q, want k2", got)
	}
}

func TestBinaryObjIDAndSubtreeValues(t *testing.T) {
	buf := make([]byte, BinaryAllocSize(4, 64))
	b := InitBinary(buf, addr(1, 1), 1, 4, 64)
	sub := addr(9, 9)
	b.Insert(0, []byte("nested"), ValueSubtree, sub.Region, sub.Index, 0, nil)

	if !b.IsSubtree(0) {
		t.Fatalf("IsSubtree(0) = false, want true")
	}
	if got := b.GetRefAddress(0); got != sub {
		t.Fatalf("GetRefAddress(0) = %v, want %v", got, sub)
	}
}

func TestSetListBranchOrderingAndEOF(t *testing.T) {
	buf := make([]byte, SetListAllocSize(2, 8, 32))
	s := InitSetList(buf, addr(1, 1), 1, []byte("ab"), 8, 32)

	if got := string(s.Prefix()); got != "ab" {
		t.Fatalf("Prefix() = %q, want %q", got, "ab")
	}

	for _, b := range []byte{'z', 'a', 'm'} {
		if !s.CanAddBranch() {
			t.Fatalf("CanAddBranch should be true with plenty of capacity")
		}
		s.AddBranch(b, addr(2, uint16(b)))
	}
	if !s.Validate() {
		t.Fatalf("Validate() should report sorted branch order")
	}
	if got := s.BranchByte(0); got != 'a' {
		t.Fatalf("first branch byte = %c, want a", got)
	}
	if got := s.BranchByte(2); got != 'z' {
		t.Fatalf("last branch byte = %c, want z", got)
	}

	idx := s.FindBranch('m')
	if idx < 0 {
		t.Fatalf("FindBranch(m) not found")
	}
	if got := s.BranchAddress(idx); got != addr(2, 'm') {
		t.Fatalf("BranchAddress(m) = %v, want %v", got, addr(2, 'm'))
	}

	if s.HasEOF() {
		t.Fatalf("fresh node should have no eof")
	}
	s.SetEOF(ValueInline, 0, 0, []byte("root-value"))
	if !s.HasEOF() {
		t.Fatalf("HasEOF() after SetEOF should be true")
	}
	if got := string(s.EOFInlineValue()); got != "root-value" {
		t.Fatalf("EOFInlineValue() = %q, want %q", got, "root-value")
	}
}

func TestSetListPromotesAtThreshold(t *testing.T) {
	buf := make([]byte, SetListAllocSize(0, FullNodeThreshold, 0))
	s := InitSetList(buf, addr(1, 1), 1, nil, FullNodeThreshold, 0)
	for i := 0; i < FullNodeThreshold; i++ {
		if !s.CanAddBranch() {
			t.Fatalf("CanAddBranch should allow up to FullNodeThreshold branches, stopped at %d", i)
		}
		s.AddBranch(byte(i), addr(2, uint16(i)))
	}
	if s.CanAddBranch() {
		t.Fatalf("CanAddBranch should be false once NumBranches reaches FullNodeThreshold")
	}
}

func TestFullNodeDenseTableAndEOF(t *testing.T) {
	buf := make([]byte, FullAllocSize(0, 16))
	f := InitFull(buf, addr(1, 1), 1, nil, 16)

	if f.HasBranch('x') {
		t.Fatalf("fresh full node should have no branches")
	}
	f.SetBranch('x', addr(3, 3))
	if !f.HasBranch('x') {
		t.Fatalf("HasBranch(x) after SetBranch should be true")
	}
	if got := f.BranchAddress('x'); got != addr(3, 3) {
		t.Fatalf("BranchAddress(x) = %v, want %v", got, addr(3, 3))
	}
	if f.NumBranches() != 1 {
		t.Fatalf("NumBranches() = %d, want 1", f.NumBranches())
	}

	f.RemoveBranch('x')
	if f.HasBranch('x') {
		t.Fatalf("HasBranch(x) after RemoveBranch should be false")
	}
	if f.NumBranches() != 0 {
		t.Fatalf("NumBranches() after RemoveBranch = %d, want 0", f.NumBranches())
	}

	f.SetEOF(ValueInline, 0, 0, []byte("root"))
	if !f.HasEOF() {
		t.Fatalf("HasEOF() after SetEOF should be true")
	}
	if got := string(f.EOFInlineValue()); got != "root" {
		t.Fatalf("EOFInlineValue() = %q, want %q", got, "root")
	}
	if f.IsEmpty() {
		t.Fatalf("IsEmpty() should be false once an eof value is set")
	}
}

func TestFullNodeNextByteScan(t *testing.T) {
	buf := make([]byte, FullAllocSize(0, 0))
	f := InitFull(buf, addr(1, 1), 1, nil, 0)
	f.SetBranch(5, addr(1, 1))
	f.SetBranch(200, addr(1, 2))

	b, ok := f.NextByte(0)
	if !ok || b != 5 {
		t.Fatalf("NextByte(0) = (%d,%v), want (5,true)", b, ok)
	}
	b, ok = f.NextByte(6)
	if !ok || b != 200 {
		t.Fatalf("NextByte(6) = (%d,%v), want (200,true)", b, ok)
	}
	if _, ok := f.NextByte(201); ok {
		t.Fatalf("NextByte(201) should find nothing")
	}
}
