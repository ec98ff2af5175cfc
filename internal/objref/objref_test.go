package objref

import (
	"testing"

	"github.com/iamNilotpal/triestore/internal/addralloc"
)

func newTestRef(t *testing.T) (*addralloc.Allocator, *Ref) {
	t.Helper()
	alloc := addralloc.New()
	region, err := alloc.NewRegion()
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	addr, slot, err := alloc.Alloc(region)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return alloc, New(alloc, addr, slot)
}

func TestInstallThenRetainRelease(t *testing.T) {
	_, ref := newTestRef(t)
	loc := addralloc.Location{SegmentID: 1, OffsetWords: 4}
	if err := ref.Install(addralloc.TypeValue, loc); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := ref.Ref(); got != 1 {
		t.Fatalf("Ref() after Install = %d, want 1", got)
	}
	if got := ref.Loc(); got != loc {
		t.Fatalf("Loc() = %v, want %v", got, loc)
	}

	if got := ref.Retain(); got != 2 {
		t.Fatalf("Retain() = %d, want 2", got)
	}
	if got := ref.Release(); got != 1 {
		t.Fatalf("Release() = %d, want 1", got)
	}
}

func TestInstallTwiceFails(t *testing.T) {
	_, ref := newTestRef(t)
	loc := addralloc.Location{SegmentID: 1, OffsetWords: 4}
	if err := ref.Install(addralloc.TypeValue, loc); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := ref.Install(addralloc.TypeBinary, loc); err == nil {
		t.Fatalf("second Install on an already-installed slot should fail")
	}
}

func TestModifyRequiresUniqueRefCount(t *testing.T) {
	_, ref := newTestRef(t)
	loc := addralloc.Location{SegmentID: 1, OffsetWords: 4}
	if err := ref.Install(addralloc.TypeValue, loc); err != nil {
		t.Fatalf("Install: %v", err)
	}

	unlock, err := ref.Modify()
	if err != nil {
		t.Fatalf("Modify() on a ref_count==1 object: %v", err)
	}
	unlock()

	ref.Retain()
	if _, err := ref.Modify(); err == nil {
		t.Fatalf("Modify() on a ref_count==2 object should fail")
	}
}

func TestModifyRejectsConst(t *testing.T) {
	alloc, ref := newTestRef(t)
	loc := addralloc.Location{SegmentID: 1, OffsetWords: 4}
	if err := ref.Install(addralloc.TypeValue, loc); err != nil {
		t.Fatalf("Install: %v", err)
	}

	slot, err := alloc.Get(ref.Address())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	slot.SetConst()

	if _, err := ref.Modify(); err == nil {
		t.Fatalf("Modify() on a const object should fail")
	}
}

func TestTryStartMoveAndTryMove(t *testing.T) {
	_, ref := newTestRef(t)
	from := addralloc.Location{SegmentID: 1, OffsetWords: 4}
	to := addralloc.Location{SegmentID: 2, OffsetWords: 8}
	if err := ref.Install(addralloc.TypeValue, from); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if !ref.TryStartMove(from) {
		t.Fatalf("TryStartMove(from) = false, want true")
	}
	if ref.TryStartMove(from) {
		t.Fatalf("second TryStartMove(from) = true, want false (copy_flag already set)")
	}
	if !ref.TryMove(from, to) {
		t.Fatalf("TryMove(from, to) = false, want true")
	}
	if got := ref.Loc(); got != to {
		t.Fatalf("Loc() after TryMove = %v, want %v", got, to)
	}
}
