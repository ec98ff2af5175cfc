package addralloc

import "testing"

func TestMetaWordPackRoundTrip(t *testing.T) {
	loc := Location{SegmentID: 7, OffsetWords: 12345}
	w := Pack(3, TypeSetList, true, false, true, false, loc)

	if got := w.RefCount(); got != 3 {
		t.Fatalf("RefCount() = %d, want 3", got)
	}
	if got := w.TypeTag(); got != TypeSetList {
		t.Fatalf("TypeTag() = %v, want TypeSetList", got)
	}
	if !w.ReadBit() {
		t.Fatalf("ReadBit() = false, want true")
	}
	if w.CopyFlag() {
		t.Fatalf("CopyFlag() = true, want false")
	}
	if !w.ConstFlag() {
		t.Fatalf("ConstFlag() = false, want true")
	}
	if got := w.Location(); got != loc {
		t.Fatalf("Location() = %+v, want %+v", got, loc)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := New()
	region, err := a.NewRegion()
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	addr, slot, err := a.Alloc(region)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr.Region != region {
		t.Fatalf("allocated address region = %d, want %d", addr.Region, region)
	}
	if got := a.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	slot.Retain()
	if got := slot.Load().RefCount(); got != 1 {
		t.Fatalf("RefCount after Retain = %d, want 1", got)
	}

	got, err := a.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != slot {
		t.Fatalf("Get returned a different slot pointer than Alloc")
	}

	if err := a.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := a.Count(); got != 0 {
		t.Fatalf("Count() after Free = %d, want 0", got)
	}
	if rc := slot.Load().RefCount(); rc != 0 {
		t.Fatalf("RefCount after Free = %d, want 0", rc)
	}
}

func TestAllocManySlotsAcrossPages(t *testing.T) {
	a := New()
	region, err := a.NewRegion()
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	seen := make(map[Address]bool)
	// Exceed one page (512 slots) to exercise page growth.
	for i := 0; i < RegionPageCapacity+10; i++ {
		addr, _, err := a.Alloc(region)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("Alloc returned duplicate address %v", addr)
		}
		seen[addr] = true
	}
	if got := a.Count(); got != uint64(RegionPageCapacity+10) {
		t.Fatalf("Count() = %d, want %d", got, RegionPageCapacity+10)
	}
}

func TestTryStartMoveAndTryMove(t *testing.T) {
	a := New()
	region, err := a.NewRegion()
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	_, slot, err := a.Alloc(region)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	from := Location{SegmentID: 1, OffsetWords: 10}
	to := Location{SegmentID: 2, OffsetWords: 20}

	old := slot.Load()
	next := old.withLocation(from)
	slot.store(next)

	if !slot.TryStartMove(from) {
		t.Fatalf("TryStartMove(from) = false, want true")
	}
	if !slot.Load().CopyFlag() {
		t.Fatalf("copy flag not set after TryStartMove")
	}
	if !slot.TryMove(from, to) {
		t.Fatalf("TryMove(from, to) = false, want true")
	}
	if slot.Load().CopyFlag() {
		t.Fatalf("copy flag still set after TryMove")
	}
	if got := slot.Load().Location(); got != to {
		t.Fatalf("Location() = %+v, want %+v", got, to)
	}
}
