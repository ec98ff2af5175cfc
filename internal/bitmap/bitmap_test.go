package bitmap

import "testing"

func TestSetTestReset(t *testing.T) {
	b, err := New(200)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if b.Any() {
		t.Fatalf("expected empty bitmap to report Any()==false")
	}

	for _, idx := range []uint32{0, 63, 64, 127, 199} {
		if err := b.Set(idx); err != nil {
			t.Fatalf("Set(%d): %v", idx, err)
		}
	}

	if got := b.Count(); got != 5 {
		t.Fatalf("Count() = %d, want 5", got)
	}

	for _, idx := range []uint32{0, 63, 64, 127, 199} {
		set, err := b.Test(idx)
		if err != nil || !set {
			t.Fatalf("Test(%d) = %v, %v; want true, nil", idx, set, err)
		}
	}
	if set, _ := b.Test(100); set {
		t.Fatalf("Test(100) = true, want false")
	}

	if err := b.Reset(64); err != nil {
		t.Fatalf("Reset(64): %v", err)
	}
	if set, _ := b.Test(64); set {
		t.Fatalf("Test(64) after Reset = true, want false")
	}
	if got := b.Count(); got != 4 {
		t.Fatalf("Count() after Reset = %d, want 4", got)
	}
}

func TestOutOfRange(t *testing.T) {
	b, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Set(10); err == nil {
		t.Fatalf("Set(10) on a 10-bit map: expected out-of-range error")
	}
	if _, err := b.Test(500); err == nil {
		t.Fatalf("Test(500): expected out-of-range error")
	}
}

func TestFindFirstSetAcrossLevels(t *testing.T) {
	// 5000 bits requires a 3-level hierarchy (level0 words, level1, level2 root).
	b, err := New(5000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if idx := b.FindFirstSet(); idx != Invalid {
		t.Fatalf("FindFirstSet on empty map = %d, want Invalid", idx)
	}

	if err := b.Set(4321); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if idx := b.FindFirstSet(); idx != 4321 {
		t.Fatalf("FindFirstSet = %d, want 4321", idx)
	}

	if err := b.Set(17); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if idx := b.FindFirstSet(); idx != 17 {
		t.Fatalf("FindFirstSet = %d, want 17", idx)
	}

	if idx := b.UnsetFirstSet(); idx != 17 {
		t.Fatalf("UnsetFirstSet = %d, want 17", idx)
	}
	if set, _ := b.Test(17); set {
		t.Fatalf("bit 17 still set after UnsetFirstSet")
	}
	if idx := b.FindFirstSet(); idx != 4321 {
		t.Fatalf("FindFirstSet after unsetting 17 = %d, want 4321", idx)
	}
}

func TestFindFirstUnset(t *testing.T) {
	b, err := New(130)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.SetAll()
	if b.FindFirstUnset() != Invalid {
		t.Fatalf("FindFirstUnset on a full map should be Invalid")
	}
	if !b.All() {
		t.Fatalf("All() should be true after SetAll")
	}

	if err := b.Reset(65); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if idx := b.FindFirstUnset(); idx != 65 {
		t.Fatalf("FindFirstUnset = %d, want 65", idx)
	}
	if idx := b.SetFirstUnset(); idx != 65 {
		t.Fatalf("SetFirstUnset = %d, want 65", idx)
	}
	if !b.All() {
		t.Fatalf("All() should be true again after SetFirstUnset")
	}
}

func TestResetAllAndSetAllRespectCapacity(t *testing.T) {
	// 130 bits needs padding: level0 has 3 words (192 bits) but only 130 are valid.
	b, err := New(130)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.SetAll()
	if got := b.Count(); got != 130 {
		t.Fatalf("Count() after SetAll = %d, want 130", got)
	}
	if idx := b.FindFirstSet(); idx != 0 {
		t.Fatalf("FindFirstSet after SetAll = %d, want 0", idx)
	}

	b.ResetAll()
	if !b.None() {
		t.Fatalf("None() should be true after ResetAll")
	}
	if got := b.Count(); got != 0 {
		t.Fatalf("Count() after ResetAll = %d, want 0", got)
	}
}

func TestNextPrev(t *testing.T) {
	b, err := New(100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, idx := range []uint32{3, 10, 64, 99} {
		if err := b.Set(idx); err != nil {
			t.Fatalf("Set(%d): %v", idx, err)
		}
	}

	if got := b.Next(3); got != 10 {
		t.Fatalf("Next(3) = %d, want 10", got)
	}
	if got := b.Next(10); got != 64 {
		t.Fatalf("Next(10) = %d, want 64", got)
	}
	if got := b.Next(64); got != 99 {
		t.Fatalf("Next(64) = %d, want 99", got)
	}
	if got := b.Next(99); got != Invalid {
		t.Fatalf("Next(99) = %d, want Invalid", got)
	}

	if got := b.Prev(99); got != 64 {
		t.Fatalf("Prev(99) = %d, want 64", got)
	}
	if got := b.Prev(64); got != 10 {
		t.Fatalf("Prev(64) = %d, want 10", got)
	}
	if got := b.Prev(10); got != 3 {
		t.Fatalf("Prev(10) = %d, want 3", got)
	}
	if got := b.Prev(3); got != Invalid {
		t.Fatalf("Prev(3) = %d, want Invalid", got)
	}
}

func TestSingleLevelSmallCapacity(t *testing.T) {
	b, err := New(5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Set(4); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if idx := b.FindFirstSet(); idx != 4 {
		t.Fatalf("FindFirstSet = %d, want 4", idx)
	}
	if idx := b.FindFirstUnset(); idx != 0 {
		t.Fatalf("FindFirstUnset = %d, want 0", idx)
	}
}
