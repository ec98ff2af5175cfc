package blockalloc

import "testing"

func TestAllocAndBlock(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, 4096, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	var nums []BlockNumber
	for i := 0; i < 10; i++ {
		n, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		nums = append(nums, n)
	}
	if got := a.NumBlocks(); got != 10 {
		t.Fatalf("NumBlocks() = %d, want 10", got)
	}

	for i, n := range nums {
		if n != BlockNumber(i) {
			t.Fatalf("block %d has number %d, want %d", i, n, i)
		}
		data, err := a.Block(n)
		if err != nil {
			t.Fatalf("Block(%d): %v", n, err)
		}
		if len(data) != 4096 {
			t.Fatalf("Block(%d) len = %d, want 4096", n, len(data))
		}
		data[0] = byte(i)
	}

	for i, n := range nums {
		data, err := a.Block(n)
		if err != nil {
			t.Fatalf("Block(%d): %v", n, err)
		}
		if data[0] != byte(i) {
			t.Fatalf("block %d byte 0 = %d, want %d", n, data[0], i)
		}
	}
}

func TestBlockNotYetAllocated(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, 1024, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, err := a.Block(0); err == nil {
		t.Fatalf("Block(0) on a fresh allocator: expected error")
	}
}

func TestReopenPreservesBlockNumbers(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, 512, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(dir, 512, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Alloc()
	if err != nil {
		t.Fatalf("Alloc after reopen: %v", err)
	}
	if n != 6 {
		t.Fatalf("next block number after reopen = %d, want 6 (slab rounds up to a full 6-block slab pair)", n)
	}
}
