package segalloc

import (
	"context"
	"testing"
	"time"

	"github.com/iamNilotpal/triestore/internal/readybuf"
	"github.com/iamNilotpal/triestore/pkg/logger"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SegmentSize = 4096
	cfg.SegmentsPerSlab = 2
	cfg.TargetReadyCount = 2
	cfg.MaxPinnedSegments = 1
	cfg.CompactIdleInterval = 20 * time.Millisecond
	cfg.DecayTick = 5 * time.Millisecond
	return cfg
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(t.TempDir(), testConfig(), logger.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocDataWithinSingleSegment(t *testing.T) {
	a := newTestAllocator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx, func(context.Context, *Session, SegmentNumber) error { return nil })

	ses := a.StartSession(false)
	seg1, off1, err := ses.AllocData(ctx, 100)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}
	if off1 != 0 {
		t.Fatalf("first AllocData offset = %d, want 0", off1)
	}

	seg2, off2, err := ses.AllocData(ctx, 200)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}
	if seg2 != seg1 {
		t.Fatalf("second AllocData moved segments (%d != %d) without filling the first", seg2, seg1)
	}
	if off2 != 100 {
		t.Fatalf("second AllocData offset = %d, want 100 (bump past the first allocation)", off2)
	}
}

func TestAllocDataSpillsToNewSegmentWhenFull(t *testing.T) {
	a := newTestAllocator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx, func(context.Context, *Session, SegmentNumber) error { return nil })

	ses := a.StartSession(false)
	seg1, _, err := ses.AllocData(ctx, 4000)
	if err != nil {
		t.Fatalf("AllocData: %v", err)
	}

	seg2, off2, err := ses.AllocData(ctx, 500)
	if err != nil {
		t.Fatalf("AllocData after spill: %v", err)
	}
	if seg2 == seg1 {
		t.Fatalf("AllocData should have spilled into a new segment once the first couldn't fit 500 more bytes")
	}
	if off2 != 0 {
		t.Fatalf("AllocData into a fresh segment should start at offset 0, got %d", off2)
	}
}

func TestAllocDataRejectsOversizedObject(t *testing.T) {
	a := newTestAllocator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx, func(context.Context, *Session, SegmentNumber) error { return nil })

	ses := a.StartSession(false)
	if _, _, err := ses.AllocData(ctx, int(a.SegmentSize())+1); err == nil {
		t.Fatalf("AllocData with an object larger than the segment should fail")
	}
}

// TestCompactSegmentRecyclesIntoReadyBuffer exercises CompactSegment
// directly, without running the background provider/compactor threads,
// so the assertions aren't racing a concurrent compaction pass over the
// same segment.
func TestCompactSegmentRecyclesIntoReadyBuffer(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	seg, err := a.blocks.Alloc()
	if err != nil {
		t.Fatalf("blocks.Alloc: %v", err)
	}
	st := a.stateFor(seg)
	st.allocPos.Store(notAllocating) // sealed: not any session's active write target
	st.freeSpace.Store(10)

	relocateCalled := make(chan SegmentNumber, 1)
	ses := a.StartSession(false)
	if err := a.CompactSegment(ctx, ses, seg, func(_ context.Context, _ *Session, s SegmentNumber) error {
		relocateCalled <- s
		return nil
	}); err != nil {
		t.Fatalf("CompactSegment: %v", err)
	}

	select {
	case got := <-relocateCalled:
		if got != seg {
			t.Fatalf("relocate called with segment %d, want %d", got, seg)
		}
	default:
		t.Fatalf("relocate was never called")
	}

	if got := st.freeSpace.Load(); got != 0 {
		t.Fatalf("freeSpace after CompactSegment = %d, want 0", got)
	}
	if got := st.allocPos.Load(); got != notAllocating {
		t.Fatalf("allocPos after CompactSegment = %d, want notAllocating", got)
	}

	// The drained segment should now be available to the ready buffer.
	popped, ok := a.ready.Pop(readybuf.RequireAck)
	if !ok {
		t.Fatalf("ready buffer did not receive the recycled segment")
	}
	if popped != seg {
		t.Fatalf("recycled segment = %d, want %d", popped, seg)
	}
}

func TestCompactSegmentRequiresRelocateFunc(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()
	ses := a.StartSession(false)
	if err := a.CompactSegment(ctx, ses, 0, nil); err == nil {
		t.Fatalf("CompactSegment with a nil relocate func should fail")
	}
}

func TestStatsReportsSegmentCounts(t *testing.T) {
	a := newTestAllocator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx, func(context.Context, *Session, SegmentNumber) error { return nil })

	ses := a.StartSession(false)
	if _, _, err := ses.AllocData(ctx, 10); err != nil {
		t.Fatalf("AllocData: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.Stats().TotalSegments > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.Stats().TotalSegments; got == 0 {
		t.Fatalf("Stats().TotalSegments = %d, want > 0 once the provider has allocated segments", got)
	}
}
