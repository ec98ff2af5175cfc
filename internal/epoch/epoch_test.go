package epoch

import (
	"testing"

	"github.com/iamNilotpal/triestore/internal/segalloc"
)

func TestNewParksEverySessionAtInfinite(t *testing.T) {
	q := New()
	if got := q.SessionLockPtr(0); got != Infinite {
		t.Fatalf("SessionLockPtr(0) on a fresh queue = %d, want Infinite", got)
	}
}

func TestRecycledSegmentUnavailableWhileReaderIsOlder(t *testing.T) {
	q := New()

	reader := q.Acquire(0)
	reader.BeginRead() // pins reader at epoch 0

	epoch := q.Bump() // epoch 1
	q.PushRecycled(segalloc.SegmentNumber(42), epoch)

	if got := q.AvailableToPop(); got != 0 {
		t.Fatalf("AvailableToPop() = %d while a reader is still pinned before the recycle epoch, want 0", got)
	}

	reader.EndRead()
	if got := q.AvailableToPop(); got != 1 {
		t.Fatalf("AvailableToPop() = %d after the reader ended, want 1", got)
	}
}

func TestPopRecycledDrainsOnlyQuiescentSegments(t *testing.T) {
	q := New()

	e1 := q.Bump()
	q.PushRecycled(segalloc.SegmentNumber(1), e1)

	reader := q.Acquire(0)
	reader.BeginRead() // pins at e1 (current epoch hasn't moved since)

	e2 := q.Bump()
	q.PushRecycled(segalloc.SegmentNumber(2), e2)

	out := make([]segalloc.SegmentNumber, 2)
	n := q.PopRecycled(out)
	if n != 0 {
		t.Fatalf("PopRecycled() popped %d segments while the reader pins epoch %d, want 0", n, e1)
	}

	reader.EndRead()
	n = q.PopRecycled(out)
	if n != 2 {
		t.Fatalf("PopRecycled() after reader ended = %d, want 2", n)
	}
	if out[0] != 1 || out[1] != 2 {
		t.Fatalf("PopRecycled() order = %v, want [1 2] (FIFO)", out[:n])
	}
}

func TestReleaseParksSessionBackAtInfinite(t *testing.T) {
	q := New()
	s := q.Acquire(3)
	s.BeginRead()
	if got := q.SessionLockPtr(3); got == Infinite {
		t.Fatalf("SessionLockPtr(3) after BeginRead = Infinite, want a finite epoch")
	}
	s.Release()
	if got := q.SessionLockPtr(3); got != Infinite {
		t.Fatalf("SessionLockPtr(3) after Release = %d, want Infinite", got)
	}
}

func TestPendingCountIncludesUnavailableSegments(t *testing.T) {
	q := New()
	reader := q.Acquire(0)
	reader.BeginRead()

	q.PushRecycled(segalloc.SegmentNumber(7), q.Bump())
	if got := q.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}
	if got := q.AvailableToPop(); got != 0 {
		t.Fatalf("AvailableToPop() = %d, want 0 while reader is pinned", got)
	}
}
