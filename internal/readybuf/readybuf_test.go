package readybuf

import (
	"testing"
	"time"
)

func TestPushPopFIFO(t *testing.T) {
	b := New[int]()
	for i := 0; i < 5; i++ {
		if idx := b.Push(i); idx < 0 {
			t.Fatalf("Push(%d) returned -1", i)
		}
	}

	for i := 0; i < 5; i++ {
		v, ok := b.Pop(RequireAck)
		if !ok {
			t.Fatalf("Pop() #%d: ok=false", i)
		}
		if v != i {
			t.Fatalf("Pop() #%d = %d, want %d (FIFO order)", i, v, i)
		}
	}

	if _, ok := b.Pop(RequireAck); ok {
		t.Fatalf("Pop() on empty buffer returned ok=true")
	}
}

func TestPushFrontPriority(t *testing.T) {
	b := New[string]()
	b.Push("low-1")
	b.Push("low-2")
	b.PushFront("high")

	v, ok := b.Pop(SkipAck)
	if !ok || v != "high" {
		t.Fatalf("Pop() = %q, %v, want \"high\", true (priority item first)", v, ok)
	}
	v, ok = b.Pop(SkipAck)
	if !ok || v != "low-1" {
		t.Fatalf("Pop() = %q, %v, want \"low-1\", true", v, ok)
	}
}

func TestPopBackLIFO(t *testing.T) {
	b := New[int]()
	b.Push(1)
	b.Push(2)
	b.Push(3)

	v, ok := b.PopBack(SkipAck)
	if !ok || v != 3 {
		t.Fatalf("PopBack() = %d, %v, want 3, true", v, ok)
	}
}

func TestRequireAckThenPopAck(t *testing.T) {
	b := New[int]()
	b.Push(42)

	v, ok := b.Pop(RequireAck)
	if !ok || v != 42 {
		t.Fatalf("Pop() = %d, %v, want 42, true", v, ok)
	}
	if got := b.PendingAckCount(); got != 1 {
		t.Fatalf("PendingAckCount() = %d, want 1", got)
	}

	acked, ok := b.PopAck()
	if !ok || acked != 42 {
		t.Fatalf("PopAck() = %d, %v, want 42, true", acked, ok)
	}
	if got := b.PendingAckCount(); got != 0 {
		t.Fatalf("PendingAckCount() after PopAck = %d, want 0", got)
	}
	if got := b.FreeSpace(); got != Size {
		t.Fatalf("FreeSpace() after PopAck = %d, want %d", got, Size)
	}
}

func TestTrySwap(t *testing.T) {
	b := New[int]()
	idx := b.Push(10)

	old, ok := b.TrySwap(uint64(idx), 20)
	if !ok || old != 10 {
		t.Fatalf("TrySwap() = %d, %v, want 10, true", old, ok)
	}

	v, ok := b.Pop(SkipAck)
	if !ok || v != 20 {
		t.Fatalf("Pop() after TrySwap = %d, %v, want 20, true", v, ok)
	}
}

func TestHighWaterBackpressure(t *testing.T) {
	b := New[int]()
	pushed := 0
	for i := 0; i < Size; i++ {
		if b.Push(i) < 0 {
			break
		}
		pushed++
	}
	if pushed >= Size {
		t.Fatalf("Push never hit the high water mark (pushed %d of %d slots)", pushed, Size)
	}
	if b.Push(999) != -1 {
		t.Fatalf("Push past high water mark should return -1")
	}
}

func TestPopWaitUnblocksOnPush(t *testing.T) {
	b := New[int]()
	done := make(chan int, 1)
	go func() {
		v, err := b.PopWait(RequireAck)
		if err != nil {
			done <- -1
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	b.Push(7)

	select {
	case v := <-done:
		if v != 7 {
			t.Fatalf("PopWait() = %d, want 7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PopWait() never unblocked after Push")
	}
}

func TestWakeBlockedInterruptsPopWait(t *testing.T) {
	b := New[int]()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.PopWait(RequireAck)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.WakeBlocked()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("PopWait() returned nil error after WakeBlocked")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PopWait() never returned after WakeBlocked")
	}
}

func TestReset(t *testing.T) {
	b := New[int]()
	b.Push(1)
	b.Push(2)
	b.Reset()

	if got := b.Usage(); got != 0 {
		t.Fatalf("Usage() after Reset = %d, want 0", got)
	}
	if got := b.HighWaterMark(); got != defaultHighWater {
		t.Fatalf("HighWaterMark() after Reset = %d, want %d", got, defaultHighWater)
	}

	// Buffer must be usable again after Reset clears the interrupt flag.
	b.ClearInterrupt()
	if idx := b.Push(99); idx < 0 {
		t.Fatalf("Push() after Reset returned -1")
	}
}
