// Package epoch implements the read-epoch gate between readers and the
// segment allocator's compactor: a segment the compactor drains cannot be
// handed back out for reuse while a reader that started before the drain
// might still be dereferencing a pointer into it.
//
// Grounded on original_source/src/seg_allocator.cpp's
// allocator_state::read_lock_queue (constructor at line ~78,
// push_recycled_segment/available_to_pop/pop_recycled_segments used from
// finalize_compaction and provider_process_recycled_segments, the retired
// get_min_read_ptr sweep from the #if-0'd compact_loop_old). The original
// pins read_lock_queue and its session_rlock slots inside the same
// memory-mapped allocator_state as the segment metadata; this port keeps
// the same two-sided shape (per-session lock pointer array + a FIFO of
// segments awaiting a quiescent epoch) as a plain in-process type, since
// internal/segalloc already documents that address/segment metadata is
// rebuilt from the log on reopen rather than persisted directly.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/iamNilotpal/triestore/internal/segalloc"
)

// Infinite is the sentinel a session's lock pointer holds while it isn't
// reading — no in-flight read can be older than any finite epoch, so a
// session parked at Infinite never holds back a recycle.
const Infinite = ^uint64(0)

// maxSessions bounds the lock-pointer table the same way the original
// bounds max_session_count; sessions are identified by a small dense index
// handed out by whatever owns session lifetime (internal/engine).
const maxSessions = 256

// recycled pairs a drained segment with the epoch it was drained at —
// pushed by the compactor, only safe to hand back out once every active
// reader's lock pointer has advanced past that epoch.
type recycled struct {
	segment segalloc.SegmentNumber
	epoch   uint64
}

// Queue is the read-epoch gate. One Queue is shared by every session and
// by the segment allocator's provider/compactor threads.
type Queue struct {
	current atomic.Uint64
	locks   [maxSessions]atomic.Uint64

	mu      sync.Mutex
	pending []recycled
}

// New returns a Queue with every session lock pointer parked at Infinite,
// mirroring the original comment that session_rlock objects start there
// without needing an explicit initialization loop.
func New() *Queue {
	q := &Queue{}
	for i := range q.locks {
		q.locks[i].Store(Infinite)
	}
	return q
}

// Session is one reader or writer's handle into the epoch gate. Sessions
// are cheap and meant to be kept for the lifetime of a read/write session
// in internal/engine, not allocated per-operation.
type Session struct {
	q    *Queue
	slot uint32
}

// Acquire binds slot (a small dense index owned by the caller — see
// internal/engine's session table) to q. The returned Session's lock
// pointer starts at Infinite.
func (q *Queue) Acquire(slot uint32) *Session {
	q.locks[slot].Store(Infinite)
	return &Session{q: q, slot: slot}
}

// Release parks the session's lock pointer back at Infinite, the
// equivalent of the original destroying a session_rlock — it must be
// called once the caller is done reusing this dense slot, so a future
// session reusing the same slot doesn't inherit a stale finite epoch.
func (s *Session) Release() { s.q.locks[s.slot].Store(Infinite) }

// BeginRead pins the session at the queue's current epoch, publishing to
// the compactor that this session may be holding pointers into any
// segment not yet recycled as of this instant. Returns the epoch pinned;
// EndRead takes no epoch and performs no check against it (callers own
// one Session per goroutine).
func (s *Session) BeginRead() uint64 {
	e := s.q.current.Load()
	s.q.locks[s.slot].Store(e)
	return e
}

// EndRead parks the session back at Infinite, turning it invisible to
// get_min_read_ptr.
func (s *Session) EndRead() { s.q.locks[s.slot].Store(Infinite) }

// Bump advances the queue's current epoch and returns the new value.
// Call before PushRecycled so the pushed segment is stamped with an
// epoch no reader starting afterward could have observed it under.
func (q *Queue) Bump() uint64 { return q.current.Add(1) }

// minLockPtr scans every session's lock pointer and returns the lowest
// finite one, or Infinite if no session is mid-read — the direct port of
// the retired compact_loop_old's get_min_read_ptr() call.
func (q *Queue) minLockPtr() uint64 {
	min := Infinite
	for i := range q.locks {
		if p := q.locks[i].Load(); p < min {
			min = p
		}
	}
	return min
}

// PushRecycled enqueues a segment the compactor just drained, stamped at
// the epoch it was drained under. Mirrors finalize_compaction's tail call
// into push_recycled_segment.
func (q *Queue) PushRecycled(seg segalloc.SegmentNumber, epoch uint64) {
	q.mu.Lock()
	q.pending = append(q.pending, recycled{segment: seg, epoch: epoch})
	q.mu.Unlock()
}

// AvailableToPop reports how many pending segments, counted from the
// front of the queue, are old enough that no active session could still
// be reading through them — i.e. stamped at an epoch strictly less than
// every session's current lock pointer. Mirrors available_to_pop.
func (q *Queue) AvailableToPop() int {
	min := q.minLockPtr()

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.pending) && q.pending[n].epoch < min {
		n++
	}
	return n
}

// PopRecycled drains up to n quiescent segments from the front of the
// queue into out, returning how many were popped. Mirrors
// pop_recycled_segments, used by the provider to refill its free-segment
// pool only with segments every reader has moved past.
func (q *Queue) PopRecycled(out []segalloc.SegmentNumber) int {
	min := q.minLockPtr()

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(out) && n < len(q.pending) && q.pending[n].epoch < min {
		out[n] = q.pending[n].segment
		n++
	}
	if n > 0 {
		q.pending = q.pending[n:]
	}
	return n
}

// PendingCount returns the total number of segments awaiting a quiescent
// epoch, available or not — useful for Stats/dump-style reporting.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SessionLockPtr returns the raw lock pointer for slot, matching the
// original's session_lock_ptr accessor used by seg_allocator::dump().
func (q *Queue) SessionLockPtr(slot uint32) uint64 { return q.locks[slot].Load() }

// CurrentEpoch returns the queue's current epoch counter without
// advancing it.
func (q *Queue) CurrentEpoch() uint64 { return q.current.Load() }
