package addralloc

import "sync/atomic"

// Slot is one address's atomic meta word. The address allocator owns the
// storage; internal/objref wraps a *Slot with the retain/release/modify
// semantics a node reference needs.
type Slot struct {
	word atomic.Uint64
}

// Load returns the current meta word with acquire ordering, matching
// the reader traversal's contract of reading location once per hop.
func (s *Slot) Load() MetaWord { return MetaWord(s.word.Load()) }

// store sets the word unconditionally; used only during allocation and
// free, which already hold exclusive access to the slot.
func (s *Slot) store(w MetaWord) { s.word.Store(uint64(w)) }

// Retain atomically increments the ref-count, saturating at MaxRefCount,
// and returns the resulting count.
func (s *Slot) Retain() uint32 {
	for {
		old := MetaWord(s.word.Load())
		rc := old.RefCount()
		if rc >= MaxRefCount {
			return rc
		}
		next := old.withRefCount(rc + 1)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return rc + 1
		}
	}
}

// Release atomically decrements the ref-count and returns the resulting
// count. A saturated ref-count ("many") never decrements below
// MaxRefCount, since the exact count was already lost when it saturated.
func (s *Slot) Release() uint32 {
	for {
		old := MetaWord(s.word.Load())
		rc := old.RefCount()
		if rc == 0 {
			return 0
		}
		if rc >= MaxRefCount {
			return rc
		}
		next := old.withRefCount(rc - 1)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return rc - 1
		}
	}
}

// TryStartMove sets copy_flag iff the slot's current location equals
// from, so the compactor can claim an object for relocation without a
// separate lock. Returns false if the location had already changed or
// copy_flag was already set.
func (s *Slot) TryStartMove(from Location) bool {
	for {
		old := MetaWord(s.word.Load())
		if old.Location() != from || old.CopyFlag() {
			return false
		}
		next := old.withFlag(copyFlagShift, true)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return true
		}
	}
}

// TryMove installs the new location and clears copy_flag, but only if
// the slot's location still equals from (the compactor's relocation
// target may have been beaten by a concurrent free or another mover).
func (s *Slot) TryMove(from, to Location) bool {
	for {
		old := MetaWord(s.word.Load())
		if old.Location() != from {
			return false
		}
		next := old.withLocation(to).withFlag(copyFlagShift, false)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return true
		}
	}
}

// AbortMove clears copy_flag without changing location, used when a
// relocation attempt fails after TryStartMove succeeded.
func (s *Slot) AbortMove() {
	for {
		old := MetaWord(s.word.Load())
		if !old.CopyFlag() {
			return
		}
		next := old.withFlag(copyFlagShift, false)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return
		}
	}
}

// TryInstall stamps a freshly allocated slot (ref_count == 0, null
// location) with its first write: ref_count 1, the given type tag, and
// the given physical location. Returns false if the slot was not found
// in that freshly-allocated state, which only happens if the caller
// installs into a slot it was not the sole allocator of.
func (s *Slot) TryInstall(tag TypeTag, loc Location) bool {
	for {
		old := MetaWord(s.word.Load())
		if !old.IsFree() {
			return false
		}
		next := Pack(1, tag, false, false, false, false, loc)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return true
		}
	}
}

// SetReadBit sets the read bit, marking this address as recently
// accessed for the read-bit decay thread's approximate LRU.
func (s *Slot) SetReadBit() {
	for {
		old := MetaWord(s.word.Load())
		if old.ReadBit() {
			return
		}
		next := old.withFlag(readBitShift, true)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return
		}
	}
}

// ClearReadBit clears the read bit; called by clear_some_read_bits.
func (s *Slot) ClearReadBit() {
	for {
		old := MetaWord(s.word.Load())
		if !old.ReadBit() {
			return
		}
		next := old.withFlag(readBitShift, false)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return
		}
	}
}

// SetPendingCache marks the address as queued for read-cache promotion.
func (s *Slot) SetPendingCache() {
	for {
		old := MetaWord(s.word.Load())
		if old.PendingCache() {
			return
		}
		next := old.withFlag(pendingShift, true)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return
		}
	}
}

// ClearPendingCache clears the pending-cache flag regardless of whether
// promotion succeeded, per the engine's promotion contract.
func (s *Slot) ClearPendingCache() {
	for {
		old := MetaWord(s.word.Load())
		if !old.PendingCache() {
			return
		}
		next := old.withFlag(pendingShift, false)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return
		}
	}
}

// SetConst marks the object immutable in place: any future mutation
// must copy-on-write into a fresh allocation regardless of ref-count.
func (s *Slot) SetConst() {
	for {
		old := MetaWord(s.word.Load())
		if old.ConstFlag() {
			return
		}
		next := old.withFlag(constFlagShift, true)
		if s.word.CompareAndSwap(uint64(old), uint64(next)) {
			return
		}
	}
}
