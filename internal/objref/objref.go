// Package objref wraps a node address's meta slot with the retain/release,
// relocation, and scoped-mutation-lock semantics the mutation kernel and
// the segment compactor both need, instead of poking the raw atomic word
// directly.
//
// Grounded on spec.md §4.7 and the "object reference" wrapper that
// original_source's node classes (referenced generically, since no
// object_ref.hpp/object_ref.cpp file was retrieved for this pack — the
// closest grounding present is internal/addralloc/slot.go's own CAS
// primitives, which this package is a thin, type-safe layer over) use to
// avoid touching a meta word without going through retain/release/
// try_move. Install wraps Slot.TryInstall, which stamps a freshly
// allocated slot with its first-write ref-count, type tag, and physical
// location in one CAS — used once by the mutation kernel each time it
// places a new node.
package objref

import (
	"sync"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"
)

// Ref is a lightweight handle over one address's meta slot: the address
// allocator retains ownership of the underlying *addralloc.Slot, and Ref
// only ever reads or CASes through it, never holds a private copy beyond
// the read it took to answer the last Ref()/Type()/Loc() call.
type Ref struct {
	alloc *addralloc.Allocator
	addr  addralloc.Address
	slot  *addralloc.Slot
}

// New wraps addr (whose slot must already have been returned by alloc's
// Alloc or Get) as a Ref.
func New(alloc *addralloc.Allocator, addr addralloc.Address, slot *addralloc.Slot) *Ref {
	return &Ref{alloc: alloc, addr: addr, slot: slot}
}

// Lookup resolves addr through alloc and wraps the result, the path a
// reader's traversal takes at every hop.
func Lookup(alloc *addralloc.Allocator, addr addralloc.Address) (*Ref, error) {
	slot, err := alloc.Get(addr)
	if err != nil {
		return nil, err
	}
	return New(alloc, addr, slot), nil
}

// Address returns the logical address this Ref wraps.
func (r *Ref) Address() addralloc.Address { return r.addr }

// Ref returns the current meta word's ref-count, matching the original's ref().
func (r *Ref) Ref() uint32 { return r.slot.Load().RefCount() }

// Type returns the current meta word's node type tag.
func (r *Ref) Type() addralloc.TypeTag { return r.slot.Load().TypeTag() }

// Loc returns the current meta word's physical location.
func (r *Ref) Loc() addralloc.Location { return r.slot.Load().Location() }

// IsConst reports whether the object has been synced and is now
// immutable in place, forcing copy-on-write for any mutation.
func (r *Ref) IsConst() bool { return r.slot.Load().ConstFlag() }

// IsRead reports whether the read bit is set, servicing the read-cache
// promotion machinery's "has this been touched since the last decay
// sweep" check.
func (r *Ref) IsRead() bool { return r.slot.Load().ReadBit() }

// MarkRead sets the read bit, called once per reader hop.
func (r *Ref) MarkRead() { r.slot.SetReadBit() }

// EndPendingCache clears the pending-cache flag unconditionally, matching
// the original contract that a promotion attempt always clears it
// whether or not the promotion itself succeeded.
func (r *Ref) EndPendingCache() { r.slot.ClearPendingCache() }

// Retain atomically increments the ref-count and returns the resulting
// value.
func (r *Ref) Retain() uint32 { return r.slot.Retain() }

// Release atomically decrements the ref-count. When it reaches zero the
// object is dead: the caller (the mutation kernel, which alone knows the
// object's size to credit as dead space to its segment) is responsible
// for crediting free space and, once no Ref to this address remains
// reachable, freeing the address itself via Free.
func (r *Ref) Release() uint32 { return r.slot.Release() }

// Free returns addr's slot to the address allocator. Callers must only
// call this after Release has driven the ref-count to zero — Free itself
// does not check, mirroring addralloc.Free's contract of operating on
// whatever slot state it finds.
func (r *Ref) Free() error { return r.alloc.Free(r.addr) }

// TryStartMove attempts to claim this object for relocation by the
// compactor, CAS-setting copy_flag iff the slot's location still equals
// from.
func (r *Ref) TryStartMove(from addralloc.Location) bool { return r.slot.TryStartMove(from) }

// TryMove installs the relocation destination and clears copy_flag, iff
// the slot's location still equals from.
func (r *Ref) TryMove(from, to addralloc.Location) bool { return r.slot.TryMove(from, to) }

// AbortMove clears copy_flag without changing location, used when a
// relocation attempt that began with TryStartMove did not complete.
func (r *Ref) AbortMove() { r.slot.AbortMove() }

// Install stamps a freshly allocated slot (ref-count 0, null location)
// with its first write: ref-count 1, the node's type tag, and its
// physical location. Returns an error if the slot was not in the
// freshly-allocated state the kernel expects to install into — a
// programming error, since only the allocating goroutine can reach an
// unininstalled slot.
func (r *Ref) Install(tag addralloc.TypeTag, loc addralloc.Location) error {
	if !r.slot.TryInstall(tag, loc) {
		return apperrors.NewEngineError(
			nil, apperrors.ErrorCodeInternal, "object reference: slot was not in the freshly-allocated state expected for Install",
		).WithOperation("Install")
	}
	return nil
}

// lockStripes is a fixed table of mutexes, one per address hash bucket,
// giving modify() a scoped critical section without needing a per-slot
// mutex field inside the meta word's tightly packed 64 bits.
const lockStripes = 256

var modifyLocks [lockStripes]sync.Mutex

func stripe(addr addralloc.Address) *sync.Mutex {
	h := uint32(addr.Region)*2654435761 + uint32(addr.Index)
	return &modifyLocks[h%lockStripes]
}

// Unlock releases the scoped lock a call to Modify returned.
type Unlock func()

// Modify returns a scoped lock over addr's stripe, then asserts the
// object is actually safe for an in-place ("unique") mutation:
// const_flag must be clear and ref_count must be exactly 1. Callers that
// only need copy-on-write (the "shared" mode) do not need to call
// Modify at all, since they never mutate the original in place.
func (r *Ref) Modify() (Unlock, error) {
	mu := stripe(r.addr)
	mu.Lock()

	w := r.slot.Load()
	if w.ConstFlag() {
		mu.Unlock()
		return nil, apperrors.NewEngineError(
			nil, apperrors.ErrorCodeInvalidMode, "object reference: cannot modify a const (already-synced) object in place",
		).WithOperation("Modify")
	}
	if w.RefCount() != 1 {
		mu.Unlock()
		return nil, apperrors.NewEngineError(
			nil, apperrors.ErrorCodeInvalidMode, "object reference: in-place modify requires ref_count == 1",
		).WithOperation("Modify").WithDetail("ref_count", w.RefCount())
	}

	return func() { mu.Unlock() }, nil
}
