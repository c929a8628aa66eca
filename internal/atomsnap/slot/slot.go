// Package slot implements the version slot: the fixed-size record holding
// one immutable snapshot and its reclamation bookkeeping.
//
// This is the Go rendering of shadowmem.VarState's split design: a small
// set of lock-free, atomically-updated fields on the hot path (Inner,
// link), plus build-time fields that are only ever touched by the single
// writer that owns the slot before publication.
package slot

import (
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/atomsnap/internal/atomsnap/handle"
)

// Inner-state bit layout: low 32 bits counter (mod 2^32), bit 32 DETACHED,
// bit 33 FINALIZED. The counter width matches the gate's outer-counter
// width (32 bits).
const (
	counterBits = 32
	counterMask = 1<<counterBits - 1

	detachedBit  = uint64(1) << counterBits
	finalizedBit = uint64(1) << (counterBits + 1)
)

// Finalizer lets a slot carry a borrowed reference back to whatever
// published it, so Release can invoke the owner's cleanup callback without
// this package importing the gate package (which would create an import
// cycle, since gate depends on slot). The gate package's *gate.Gate type
// implements this interface.
type Finalizer interface {
	// Finalize runs the owner's cleanup callback for a retired version.
	// Called at most once per slot, by the single thread that wins the
	// FINALIZED claim.
	Finalize(object, context unsafe.Pointer)
}

// Slot is a fixed-size version record. One Slot lives inside exactly one
// Arena for the lifetime of the process; it cycles between Free, Building,
// Published, Detached, and Reclaimable states.
type Slot struct {
	// Object is the opaque user payload, set by the writer before
	// publication and never mutated afterward.
	Object unsafe.Pointer
	// FreeContext is passed back to Owner.Finalize alongside Object.
	FreeContext unsafe.Pointer
	// Owner is the gate this version was (or will be) published through.
	// Valid in every non-Free state.
	Owner Finalizer

	// Inner carries the split-refcount state: counter + DETACHED/FINALIZED
	// flags, all in one atomic word so Release's read-modify-write and the
	// writer's flag-set-and-subtract are each a single atomic operation.
	Inner atomic.Uint64

	// link doubles as the free-stack "next" handle while Free, and as a
	// copy of the slot's own handle (selfHandle) once allocated, so that
	// Release/Finalize can locate the slot's identity from a bare pointer.
	// Both uses are mutually exclusive by construction (a slot is never on
	// a free-stack and allocated at the same time), so one field serves
	// both.
	link atomic.Uint32
}

// SelfHandle returns the slot's own handle (valid in all non-Free states).
func (s *Slot) SelfHandle() handle.Handle {
	return handle.Handle(s.link.Load())
}

// SetSelfHandle records the slot's own packed identity. Called once by the
// allocator immediately after popping the slot off its arena's free-stack
// (talloc.Context.Alloc), overwriting the stale free-stack-next value link
// held while the slot was free.
func (s *Slot) SetSelfHandle(h handle.Handle) {
	s.link.Store(uint32(h))
}

// FreeStackNext returns the handle threading this slot into its arena's
// free-stack. Only meaningful while the slot is Free.
func (s *Slot) FreeStackNext() handle.Handle {
	return handle.Handle(s.link.Load())
}

// SetFreeStackNext sets the free-stack "next" link. Only meaningful while
// the slot is Free.
func (s *Slot) SetFreeStackNext(h handle.Handle) {
	s.link.Store(uint32(h))
}

// SetObject stores the payload and its cleanup context. Must be called by
// the writer before the slot is published (happens-before via the
// publishing Exchange/CompareExchange's atomic store).
func (s *Slot) SetObject(object, context unsafe.Pointer) {
	s.Object = object
	s.FreeContext = context
}

// GetObject returns the slot's payload pointer.
func (s *Slot) GetObject() unsafe.Pointer {
	return s.Object
}

// InitForBuild resets a freshly-allocated slot into the Building state:
// owner set, counters and flags cleared.
func (s *Slot) InitForBuild(owner Finalizer) {
	s.Owner = owner
	s.Inner.Store(0)
	s.Object = nil
	s.FreeContext = nil
}

// Counter returns the low 32 bits of Inner: the current release count.
func Counter(state uint64) uint32 { return uint32(state & counterMask) }

// Detached reports whether the DETACHED flag is set in state.
func Detached(state uint64) bool { return state&detachedBit != 0 }

// Finalized reports whether the FINALIZED flag is set in state.
func Finalized(state uint64) bool { return state&finalizedBit != 0 }

// WithCounter returns state with its counter field replaced (flags
// preserved), letting the counter wrap modulo 2^32.
func WithCounter(state uint64, counter uint32) uint64 {
	return state&^uint64(counterMask) | uint64(counter)
}

// WithDetached returns state with the DETACHED flag set.
func WithDetached(state uint64) uint64 { return state | detachedBit }

// WithFinalized returns state with the FINALIZED flag set.
func WithFinalized(state uint64) uint64 { return state | finalizedBit }

// Reclaimable reports whether state satisfies the retirement condition:
// DETACHED set and the counter balanced to zero.
func Reclaimable(state uint64) bool {
	return Detached(state) && Counter(state) == 0
}
