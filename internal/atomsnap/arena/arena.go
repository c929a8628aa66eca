// Package arena implements the page-sized block of version slots and its
// lock-free free-stack, plus the process-wide arena table that backs
// handle resolution.
//
// The free-stack uses a tagged top: the high bits of the atomic top word
// carry a monotone depth tag so that concurrent Push CAS retries cannot be
// fooled by a slot being popped and pushed back between a thread's load and
// its CAS (the classical Treiber-stack ABA hazard). Pop is never exercised
// concurrently by design: only the owning thread drains an arena's
// free-stack, and it does so by atomically exchanging the whole chain into
// a private list (batch steal), not by popping one element at a time; see
// package talloc.
package arena

import (
	"fmt"
	"sync/atomic"

	"github.com/kolkov/atomsnap/internal/atomsnap/handle"
	"github.com/kolkov/atomsnap/internal/atomsnap/slot"
)

// table is the process-wide arena table: table[tid][arenaIdx] resolves a
// handle's (tid, arenaIdx) pair to the owning Arena. It is read-mostly;
// writes happen only when a thread creates a new arena, guarded by the
// single CAS in Register.
var table [handle.MaxThreads][handle.MaxArenasPerThread]atomic.Pointer[Arena]

// Arena is a block of SlotsPerArena version slots, sized to fit one page,
// owned by a single thread context. The slots live in an ordinary Go slice,
// which is not page-aligned. Slot 0 is the sentinel: it is the permanent
// "bottom" of the free-stack and is never handed out by Push/PopAll.
type Arena struct {
	slots []slot.Slot

	// top packs a handle (low 32 bits) and a depth tag (high 32 bits).
	// The handle identifies the current head of the free-stack, or the
	// sentinel handle when the stack is empty.
	top atomic.Uint64

	tid      uint8
	arenaIdx uint8

	// live counts slots currently checked out (Building/Published/
	// Detached), i.e. not sitting in the free-stack. It reaches zero only
	// when every usable slot has been returned, which is what the
	// allocator's periodic reclaim step checks before unregistering this
	// arena.
	live atomic.Int32
}

func taggedTop(depth uint32, h handle.Handle) uint64 {
	return uint64(depth)<<32 | uint64(uint32(h))
}

func untagTop(v uint64) (depth uint32, h handle.Handle) {
	return uint32(v >> 32), handle.Handle(uint32(v))
}

// New allocates a fresh arena for the given thread index and per-thread
// arena slot. It links every usable slot into the arena's own
// free-stack and returns it ready for the owning thread to drain.
//
// New does not mutate the process-wide table itself; callers must call
// Register to publish it, keeping arena construction distinct from the
// single CAS that installs the pointer.
func New(tid, arenaIdx uint8) *Arena {
	a := &Arena{
		slots:    make([]slot.Slot, SlotsPerArena),
		tid:      tid,
		arenaIdx: arenaIdx,
	}

	sentinel := handle.Construct(tid, arenaIdx, 0)
	a.slots[0].SetSelfHandle(sentinel)

	// Thread the usable slots (index 1..N-1) into one chain, sentinel-
	// terminated, then install it as the initial free-stack in one shot:
	// no concurrent access is possible yet since the arena isn't
	// registered in the table. Each slot's self-handle is set later, by
	// the allocator, the moment it is actually popped off this chain
	// (see talloc.Context.Alloc); setting it here would just be
	// immediately overwritten by SetFreeStackNext below, since both
	// share the same underlying word.
	top := sentinel
	for i := len(a.slots) - 1; i >= 1; i-- {
		h := handle.Construct(tid, arenaIdx, uint16(i))
		a.slots[i].SetFreeStackNext(top)
		top = h
	}
	a.top.Store(taggedTop(0, top))

	return a
}

// Register installs a into the process-wide table at (tid, arenaIdx) via a
// single CAS, so that concurrent Resolve calls either see the old (nil)
// value or the fully-constructed arena, never a partial one.
//
// Register returns false if the slot was already occupied (programmer
// error: arenaIdx reused without release).
func (a *Arena) Register() bool {
	return table[a.tid][a.arenaIdx].CompareAndSwap(nil, a)
}

// Unregister removes a from the process-wide table, used when a fully-free
// arena's physical pages are reclaimed and its index may later be reused.
func (a *Arena) Unregister() {
	table[a.tid][a.arenaIdx].CompareAndSwap(a, nil)
}

// Index returns this arena's index within its owning thread.
func (a *Arena) Index() uint8 { return a.arenaIdx }

// SentinelHandle returns this arena's reserved, never-allocated slot-0
// handle.
func (a *Arena) SentinelHandle() handle.Handle {
	return a.slots[0].SelfHandle()
}

// Slot returns a pointer to this arena's slot at the given index, or nil
// if out of range.
func (a *Arena) Slot(idx uint16) *slot.Slot {
	if int(idx) >= len(a.slots) {
		return nil
	}
	return &a.slots[idx]
}

// Push returns s to a's free-stack. Safe to call from any thread
// (cross-thread frees land here when a reader on thread B releases the
// last reference to a version whose slot belongs to thread A's arena).
func (a *Arena) Push(s *slot.Slot) {
	h := s.SelfHandle()
	for {
		cur := a.top.Load()
		depth, topHandle := untagTop(cur)
		s.SetFreeStackNext(topHandle)
		next := taggedTop(depth+1, h)
		if a.top.CompareAndSwap(cur, next) {
			a.live.Add(-1)
			return
		}
	}
}

// MarkAllocated records that one more of this arena's slots has left the
// free pool. Called by talloc when it hands a slot out, never by Push/
// PopAll themselves (which only move slots between the shared stack and a
// thread's private chain, not out of the arena's custody).
func (a *Arena) MarkAllocated() {
	a.live.Add(1)
}

// IsFullyFree reports whether every usable slot in this arena is currently
// free (not checked out by any caller, whether sitting in the shared
// free-stack or in an owning thread's private chain: those are still
// "free" in this sense, just not yet merged back into the shared stack).
func (a *Arena) IsFullyFree() bool {
	return a.live.Load() == 0
}

// AdvisePages is the hook talloc calls once a fully-free arena has been
// unregistered, in case a future revision backs arenas with OS-reclaimable
// memory. The current implementation is a documented no-op (see pages.go):
// this arena's slots live in ordinary Go-GC-managed memory, which cannot
// safely be handed to an OS page-reclaim syscall. Callers must have
// already verified IsFullyFree and unregistered the arena.
func (a *Arena) AdvisePages() error {
	return advisePages(a)
}

// PopAll atomically detaches the entire free-stack chain and returns its
// head handle, replacing the shared top with the empty (sentinel) state in
// one exchange. This is the "batch steal" primitive: the caller (always
// the arena's owning thread, or a thief stealing from it) then walks the
// returned chain as a private list, popping one element at a time without
// further synchronization.
//
// Returns the sentinel handle if the stack was already empty.
func (a *Arena) PopAll() handle.Handle {
	sentinel := a.SentinelHandle()
	for {
		cur := a.top.Load()
		depth, topHandle := untagTop(cur)
		if topHandle == sentinel {
			return sentinel
		}
		if a.top.CompareAndSwap(cur, taggedTop(depth+1, sentinel)) {
			return topHandle
		}
	}
}

// IsEmpty reports whether the free-stack currently holds only the
// sentinel. Used by the allocator to skip arenas with nothing to steal.
func (a *Arena) IsEmpty() bool {
	_, topHandle := untagTop(a.top.Load())
	return topHandle == a.SentinelHandle()
}

// Depth returns the current monotone tag on the free-stack top, exposed
// for tests that verify the tag only ever increases.
func (a *Arena) Depth() uint32 {
	depth, _ := untagTop(a.top.Load())
	return depth
}

// Resolve maps a handle to its backing slot via the process-wide arena
// table. NULL and out-of-range handles return nil; this is a well-defined,
// allocation-free no-op, never an error.
func Resolve(h handle.Handle) *slot.Slot {
	if h.IsNull() {
		return nil
	}

	tid, arenaIdx, slotIdx := h.Decode()
	if int(tid) >= handle.MaxThreads {
		return nil
	}

	a := table[tid][arenaIdx].Load()
	if a == nil {
		return nil
	}

	return a.Slot(slotIdx)
}

// ResolveArena maps a handle to its owning Arena, used by Free to push a
// reclaimed slot back onto the arena it came from.
func ResolveArena(h handle.Handle) *Arena {
	if h.IsNull() {
		return nil
	}
	tid, arenaIdx, _ := h.Decode()
	if int(tid) >= handle.MaxThreads {
		return nil
	}
	return table[tid][arenaIdx].Load()
}

// Free returns the slot identified by h to its owning arena's free-stack.
// If the arena has already been unregistered (should not happen under
// correct usage; see package talloc for reclamation ordering), or the slot
// index is out of range, it pushes nothing and returns an error.
func Free(h handle.Handle) error {
	a := ResolveArena(h)
	if a == nil {
		return fmt.Errorf("arena: free of handle %#x: arena not registered", uint32(h))
	}
	s := Resolve(h)
	if s == nil {
		return fmt.Errorf("arena: free of handle %#x: slot out of range", uint32(h))
	}
	a.Push(s)
	return nil
}
