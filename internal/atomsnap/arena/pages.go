package arena

// advisePages is a documented no-op on every platform.
//
// An earlier revision called unix.Madvise(..., MADV_DONTNEED) directly on
// this arena's slots []slot.Slot backing array. That was unsafe on two
// independent grounds and has been removed rather than fixed in place:
//
//   - slot.Slot carries Go-GC-visible pointers (Object, FreeContext as
//     unsafe.Pointer, and Owner as an interface) that the kernel's
//     MADV_DONTNEED would silently zero on next touch. Go's allocator gives
//     no guarantee that make([]slot.Slot, N)'s backing array starts on a
//     page boundary or is otherwise exempt from the garbage collector's own
//     bookkeeping for that span; handing it to an OS-level page-reclaim
//     syscall steps outside what the Go memory model promises for
//     heap-allocated, pointer-containing memory.
//   - Even a free slot (see Arena.IsFullyFree) still holds its previous
//     tenant's Object/FreeContext/Owner until the next InitForBuild
//     overwrites them; the bytes a real madvise would discard are not
//     actually dead from the GC's perspective until that overwrite happens.
//
// A real fix would require backing arenas with a dedicated anonymous
// mapping (unix.Mmap) and proving no Go pointer is the sole reference into
// that mapping — effectively requiring slots to carry no GC-visible
// pointers, which conflicts with the object/free_context/gate fields this
// package's callers need. Unregistering a fully-free arena (see talloc) is
// the only reclamation this implementation performs: the context drops the
// arena, and its index is reused by the next arena that context creates,
// which gets freshly allocated slots. No page advice is given to the OS.
func advisePages(a *Arena) error {
	return nil
}
