package gate

import "github.com/kolkov/atomsnap/internal/atomsnap/handle"

// A control block packs the currently-published handle (low 32 bits) and
// the outer acquire counter (high 32 bits) into one machine word, so that
// Acquire is a single fetch_add and Exchange/CompareExchange install a new
// version with one atomic store/CAS.

// acquireDelta is added by Acquire: +1 to the outer counter, handle bits
// untouched.
const acquireDelta = uint64(1) << 32

func packControlBlock(outer uint32, h handle.Handle) uint64 {
	return uint64(outer)<<32 | uint64(uint32(h))
}

func unpackControlBlock(v uint64) (outer uint32, h handle.Handle) {
	return uint32(v >> 32), handle.Handle(uint32(v))
}
