package atomsnap

import (
	"github.com/kolkov/atomsnap/internal/atomsnap/talloc"
)

// Thread is an explicit lease of one allocator thread-index. Go has no
// portable, race-free way to read an OS thread id from pure Go, so callers
// obtain a Thread once per OS thread, or per however they choose to
// serialize allocation, and reuse it across MakeVersion calls so the
// allocator's per-thread arena cache and free-stack stay warm.
//
// A Thread must not be used concurrently from two goroutines; it is not a
// synchronization primitive, only a capability token for the allocator.
type Thread struct {
	ctx    *talloc.Context
	detach func()
}

// AttachThread leases a stable thread-index from the shared allocator pool.
// Reusing a Thread across many MakeVersion calls (rather than attaching and
// detaching around every single call) is what lets the allocator amortize
// arena creation and avoid going back to the free-stack's shared, contended
// path on every allocation.
//
// Callers must call Detach when finished; detaching does not destroy the
// thread's arenas, so a later AttachThread landing on the same index
// adopts them as-is.
func AttachThread() (*Thread, error) {
	ctx, detach, err := talloc.Attach()
	if err != nil {
		return nil, err
	}
	return &Thread{ctx: ctx, detach: detach}, nil
}

// Detach releases the thread-index lease. The Thread must not be used
// again afterward.
func (t *Thread) Detach() {
	t.detach()
}

// TID returns the stable thread-index this Thread leased, exposed for
// callers correlating allocator metrics (see SetAllocatorMetrics) with a
// particular Thread.
func (t *Thread) TID() uint8 {
	return t.ctx.TID()
}

// ErrThreadPoolExhausted is returned by AttachThread when every thread
// index is currently leased out.
var ErrThreadPoolExhausted = talloc.ErrThreadPoolExhausted

// ErrArenaCapacityExhausted is returned by MakeVersion when a thread has
// already created the maximum number of arenas and none have free slots.
var ErrArenaCapacityExhausted = talloc.ErrArenaCapacityExhausted

// SetAllocatorMetrics installs the Metrics implementation used by Contexts
// created or adopted for Threads attached after this call returns (arenas
// created, thread adoptions, slots reclaimed, pages advised). It is the
// public reach into internal/atomsnap/talloc.SetDefaultMetrics: without
// it, talloc being under internal/ would leave allocator-side
// observability unreachable by any caller outside this module.
//
// A Thread already attached (lease not yet released) keeps using whatever
// Metrics was current at its Context's last creation or adoption; the new
// Metrics takes effect the next time that Context is adopted by a later
// AttachThread.
func SetAllocatorMetrics(m talloc.Metrics) {
	talloc.SetDefaultMetrics(m)
}
