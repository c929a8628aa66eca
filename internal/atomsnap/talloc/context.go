// Package talloc implements the thread-local allocator: per-caller handle
// allocation backed by arenas, batch-stealing from an arena's shared
// free-stack, and periodic reclamation of fully-free arenas.
//
// Thread-id acquisition is an explicit contract rather than real OS TLS.
// Callers Attach() once per logical "thread" (an OS thread, or a goroutine
// the caller has pinned with runtime.LockOSThread, or any other
// serialization discipline the caller chooses) and must call the returned
// detach function when done; everything downstream only ever sees the
// resulting *Context.
package talloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/atomsnap/internal/atomsnap/arena"
	"github.com/kolkov/atomsnap/internal/atomsnap/handle"
	"github.com/kolkov/atomsnap/internal/atomsnap/slot"
)

// MaxArenasPerThread bounds how many arenas a single thread context may
// own.
const MaxArenasPerThread = 64

// reclaimCheckInterval is how often (in allocations) Alloc inspects the
// highest-index active arena for full-free reclamation.
const reclaimCheckInterval = 256

var (
	tidOccupied [handle.MaxThreads]atomic.Bool
	contexts    [handle.MaxThreads]atomic.Pointer[Context]

	// defaultMetrics is read far more often than written (once at
	// startup, typically); an atomic.Pointer rather than a mutex keeps
	// Attach's hot path lock-free.
	defaultMetrics atomic.Pointer[Metrics]
)

func init() {
	var m Metrics = NoopMetrics
	defaultMetrics.Store(&m)
}

// SetDefaultMetrics installs the Metrics implementation used by contexts
// created after this call, and re-applied to any existing context the
// next time it is adopted by Attach. A context currently leased out (not
// yet detached) keeps using whatever Metrics was current at its last
// creation or adoption until its next adoption.
func SetDefaultMetrics(m Metrics) {
	defaultMetrics.Store(&m)
}

// Context is a per-thread allocator state: a stable thread-index, the
// arenas it owns, and a private free-stack refilled by batch-stealing from
// those arenas' shared stacks.
//
// A Context is only ever driven by the thread that holds its Attach lease
// except for two shared, concurrency-safe surfaces: its arenas' free-
// stacks (other threads Push freed slots onto them) and the process-wide
// arena table (other threads may Resolve handles into this context's
// arenas).
type Context struct {
	tid     uint8
	metrics Metrics

	mu           sync.Mutex
	arenas       []*arena.Arena
	localStack   []handle.Handle
	allocCount   uint64
	activeArenas int
}

// ErrThreadPoolExhausted is returned by Attach when every thread index is
// currently leased out.
var ErrThreadPoolExhausted = fmt.Errorf("talloc: thread-index pool exhausted (max %d)", handle.MaxThreads)

// ErrArenaCapacityExhausted is returned by Alloc when a context has
// already created MaxArenasPerThread arenas and none have free slots.
var ErrArenaCapacityExhausted = fmt.Errorf("talloc: arena capacity exhausted (max %d per thread)", MaxArenasPerThread)

// Attach leases a stable thread-index for the calling "thread" (in
// whatever sense the caller serializes access) and returns its Context
// along with a detach function the caller must invoke when finished.
//
// If a Context already exists at the leased index (left behind by an
// earlier caller that detached), it is adopted as-is, arenas included.
func Attach() (*Context, func(), error) {
	for tid := 0; tid < handle.MaxThreads; tid++ {
		if !tidOccupied[tid].CompareAndSwap(false, true) {
			continue
		}

		adopted := true
		ctx := contexts[tid].Load()
		if ctx == nil {
			adopted = false
			ctx = &Context{tid: uint8(tid), metrics: *defaultMetrics.Load()}
			contexts[tid].Store(ctx)
		}

		if adopted {
			ctx.metrics = *defaultMetrics.Load()
			ctx.metrics.ThreadAdopted(ctx.tid)
		}

		detach := func() {
			tidOccupied[tid].Store(false)
		}
		return ctx, detach, nil
	}

	return nil, nil, ErrThreadPoolExhausted
}

// TID returns this context's stable thread index.
func (c *Context) TID() uint8 { return c.tid }

// Alloc returns a free slot with its self-handle set, refilling the local
// free-stack from an owned arena (batch steal) or creating a new arena if
// none has spare capacity. It does not reset the slot's state; the caller
// puts it into Building state with InitForBuild.
func (c *Context) Alloc() (*slot.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.allocLocked()
	if err != nil {
		return nil, err
	}

	s := arena.Resolve(h)
	s.SetSelfHandle(h)
	c.markAllocated(h)

	c.allocCount++
	if c.allocCount%reclaimCheckInterval == 0 {
		c.maybeReclaimLocked()
	}

	return s, nil
}

func (c *Context) allocLocked() (handle.Handle, error) {
	if n := len(c.localStack); n > 0 {
		h := c.localStack[n-1]
		c.localStack = c.localStack[:n-1]
		return h, nil
	}

	for _, a := range c.arenas {
		if a.IsEmpty() {
			continue
		}
		c.stealLocked(a)
		if n := len(c.localStack); n > 0 {
			h := c.localStack[n-1]
			c.localStack = c.localStack[:n-1]
			return h, nil
		}
	}

	if len(c.arenas) >= MaxArenasPerThread {
		return handle.Null, ErrArenaCapacityExhausted
	}

	a := arena.New(c.tid, uint8(len(c.arenas)))
	if !a.Register() {
		return handle.Null, fmt.Errorf("talloc: arena registration collision at (tid=%d, idx=%d)", c.tid, len(c.arenas))
	}
	c.arenas = append(c.arenas, a)
	c.activeArenas++
	c.metrics.ArenaCreated(c.tid)

	c.stealLocked(a)
	if n := len(c.localStack); n > 0 {
		h := c.localStack[n-1]
		c.localStack = c.localStack[:n-1]
		return h, nil
	}

	return handle.Null, ErrArenaCapacityExhausted
}

// stealLocked detaches a's entire shared free-stack into c's private
// stack. Only ever called by the owning context, so no further
// synchronization is needed once PopAll returns the chain.
func (c *Context) stealLocked(a *arena.Arena) {
	sentinel := a.SentinelHandle()
	h := a.PopAll()
	for h != sentinel && !h.IsNull() {
		c.localStack = append(c.localStack, h)
		s := arena.Resolve(h)
		h = s.FreeStackNext()
	}
}

func (c *Context) markAllocated(h handle.Handle) {
	a := arena.ResolveArena(h)
	if a != nil {
		a.MarkAllocated()
	}
}

// maybeReclaimLocked inspects the highest-index active arena and, if it is
// fully free, unregisters and drops it (its arena index is reused by the
// next arena this context creates, which gets freshly allocated slots; see
// arena.AdvisePages for why the page-advise hook itself is a no-op). Reclamation never creates
// holes: only the current highest-index arena is ever considered, so a
// lower-index arena is never reclaimed while a higher one is still
// registered.
func (c *Context) maybeReclaimLocked() {
	if len(c.arenas) == 0 {
		return
	}

	top := c.arenas[len(c.arenas)-1]
	if !top.IsFullyFree() {
		return
	}

	// IsFullyFree only means no slot of top's is checked out to a caller;
	// some may still sit, unused, in this context's localStack (stolen via
	// an earlier batch steal). Those handles would dangle once top is
	// unregistered and its arena index is eventually reused, so purge them
	// first: they were free, so nothing is lost.
	topIdx := top.Index()
	kept := c.localStack[:0]
	for _, h := range c.localStack {
		_, arenaIdx, _ := h.Decode()
		if arenaIdx != topIdx {
			kept = append(kept, h)
		}
	}
	c.localStack = kept

	top.Unregister()
	if err := top.AdvisePages(); err == nil {
		c.metrics.PagesAdvised(c.tid)
	}

	c.arenas = c.arenas[:len(c.arenas)-1]
	c.activeArenas--
	c.metrics.SlotsReclaimed(c.tid, arena.SlotsPerArena-1)
}
