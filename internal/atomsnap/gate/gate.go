// Package gate implements the publication point and reclamation protocol:
// the atomic control block readers Acquire against, and the
// Exchange/CompareExchange operations writers use to install new versions.
//
// Acquire is one fetch_add. Release updates the inner counter with a CAS
// loop (so it is lock-free, not wait-free) plus, at most once per version,
// the CAS that claims FINALIZED. Exchange and CompareExchange retry as
// well: each retry implies either a concurrent publisher won or a
// concurrent Acquire changed the outer counter, so some thread always makes
// progress (no write-side livelock is possible).
package gate

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kolkov/atomsnap/internal/atomsnap/arena"
	"github.com/kolkov/atomsnap/internal/atomsnap/handle"
	"github.com/kolkov/atomsnap/internal/atomsnap/slot"
)

// CounterWidth is the documented width, in bits, of both the outer acquire
// counter and the inner release counter. 32 bits comfortably supports
// 2^32-1 concurrent acquires-minus-releases against one published version.
const CounterWidth = 32

// Config configures a Gate at construction.
type Config struct {
	// FreeFunc is invoked exactly once per retired non-null object, with
	// the object pointer and its registered free-context. Required.
	FreeFunc func(object, context unsafe.Pointer)

	// NumExtraControlBlocks adds independent gate slots beyond the
	// default slot 0. Each behaves identically to slot 0.
	NumExtraControlBlocks int

	// Logger receives Debug-level diagnostics when a version is detached
	// or reclaimed, or when returning a slot to its arena fails. Acquire
	// never consults it; Release does only when it reclaims a version.
	// Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics counts publications, detachments, reclamations and CAS
	// retries. Defaults to NoopMetrics.
	Metrics Metrics
}

// ErrFreeFuncRequired is returned by New when Config.FreeFunc is nil.
var ErrFreeFuncRequired = fmt.Errorf("gate: Config.FreeFunc is required")

// Gate holds one or more independent control blocks and the cleanup
// callback shared by all versions ever published through it.
type Gate struct {
	blocks  []atomic.Uint64
	freeCB  func(object, context unsafe.Pointer)
	log     *zap.Logger
	metrics Metrics
}

// New constructs a Gate with cfg.NumExtraControlBlocks+1 independent
// control blocks, all holding NULL/0.
func New(cfg Config) (*Gate, error) {
	if cfg.FreeFunc == nil {
		return nil, ErrFreeFuncRequired
	}
	if cfg.NumExtraControlBlocks < 0 {
		return nil, fmt.Errorf("gate: NumExtraControlBlocks must be >= 0, got %d", cfg.NumExtraControlBlocks)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics
	}

	g := &Gate{
		blocks:  make([]atomic.Uint64, cfg.NumExtraControlBlocks+1),
		freeCB:  cfg.FreeFunc,
		log:     log,
		metrics: metrics,
	}
	for i := range g.blocks {
		g.blocks[i].Store(packControlBlock(0, handle.Null))
	}
	return g, nil
}

var _ slot.Finalizer = (*Gate)(nil)

// NumControlBlocks returns how many independent gate slots this Gate has.
func (g *Gate) NumControlBlocks() int { return len(g.blocks) }

// FreeUnpublished finalizes a version that was built but never published:
// if it carries a non-nil object, the cleanup callback runs for it, then
// the slot returns directly to its arena's free-stack. v must never have
// been passed to Exchange/CompareExchange.
func (g *Gate) FreeUnpublished(v *slot.Slot) {
	if v.GetObject() != nil {
		v.Owner.Finalize(v.GetObject(), v.FreeContext)
	}
	h := v.SelfHandle()
	if err := arena.Free(h); err != nil {
		g.log.Debug("free-unpublished: free failed", zap.Error(err))
	}
}

// Destroy tears down g, running the cleanup callback for whatever version
// is currently published on each control block and returning its slot to
// its arena. Callers must guarantee no concurrent Acquire/Release/Exchange/
// CompareExchange is in flight against g when Destroy runs; it does not
// itself wait for outstanding readers.
func (g *Gate) Destroy() {
	for i := range g.blocks {
		old := g.blocks[i].Swap(packControlBlock(0, handle.Null))
		_, h := unpackControlBlock(old)
		if h.IsNull() {
			continue
		}
		v := arena.Resolve(h)
		if v == nil {
			continue
		}
		if obj := v.GetObject(); obj != nil {
			v.Owner.Finalize(obj, v.FreeContext)
		}
		if err := arena.Free(h); err != nil {
			g.log.Debug("destroy: free failed", zap.Error(err))
		}
	}
}

// Finalize implements slot.Finalizer: it is the single call site that
// invokes the user's cleanup callback, always on the thread that won the
// FINALIZED claim for a given slot.
func (g *Gate) Finalize(object, context unsafe.Pointer) {
	g.freeCB(object, context)
}

func (g *Gate) block(slotIndex int) *atomic.Uint64 {
	return &g.blocks[slotIndex]
}

// Acquire bumps the outer counter of control block slotIndex and returns
// the version currently published there, or nil if none is. Wait-free:
// exactly one atomic fetch_add plus a table lookup.
func (g *Gate) Acquire(slotIndex int) *slot.Slot {
	cur := g.block(slotIndex).Add(acquireDelta)
	_, h := unpackControlBlock(cur)
	return arena.Resolve(h)
}

// Release bumps the inner counter of v by one. If that balances the
// counter to zero on a DETACHED version, the single thread that wins the
// FINALIZED claim runs the cleanup callback and returns the slot to its
// arena. The counter update is a CAS loop that retries whenever another
// thread changed Inner in between, so Release is lock-free, not wait-free.
func (g *Gate) Release(v *slot.Slot) {
	for {
		old := v.Inner.Load()
		counter := slot.Counter(old) + 1
		next := slot.WithCounter(old, counter)
		if v.Inner.CompareAndSwap(old, next) {
			g.maybeReclaim(v, next)
			return
		}
	}
}

// Exchange unconditionally installs newVer as the current version of
// control block slotIndex and detaches whatever was current before,
// scheduling its reclamation.
func (g *Gate) Exchange(slotIndex int, newVer *slot.Slot) {
	next := packControlBlock(0, newVer.SelfHandle())
	old := g.block(slotIndex).Swap(next)
	g.metrics.Published(slotIndex)
	g.detachAndMaybeReclaim(slotIndex, old)
}

// CompareExchange installs newVer only if the control block's currently
// published handle equals expected's handle. Returns false, leaving newVer
// in Building state, if another publication replaced expected; a
// concurrent Acquire only makes it retry. true means newVer is now current
// and the previous version has been detached.
func (g *Gate) CompareExchange(slotIndex int, expected, newVer *slot.Slot) bool {
	want := expected.SelfHandle()
	blk := g.block(slotIndex)

	for {
		old := blk.Load()
		_, curHandle := unpackControlBlock(old)
		if curHandle != want {
			return false
		}

		next := packControlBlock(0, newVer.SelfHandle())
		if blk.CompareAndSwap(old, next) {
			g.metrics.Published(slotIndex)
			g.detachAndMaybeReclaim(slotIndex, old)
			return true
		}

		// The CAS failed either because another publisher won (handle
		// changed, caught by the curHandle check on the next loop) or
		// because a concurrent Acquire bumped the outer counter (handle
		// unchanged, retry). Either way some thread made progress.
		g.metrics.CASRetry(slotIndex)
	}
}

// detachAndMaybeReclaim runs steps 4-6 of Exchange/CompareExchange: resolve
// the just-detached handle, fold its outer-counter snapshot into the
// slot's inner counter with DETACHED set, and reclaim if that balances to
// zero.
func (g *Gate) detachAndMaybeReclaim(slotIndex int, oldControlBlock uint64) {
	outer, oldHandle := unpackControlBlock(oldControlBlock)
	if oldHandle.IsNull() {
		return
	}

	old := arena.Resolve(oldHandle)
	if old == nil {
		return
	}

	var next uint64
	for {
		cur := old.Inner.Load()
		counter := slot.Counter(cur) - outer
		next = slot.WithDetached(slot.WithCounter(cur, counter))
		if old.Inner.CompareAndSwap(cur, next) {
			break
		}
		g.metrics.CASRetry(slotIndex)
	}

	g.log.Debug("version detached",
		zap.Int("slot_index", slotIndex),
		zap.Uint32("handle", uint32(oldHandle)),
		zap.Uint32("acquires_since_publish", outer),
	)
	g.metrics.Detached(slotIndex)

	g.maybeReclaim(old, next)
}

// maybeReclaim runs step 6 shared by Release/Exchange/CompareExchange:
// if state is DETACHED with a balanced counter, exactly one caller claims
// FINALIZED and retires the slot.
func (g *Gate) maybeReclaim(v *slot.Slot, state uint64) {
	if !slot.Reclaimable(state) {
		return
	}
	if !v.Inner.CompareAndSwap(state, slot.WithFinalized(state)) {
		// Another release/detach already claimed it, or nudged the
		// counter further (shouldn't happen once DETACHED+balanced, but
		// CAS failure here just means we lost the race harmlessly).
		return
	}

	h := v.SelfHandle()
	g.log.Debug("version reclaimed", zap.Uint32("handle", uint32(h)))

	object, ctx := v.GetObject(), v.FreeContext
	v.Owner.Finalize(object, ctx)

	if err := arena.Free(h); err != nil {
		g.log.Debug("reclaim: free failed", zap.Error(err))
	}

	_, _, slotIdx := h.Decode()
	g.metrics.Reclaimed(int(slotIdx))
}
