package atomsnap

import (
	"unsafe"

	"github.com/kolkov/atomsnap/internal/atomsnap/slot"
)

// Version is a handle to one snapshot: either a not-yet-published version a
// writer is still building, or a published/acquired version a reader holds.
// The zero Version is not usable; obtain one from Gate.MakeVersion or
// Gate.Acquire.
type Version struct {
	s *slot.Slot
	g *Gate
}

// SetObject stores the payload and its cleanup context on a version that
// has not yet been published. object is handed back verbatim to
// Config.FreeFunc, alongside context, the single time this version is
// reclaimed; atomsnap never dereferences either.
func (v *Version) SetObject(object, context unsafe.Pointer) {
	v.s.SetObject(object, context)
}

// Object returns the payload pointer stored on this version.
func (v *Version) Object() unsafe.Pointer {
	return v.s.GetObject()
}

// Release drops one reference to an acquired version. The counter update is
// a lock-free CAS loop; the one caller that balances a detached version's
// counter to zero then claims it with one more CAS and runs
// Config.FreeFunc for its object.
//
// Release must be called exactly once per Version returned by Gate.Acquire,
// and must never be called on a version obtained from MakeVersion that has
// not been published (use FreeUnpublished instead).
func (v *Version) Release() {
	v.g.internal.Release(v.s)
}

// FreeUnpublished discards a version that was built (optionally via
// SetObject) but never installed with Exchange/CompareExchange. If it
// carries a non-nil object, Config.FreeFunc runs for it once; the slot then
// returns directly to its arena, bypassing the publish/acquire protocol
// entirely since no reader could ever have seen it.
func (v *Version) FreeUnpublished() {
	v.g.internal.FreeUnpublished(v.s)
}
