package atomsnap

import (
	"github.com/kolkov/atomsnap/internal/atomsnap/gate"
)

// Gate is the publication point: one or more independent control blocks
// readers Acquire against and writers publish into with Exchange or
// CompareExchange.
type Gate struct {
	internal *gate.Gate
}

// ErrFreeFuncRequired is returned by NewGate when Config.FreeFunc is nil.
var ErrFreeFuncRequired = gate.ErrFreeFuncRequired

// NewGate constructs a Gate with cfg.NumExtraControlBlocks+1 independent
// control blocks, all initially unpublished (Acquire on any of them returns
// a nil Version until something is published).
func NewGate(cfg Config) (*Gate, error) {
	g, err := gate.New(cfg.toInternal())
	if err != nil {
		return nil, err
	}
	return &Gate{internal: g}, nil
}

// NumControlBlocks returns how many independent control blocks this Gate
// has.
func (g *Gate) NumControlBlocks() int {
	return g.internal.NumControlBlocks()
}

// MakeVersion allocates a fresh, unpublished Version from th's thread-local
// pool. The caller must SetObject on it (if it carries a payload) and then
// either publish it with Exchange/CompareExchange or discard it with
// FreeUnpublished. An allocated Version that is simply dropped leaks its
// slot.
func (g *Gate) MakeVersion(th *Thread) (*Version, error) {
	s, err := th.ctx.Alloc()
	if err != nil {
		return nil, err
	}
	s.InitForBuild(g.internal)
	return &Version{s: s, g: g}, nil
}

// Acquire bumps control block index's outer counter and returns the version
// currently published there, or nil if nothing has been published yet.
// Wait-free. The returned Version must eventually be Released exactly once.
func (g *Gate) Acquire(index int) *Version {
	s := g.internal.Acquire(index)
	if s == nil {
		return nil
	}
	return &Version{s: s, g: g}
}

// Exchange unconditionally installs v as the current version of control
// block index, detaching whatever was previously current and scheduling
// its reclamation once every outstanding reader has released it.
func (g *Gate) Exchange(index int, v *Version) {
	g.internal.Exchange(index, v.s)
}

// CompareExchange installs v only if control block index's currently
// published version is expected. Returns false, leaving v unpublished, if
// a concurrent publisher won the race instead.
func (g *Gate) CompareExchange(index int, expected, v *Version) bool {
	return g.internal.CompareExchange(index, expected.s, v.s)
}

// Destroy tears g down: whatever version is currently published on each
// control block has its cleanup callback run and its slot returned.
// Callers must guarantee no concurrent Acquire/Release/Exchange/
// CompareExchange is in flight when Destroy runs.
func (g *Gate) Destroy() {
	g.internal.Destroy()
}
