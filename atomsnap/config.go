package atomsnap

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/kolkov/atomsnap/internal/atomsnap/gate"
)

// Config configures a Gate at construction. It mirrors
// internal/atomsnap/gate.Config one-for-one; this package only adds the
// Thread/Version wrapper types around the internal implementation.
type Config struct {
	// FreeFunc is invoked exactly once per retired non-null object, with
	// the object pointer and its registered free-context. Required.
	FreeFunc func(object, context unsafe.Pointer)

	// NumExtraControlBlocks adds independent gate slots beyond the
	// default slot 0. Pass N to get N+1 slots, each addressed by an
	// index argument to Acquire/Exchange/CompareExchange.
	NumExtraControlBlocks int

	// Logger receives Debug-level diagnostics when a version is detached
	// or reclaimed, or when returning a slot to its arena fails. Defaults
	// to a no-op logger; Acquire never consults it, and Release does only
	// when it reclaims a version.
	Logger *zap.Logger

	// Metrics counts publications, detachments, reclamations and CAS
	// retries. Defaults to discarding everything. See the gate/
	// prommetrics subpackage for a Prometheus-backed implementation.
	Metrics gate.Metrics
}

func (c Config) toInternal() gate.Config {
	return gate.Config{
		FreeFunc:              c.FreeFunc,
		NumExtraControlBlocks: c.NumExtraControlBlocks,
		Logger:                c.Logger,
		Metrics:               c.Metrics,
	}
}
