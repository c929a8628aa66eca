package arena

import (
	"fmt"
	"unsafe"

	"github.com/kolkov/atomsnap/internal/atomsnap/slot"
)

// pageSize is the physical page size this layout targets: arenas are
// sized so that slice backing storage fits a whole number of pages. See
// pages.go for why the allocator's page-advise step does not currently
// act on that alignment.
const pageSize = 4096

// SlotsPerArena is the per-arena slot count: as many slot.Slot records as
// fit in one pageSize page, with index 0 reserved as the sentinel (never
// allocated) and the rest usable. Go has no static_assert, so this is
// computed once at package init from the live struct layout rather than
// hand-maintained, which avoids drift if slot.Slot's fields ever change
// size.
var SlotsPerArena = computeSlotsPerArena()

func computeSlotsPerArena() int {
	size := int(unsafe.Sizeof(slot.Slot{}))
	if size <= 0 || size > pageSize {
		panic(fmt.Sprintf("arena: sizeof(slot.Slot)=%d does not fit in a %d byte page", size, pageSize))
	}

	n := pageSize / size
	if n < 2 {
		panic(fmt.Sprintf("arena: page fit for sizeof(slot.Slot)=%d yields %d slots, need at least 2 (sentinel + 1 usable)", size, n))
	}

	return n
}
