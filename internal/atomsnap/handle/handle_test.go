package handle

import "testing"

func TestConstructDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		tid, arenaIdx uint8
		slotIdx       uint16
	}{
		{0, 0, 0},
		{1, 2, 3},
		{MaxThreads - 1, MaxArenasPerThread - 1, 1<<SlotBits - 1},
		{7, 0, 1},
	}

	for _, c := range cases {
		h := Construct(c.tid, c.arenaIdx, c.slotIdx)
		if h.IsNull() {
			t.Fatalf("Construct(%d,%d,%d) produced Null", c.tid, c.arenaIdx, c.slotIdx)
		}

		gotTID, gotArena, gotSlot := h.Decode()
		if gotTID != c.tid || gotArena != c.arenaIdx || gotSlot != c.slotIdx {
			t.Errorf("Decode(Construct(%d,%d,%d)) = (%d,%d,%d)",
				c.tid, c.arenaIdx, c.slotIdx, gotTID, gotArena, gotSlot)
		}
	}
}

func TestNullNeverConstructible(t *testing.T) {
	// MaxThreads is chosen so tid never reaches the saturation value used
	// by Null's tid field (1<<TIDBits - 1), so no legal Construct call can
	// produce Null.
	for tid := 0; tid < MaxThreads; tid++ {
		h := Construct(uint8(tid), MaxArenasPerThread-1, 1<<SlotBits-1)
		if h.IsNull() {
			t.Fatalf("Construct(%d, max, max) == Null, invariant violated", tid)
		}
	}
}

func TestNullIsNull(t *testing.T) {
	if !Null.IsNull() {
		t.Fatal("Null.IsNull() == false")
	}
}
