package atomsnap_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/kolkov/atomsnap"
)

type scenarioPayload struct {
	n int
}

func newScenarioGate(t *testing.T, onFree func(*scenarioPayload)) *atomsnap.Gate {
	t.Helper()
	g, err := atomsnap.NewGate(atomsnap.Config{
		FreeFunc: func(object, _ unsafe.Pointer) {
			if onFree != nil {
				onFree((*scenarioPayload)(object))
			}
		},
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	t.Cleanup(g.Destroy)
	return g
}

func attachScenarioThread(t *testing.T) *atomsnap.Thread {
	t.Helper()
	th, err := atomsnap.AttachThread()
	if err != nil {
		t.Fatalf("AttachThread: %v", err)
	}
	t.Cleanup(th.Detach)
	return th
}

// TestPublishAcquireRelease covers the single-publisher, single-reader path:
// publish once, acquire it, read the value back, release.
func TestPublishAcquireRelease(t *testing.T) {
	g := newScenarioGate(t, nil)
	th := attachScenarioThread(t)

	v, err := g.MakeVersion(th)
	if err != nil {
		t.Fatalf("MakeVersion: %v", err)
	}
	v.SetObject(unsafe.Pointer(&scenarioPayload{n: 7}), nil)
	g.Exchange(0, v)

	cur := g.Acquire(0)
	if cur == nil {
		t.Fatal("Acquire returned nil after Exchange")
	}
	p := (*scenarioPayload)(cur.Object())
	if p.n != 7 {
		t.Fatalf("got n=%d, want 7", p.n)
	}
	cur.Release()
}

// TestExchangeWithoutOutstandingReaders exercises immediate reclamation: if
// nobody holds a reference to the version Exchange detaches, its cleanup
// callback runs synchronously within Exchange.
func TestExchangeWithoutOutstandingReaders(t *testing.T) {
	var freedCount int32
	g := newScenarioGate(t, func(*scenarioPayload) {
		atomic.AddInt32(&freedCount, 1)
	})
	th := attachScenarioThread(t)

	v1, _ := g.MakeVersion(th)
	v1.SetObject(unsafe.Pointer(&scenarioPayload{n: 1}), nil)
	g.Exchange(0, v1)

	v2, _ := g.MakeVersion(th)
	v2.SetObject(unsafe.Pointer(&scenarioPayload{n: 2}), nil)
	g.Exchange(0, v2)

	if got := atomic.LoadInt32(&freedCount); got != 1 {
		t.Fatalf("freedCount = %d, want 1 (v1 should reclaim immediately)", got)
	}
}

// TestExchangeWithOutstandingReaderDefersReclaim covers the hold-then-swap
// path: a reader acquires the current version, a writer detaches it via
// Exchange, and cleanup must not run until that reader releases.
func TestExchangeWithOutstandingReaderDefersReclaim(t *testing.T) {
	var freedCount int32
	g := newScenarioGate(t, func(*scenarioPayload) {
		atomic.AddInt32(&freedCount, 1)
	})
	th := attachScenarioThread(t)

	v1, _ := g.MakeVersion(th)
	v1.SetObject(unsafe.Pointer(&scenarioPayload{n: 1}), nil)
	g.Exchange(0, v1)

	reader := g.Acquire(0)

	v2, _ := g.MakeVersion(th)
	v2.SetObject(unsafe.Pointer(&scenarioPayload{n: 2}), nil)
	g.Exchange(0, v2)

	if got := atomic.LoadInt32(&freedCount); got != 0 {
		t.Fatalf("freedCount = %d before release, want 0", got)
	}

	reader.Release()

	if got := atomic.LoadInt32(&freedCount); got != 1 {
		t.Fatalf("freedCount = %d after release, want 1", got)
	}
}

// TestCompareExchangeLosesRace covers a writer racing a stale base version:
// once another publisher has already advanced the control block,
// CompareExchange must fail and leave the caller's version unpublished (the
// caller is responsible for freeing or retrying it).
func TestCompareExchangeLosesRace(t *testing.T) {
	g := newScenarioGate(t, nil)
	th := attachScenarioThread(t)

	v1, _ := g.MakeVersion(th)
	v1.SetObject(unsafe.Pointer(&scenarioPayload{n: 1}), nil)
	g.Exchange(0, v1)

	base := g.Acquire(0)
	defer base.Release()

	// A concurrent publisher wins first.
	vWinner, _ := g.MakeVersion(th)
	vWinner.SetObject(unsafe.Pointer(&scenarioPayload{n: 99}), nil)
	g.Exchange(0, vWinner)

	vLoser, _ := g.MakeVersion(th)
	vLoser.SetObject(unsafe.Pointer(&scenarioPayload{n: 2}), nil)
	if g.CompareExchange(0, base, vLoser) {
		t.Fatal("CompareExchange unexpectedly succeeded against a stale base")
	}
	vLoser.FreeUnpublished()

	cur := g.Acquire(0)
	p := (*scenarioPayload)(cur.Object())
	if p.n != 99 {
		t.Fatalf("got n=%d, want 99 (winner's version)", p.n)
	}
	cur.Release()
}

// TestFreeUnpublishedRunsCleanupOnce covers discarding a version that was
// built but never published: its cleanup must still run exactly once.
func TestFreeUnpublishedRunsCleanupOnce(t *testing.T) {
	var freedCount int32
	g := newScenarioGate(t, func(*scenarioPayload) {
		atomic.AddInt32(&freedCount, 1)
	})
	th := attachScenarioThread(t)

	v, _ := g.MakeVersion(th)
	v.SetObject(unsafe.Pointer(&scenarioPayload{n: 42}), nil)
	v.FreeUnpublished()

	if got := atomic.LoadInt32(&freedCount); got != 1 {
		t.Fatalf("freedCount = %d, want 1", got)
	}
}

// TestConcurrentReadersSingleWriter stresses the wait-free Acquire/Release
// path against one writer continually advancing a control block, using
// errgroup to orchestrate readers and to surface the first reader error.
func TestConcurrentReadersSingleWriter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress scenario in -short mode")
	}

	const (
		numReaders = 8
		numWrites  = 1000000
	)

	var freedCount int32
	g := newScenarioGate(t, func(*scenarioPayload) {
		atomic.AddInt32(&freedCount, 1)
	})
	writerThread := attachScenarioThread(t)

	first, _ := g.MakeVersion(writerThread)
	first.SetObject(unsafe.Pointer(&scenarioPayload{n: 0}), nil)
	g.Exchange(0, first)

	var eg errgroup.Group
	stop := make(chan struct{})

	for r := 0; r < numReaders; r++ {
		eg.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				v := g.Acquire(0)
				if v == nil {
					continue
				}
				p := (*scenarioPayload)(v.Object())
				if p.n < 0 {
					v.Release()
					return fmt.Errorf("negative payload observed: %d", p.n)
				}
				v.Release()
			}
		})
	}

	for i := 1; i <= numWrites; i++ {
		v, err := g.MakeVersion(writerThread)
		if err != nil {
			t.Fatalf("MakeVersion: %v", err)
		}
		v.SetObject(unsafe.Pointer(&scenarioPayload{n: i}), nil)
		g.Exchange(0, v)
	}

	close(stop)
	if err := eg.Wait(); err != nil {
		t.Fatalf("reader error: %v", err)
	}

	// The final published version is still live; drain it explicitly so
	// the freed count below accounts for every version this test made.
	g.Destroy()

	// One version was published before the loop ("first", n=0) plus
	// numWrites more inside it: every one of them is eventually freed,
	// the last by the Destroy call above.
	const wantFreed = numWrites + 1
	if got := atomic.LoadInt32(&freedCount); got != wantFreed {
		t.Fatalf("freedCount = %d, want %d", got, wantFreed)
	}
}

// TestAllocatorRecyclesAcrossManyPublications exercises the allocator's
// batch-steal recycling path: publishing far more versions than an arena
// holds in one slot must still succeed and never leak a handle.
func TestAllocatorRecyclesAcrossManyPublications(t *testing.T) {
	const numVersions = 5000

	var freedCount int32
	g := newScenarioGate(t, func(*scenarioPayload) {
		atomic.AddInt32(&freedCount, 1)
	})
	th := attachScenarioThread(t)

	for i := 0; i < numVersions; i++ {
		v, err := g.MakeVersion(th)
		if err != nil {
			t.Fatalf("MakeVersion iteration %d: %v", i, err)
		}
		v.SetObject(unsafe.Pointer(&scenarioPayload{n: i}), nil)
		g.Exchange(0, v)
	}

	g.Destroy()

	if got := atomic.LoadInt32(&freedCount); got != numVersions {
		t.Fatalf("freedCount = %d, want %d", got, numVersions)
	}
}

// TestMultipleControlBlocksAreIndependent covers a Gate configured with
// extra control blocks: publishing to one must never disturb another.
func TestMultipleControlBlocksAreIndependent(t *testing.T) {
	g, err := atomsnap.NewGate(atomsnap.Config{
		FreeFunc:              func(unsafe.Pointer, unsafe.Pointer) {},
		NumExtraControlBlocks: 2,
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	t.Cleanup(g.Destroy)
	th := attachScenarioThread(t)

	if g.NumControlBlocks() != 3 {
		t.Fatalf("NumControlBlocks() = %d, want 3", g.NumControlBlocks())
	}

	for idx := 0; idx < 3; idx++ {
		v, _ := g.MakeVersion(th)
		v.SetObject(unsafe.Pointer(&scenarioPayload{n: idx * 10}), nil)
		g.Exchange(idx, v)
	}

	for idx := 0; idx < 3; idx++ {
		cur := g.Acquire(idx)
		p := (*scenarioPayload)(cur.Object())
		if p.n != idx*10 {
			t.Fatalf("control block %d: got n=%d, want %d", idx, p.n, idx*10)
		}
		cur.Release()
	}
}

// TestAttachThreadPoolExhaustionIsReported covers the explicit-contract
// path: AttachThread must report failure rather than block or deadlock
// once every thread index is leased out. Restores the pool afterward so
// other tests in this package are unaffected.
func TestAttachThreadPoolExhaustionIsReported(t *testing.T) {
	var leased []*atomsnap.Thread
	defer func() {
		for _, th := range leased {
			th.Detach()
		}
	}()

	for {
		th, err := atomsnap.AttachThread()
		if err != nil {
			if err != atomsnap.ErrThreadPoolExhausted {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		}
		leased = append(leased, th)
		if len(leased) > 1<<16 {
			t.Fatal("AttachThread never reported pool exhaustion")
		}
	}
}

