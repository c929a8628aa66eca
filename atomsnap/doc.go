// Package atomsnap provides lock-free snapshot publication with split
// reference-counting reclamation: many readers Acquire a pointer to the
// current version of some data and Release it when done, while a writer
// swaps in new versions with Exchange/CompareExchange, without ever taking a
// lock on either path.
//
// # Quick Start
//
//	type Config struct {
//		Name string
//	}
//
//	g, err := atomsnap.NewGate(atomsnap.Config{
//		FreeFunc: func(object, _ unsafe.Pointer) {
//			cfg := (*Config)(object)
//			_ = cfg // release any resources cfg holds
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Destroy()
//
//	th, err := atomsnap.AttachThread()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer th.Detach()
//
//	v, err := g.MakeVersion(th)
//	if err != nil {
//		log.Fatal(err)
//	}
//	v.SetObject(unsafe.Pointer(&Config{Name: "initial"}), nil)
//	g.Exchange(0, v)
//
//	// Readers, on any goroutine, any number of them:
//	cur := g.Acquire(0)
//	defer cur.Release()
//	cfg := (*Config)(cur.Object())
//
// # How It Works
//
// Acquire is a single atomic fetch-add against a packed control block
// (current handle + outer counter); Release updates the version's counter
// with a CAS loop (lock-free, not wait-free) plus, at most once per retired
// version, the CAS that claims ownership of its cleanup. Release, Exchange
// and CompareExchange retry only when another thread changed the same word
// in between, so every retry means some other thread made progress.
//
// Versions are allocated from a thread-local pool of fixed-size arenas, so
// steady-state publication creates no new arenas once a Thread has warmed
// up (each MakeVersion and Acquire still allocates a small Version
// wrapper): MakeVersion recycles previously-reclaimed slots via the arena's
// lock-free free-stack, batch-stealing an entire stack's worth at once
// rather than popping one element at a time.
package atomsnap
