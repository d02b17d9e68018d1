package heap

import (
	"sync"
	"testing"
)

func newTestCore(t *testing.T) (*Core, *ThreadCache) {
	t.Helper()

	cfg, err := New(
		WithMinMmapSize(pageSize),
		func(c *Config) { c.MaxAvailableRAM = 64 << 20 },
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stack := NewDefaultStackProvider()
	reporter := newTestReporter(stack, func(Fault) {})

	core, err := NewCore(cfg, nil, stack, reporter)
	if err != nil {
		t.Fatalf("NewCore() error = %v", err)
	}

	tc := core.Threads().Acquire()
	t.Cleanup(func() { core.ReleaseThread(tc) })

	return core, tc
}

// abortOf runs fn and returns the Fault it triggered via Reporter.Abort, if
// any.
func abortOf(fn func()) (f Fault, aborted bool) {
	defer func() { f, aborted = RecoverAbort() }()

	fn()

	return Fault{}, false
}

// TestAllocateAlignment is P1: every returned pointer is aligned to both
// its requested alignment and REDZONE.
func TestAllocateAlignment(t *testing.T) {
	core, tc := newTestCore(t)

	for _, size := range []uintptr{1, 7, 8, 9, 63, 64, 65, 4096} {
		p := core.Allocate(tc, size)
		if p%core.config.Redzone != 0 {
			t.Errorf("Allocate(%d) = 0x%x, not REDZONE-aligned", size, p)
		}

		core.Deallocate(tc, p)
	}
}

// TestMemalignAlignment is P1 extended to explicit alignments.
func TestMemalignAlignment(t *testing.T) {
	core, tc := newTestCore(t)

	for _, align := range []uintptr{32, 64, 4096} {
		p := core.Memalign(tc, align, 100)
		if p%align != 0 {
			t.Errorf("Memalign(%d, 100) = 0x%x, not aligned to %d", align, p, align)
		}

		core.Deallocate(tc, p)
	}
}

// TestFreedShadowIsFreeMagic is P3.
func TestFreedShadowIsFreeMagic(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 40)
	core.Deallocate(tc, p)

	rounded := roundUp(40, core.config.Redzone)

	for off := p; off < p+rounded; off += ShadowGranule {
		if got := core.shadow.byteAt(off); got != FreeMagic {
			t.Errorf("shadow byte at 0x%x = 0x%x, want FreeMagic", off, got)
		}
	}
}

// TestGlobalQuarantineBoundEnforced is P4.
func TestGlobalQuarantineBoundEnforced(t *testing.T) {
	core, tc := newTestCore(t)
	core.config.QuarantineBytes = 4096
	core.config.MaxThreadLocalQuarantine = 256

	for i := 0; i < 256; i++ {
		p := core.Allocate(tc, 64)
		core.Deallocate(tc, p)

		if tc.quarantine.bytes > core.config.MaxThreadLocalQuarantine {
			t.Fatalf("thread-local quarantine exceeded its own bound: %d", tc.quarantine.bytes)
		}
	}

	core.mu.Lock()
	gq := core.globalQuar.bytes
	core.mu.Unlock()

	if gq > core.config.QuarantineBytes {
		t.Fatalf("global quarantine bytes = %d, want <= %d", gq, core.config.QuarantineBytes)
	}
}

// TestNoChunkDoubleMembership is P5: a chunk just returned by Allocate is
// not present on any free list for its size class.
func TestNoChunkDoubleMembership(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 32)

	core.mu.Lock()
	m := core.ptrToChunkLocked(p)
	core.mu.Unlock()

	if m.State() != StateAllocated {
		t.Fatalf("State() = %v, want ALLOCATED", m.State())
	}

	idx := log2(m.Size())
	for ch := core.globalFree[idx]; ch != nil; ch = ch.next {
		if ch == m {
			t.Fatal("freshly allocated chunk found on the global free list")
		}
	}

	for ch := tc.freeLists[idx]; ch != nil; ch = ch.next {
		if ch == m {
			t.Fatal("freshly allocated chunk found on the thread-local free list")
		}
	}
}

// TestFindChunkByAddrWithinGroup is P6.
func TestFindChunkByAddrWithinGroup(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 16)

	core.mu.Lock()
	g := core.registry.find(p)
	core.mu.Unlock()

	if g == nil {
		t.Fatal("registry.find(p) = nil")
	}

	for addr := g.beg; addr < g.end; addr += ShadowGranule {
		core.mu.Lock()
		m, _, _, ok := core.findChunkByAddr(addr, 1)
		core.mu.Unlock()

		if !ok || m == nil {
			t.Fatalf("findChunkByAddr(0x%x) failed to resolve a chunk within its own group", addr)
		}
	}
}

// TestReallocatePreservesData is P7.
func TestReallocatePreservesData(t *testing.T) {
	core, tc := newTestCore(t)

	const n = 37

	p := core.Allocate(tc, n)

	core.mu.Lock()
	orig := core.ptrToChunkLocked(p)
	core.mu.Unlock()

	buf := orig.userBuf()
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	want := make([]byte, n)
	copy(want, buf)

	const m = 100

	q := core.Reallocate(tc, p, m)

	core.mu.Lock()
	newChunk := core.ptrToChunkLocked(q)
	core.mu.Unlock()

	got := newChunk.userBuf()[:n]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestFreeNullIsNoOp is R1.
func TestFreeNullIsNoOp(t *testing.T) {
	core, tc := newTestCore(t)

	_, aborted := abortOf(func() { core.Deallocate(tc, 0) })
	if aborted {
		t.Fatal("free(NULL) must not abort")
	}
}

// TestReallocToZeroReturnsNullWithoutFreeing is R2.
func TestReallocToZeroReturnsNullWithoutFreeing(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 16)

	q := core.Reallocate(tc, p, 0)
	if q != 0 {
		t.Fatalf("Reallocate(p, 0) = 0x%x, want 0", q)
	}

	core.mu.Lock()
	m := core.ptrToChunkLocked(p)
	core.mu.Unlock()

	if m.State() != StateAllocated {
		t.Fatalf("original pointer's chunk state = %v, want still ALLOCATED", m.State())
	}

	core.Deallocate(tc, p)
}

// TestPosixMemalignContract is R3.
func TestPosixMemalignContract(t *testing.T) {
	core, tc := newTestCore(t)

	p, err := core.PosixMemalign(tc, 4096, 100)
	if err != nil {
		t.Fatalf("PosixMemalign() error = %v", err)
	}

	if p%4096 != 0 {
		t.Fatalf("PosixMemalign result 0x%x not aligned to 4096", p)
	}

	core.Deallocate(tc, p)
}

func TestPosixMemalignRejectsBadAlignment(t *testing.T) {
	core, tc := newTestCore(t)

	if _, err := core.PosixMemalign(tc, 100, 8); err == nil {
		t.Fatal("expected an error for a non-power-of-two alignment")
	}
}

// TestScenarioS1PartialRightRedzone is S1.
func TestScenarioS1PartialRightRedzone(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 10)

	core.mu.Lock()
	m, kind, dist, ok := core.findChunkByAddr(p+10, 4)
	core.mu.Unlock()

	if !ok || m == nil {
		t.Fatal("findChunkByAddr(p+10) failed to resolve")
	}

	if kind != AccessRight {
		t.Fatalf("kind = %v, want AccessRight", kind)
	}

	if dist != 0 {
		t.Fatalf("distance = %d, want 0 (access begins exactly at the region boundary)", dist)
	}

	if got := core.shadow.byteAt(p + 8); got != 2 {
		t.Fatalf("partial granule shadow byte = %d, want 2 (10 mod 8)", got)
	}
}

// TestScenarioS2LeftRedzone is S2.
func TestScenarioS2LeftRedzone(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Calloc(tc, 42, 4)

	core.mu.Lock()
	m, kind, dist, ok := core.findChunkByAddr(p-1, 1)
	core.mu.Unlock()

	if !ok || m == nil {
		t.Fatal("findChunkByAddr(p-1) failed to resolve")
	}

	if kind != AccessLeft {
		t.Fatalf("kind = %v, want AccessLeft", kind)
	}

	if dist != 1 {
		t.Fatalf("distance = %d, want 1", dist)
	}

	if m.UsedSize() != 168 {
		t.Fatalf("UsedSize() = %d, want 168", m.UsedSize())
	}

	if !core.shadow.IsPoisoned(p - ShadowGranule) {
		t.Fatal("left redzone byte must be poisoned")
	}
}

// TestScenarioS3DoubleFree is S3.
func TestScenarioS3DoubleFree(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 128)
	core.Deallocate(tc, p)

	f, aborted := abortOf(func() { core.Deallocate(tc, p) })
	if !aborted {
		t.Fatal("second free() must abort")
	}

	if f.Category != CategoryDoubleFree {
		t.Fatalf("Category = %v, want CategoryDoubleFree", f.Category)
	}

	if f.ChunkDescription == "" {
		t.Fatal("double-free Fault must carry a chunk description")
	}
}

// TestScenarioS4QuarantineDelaysReuse uses a size class above
// MaxSizeForThreadLocalFreeList so every allocation goes through the global
// free list directly, making reuse-or-not deterministic: thread-local
// batch refilling is an orthogonal amortization that would otherwise mask
// the quarantine's FIFO delay behind leftover same-size chunks already
// sitting in the thread-local cache.
func TestScenarioS4QuarantineDelaysReuse(t *testing.T) {
	const size = 1 << 17

	t.Run("NonZeroQuarantineDelaysReuse", func(t *testing.T) {
		core, tc := newTestCore(t)
		core.config.QuarantineBytes = 1 << 30
		core.config.MaxThreadLocalQuarantine = 1 << 30

		p := core.Allocate(tc, size)
		core.Deallocate(tc, p)
		q := core.Allocate(tc, size)

		if q == p {
			t.Fatal("with a non-trivial quarantine bound, immediate reuse must not happen")
		}

		core.Deallocate(tc, q)
	})

	t.Run("ZeroQuarantinePermitsImmediateReuse", func(t *testing.T) {
		core, tc := newTestCore(t)
		core.config.QuarantineBytes = 0
		core.config.MaxThreadLocalQuarantine = 0

		p := core.Allocate(tc, size)
		core.Deallocate(tc, p)
		q := core.Allocate(tc, size)

		if q != p {
			t.Fatalf("with quarantine bound 0, reuse should be immediate: p=0x%x q=0x%x", p, q)
		}

		core.Deallocate(tc, q)
	})
}

// TestScenarioS5ConcurrentThreads is S5: two ThreadCaches interleave
// malloc/free concurrently and total mapped memory stays within the
// free-list-count x MinMmapSize plus twice-the-thread-local-quarantine bound.
func TestScenarioS5ConcurrentThreads(t *testing.T) {
	cfg, err := New(WithMinMmapSize(pageSize), func(c *Config) { c.MaxAvailableRAM = 64 << 20 })
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stack := NewDefaultStackProvider()
	reporter := newTestReporter(stack, func(Fault) {})

	core, err := NewCore(cfg, nil, stack, reporter)
	if err != nil {
		t.Fatalf("NewCore() error = %v", err)
	}

	const iterations = 2000

	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()

		tc := core.Threads().Acquire()
		defer core.ReleaseThread(tc)

		for i := 0; i < iterations; i++ {
			p := core.Allocate(tc, 64)
			core.Deallocate(tc, p)
		}
	}

	wg.Add(2)

	go worker()
	go worker()

	wg.Wait()

	maxBound := uintptr(kNumFreeLists)*core.config.MinMmapSize + 2*core.config.MaxThreadLocalQuarantine
	if core.TotalMapped() > maxBound {
		t.Fatalf("TotalMapped() = %d, want <= %d", core.TotalMapped(), maxBound)
	}
}

// TestScenarioS6PosixMemalignSentinel is S6.
func TestScenarioS6PosixMemalignSentinel(t *testing.T) {
	core, tc := newTestCore(t)

	p, err := core.PosixMemalign(tc, 4096, 100)
	if err != nil {
		t.Fatalf("PosixMemalign() error = %v", err)
	}

	if p&4095 != 0 {
		t.Fatalf("p & 4095 = %d, want 0", p&4095)
	}

	core.mu.Lock()
	_, hasSentinel := core.sentinels[p-core.config.Redzone]
	core.mu.Unlock()

	if !hasSentinel {
		t.Skip("no rounding was needed for this particular mapping; sentinel absent by design")
	}

	_, aborted := abortOf(func() { core.Deallocate(tc, p) })
	if aborted {
		t.Fatal("free() through a MEMALIGN sentinel must succeed")
	}
}

func TestCallocZeroFills(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 64)
	core.Deallocate(tc, p)

	q := core.Calloc(tc, 8, 8)

	core.mu.Lock()
	m := core.ptrToChunkLocked(q)
	core.mu.Unlock()

	for i, b := range m.userBuf() {
		if b != 0 {
			t.Fatalf("calloc byte %d = %d, want 0", i, b)
		}
	}

	core.Deallocate(tc, q)
}

func TestInvalidFreeAborts(t *testing.T) {
	core, tc := newTestCore(t)

	f, aborted := abortOf(func() { core.Deallocate(tc, 0xdeadbeef) })
	if !aborted {
		t.Fatal("free of a never-allocated address must abort")
	}

	if f.Category != CategoryInvalidFree {
		t.Fatalf("Category = %v, want CategoryInvalidFree", f.Category)
	}
}

func TestOversizeAllocationAborts(t *testing.T) {
	core, tc := newTestCore(t)
	core.config.LargeAllocationLimit = 1024

	f, aborted := abortOf(func() { core.Allocate(tc, 1<<20) })
	if !aborted {
		t.Fatal("an allocation exceeding LargeAllocationLimit must abort")
	}

	if f.Category != CategoryOOM {
		t.Fatalf("Category = %v, want CategoryOOM", f.Category)
	}
}

func TestAllocationSizeAndMallocUsableSize(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 100)

	if got := core.AllocationSize(p); got != 100 {
		t.Fatalf("AllocationSize() = %d, want 100", got)
	}

	if got := core.MallocUsableSize(p); got != 100 {
		t.Fatalf("MallocUsableSize() = %d, want 100", got)
	}

	core.Deallocate(tc, p)

	if got := core.AllocationSize(p); got != 0 {
		t.Fatalf("AllocationSize() after free = %d, want 0", got)
	}
}

func TestStatsReportsLiveSizeClass(t *testing.T) {
	cfg, err := New(
		WithMinMmapSize(pageSize),
		WithStatistics(true),
		func(c *Config) { c.MaxAvailableRAM = 64 << 20 },
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stack := NewDefaultStackProvider()
	core, err := NewCore(cfg, nil, stack, newTestReporter(stack, func(Fault) {}))
	if err != nil {
		t.Fatalf("NewCore() error = %v", err)
	}

	tc := core.Threads().Acquire()
	defer core.ReleaseThread(tc)

	p := core.Allocate(tc, 100)

	s := core.Stats()

	var found bool

	for _, c := range s.BySizeClass {
		if c.Count > 0 {
			found = true
		}
	}

	if !found {
		t.Fatal("Stats().BySizeClass reports no live allocations after an Allocate")
	}

	core.Deallocate(tc, p)
}

// TestReleaseThreadFlushesQuarantineAndFreeLists: a chunk left sitting on a
// thread's own free list or quarantine when the thread exits must still be
// reachable by a different thread afterward, instead of being stranded
// forever.
func TestReleaseThreadFlushesQuarantineAndFreeLists(t *testing.T) {
	core, err := func() (*Core, error) {
		cfg, err := New(
			WithMinMmapSize(pageSize),
			func(c *Config) { c.MaxAvailableRAM = 64 << 20 },
		)
		if err != nil {
			return nil, err
		}

		stack := NewDefaultStackProvider()

		return NewCore(cfg, nil, stack, newTestReporter(stack, func(Fault) {}))
	}()
	if err != nil {
		t.Fatalf("building Core: %v", err)
	}

	tc1 := core.Threads().Acquire()

	p := core.Allocate(tc1, 64)
	core.Deallocate(tc1, p)

	core.ReleaseThread(tc1)

	core.mu.Lock()
	idx := log2(nextPowerOfTwo(roundUp(64, core.config.Redzone) + core.config.Redzone))
	if core.globalQuar.bytes == 0 && core.globalFree[idx] == nil {
		core.mu.Unlock()
		t.Fatal("ReleaseThread left the chunk unreachable from any global structure")
	}
	core.mu.Unlock()

	tc2 := core.Threads().Acquire()
	defer core.ReleaseThread(tc2)

	// A second thread must still be able to obtain chunks of this size
	// class: if ReleaseThread had not flushed tc1's state, this size class
	// would have no choice but to carve a brand new PageGroup forever.
	q := core.Allocate(tc2, 64)
	if q == 0 {
		t.Fatal("Allocate after ReleaseThread returned a NULL pointer")
	}

	core.Deallocate(tc2, q)
}

// TestFindChunkByAddrLastSlotInGroup guards against indexing g.chunks past
// its end: a PageGroup carved for a sub-page size class always has one more
// address slot (its excluded sentinel tail) than entries in g.chunks, so
// addresses landing in that trailing slot must resolve to "not a chunk"
// rather than panic.
func TestFindChunkByAddrLastSlotInGroup(t *testing.T) {
	core, tc := newTestCore(t)

	p := core.Allocate(tc, 16)

	core.mu.Lock()
	g := core.registry.find(p)
	if g == nil {
		core.mu.Unlock()
		t.Fatal("registry.find(p) = nil")
	}

	sentinelAddr := g.beg + uintptr(len(g.chunks))*g.sizeOfChunk

	if !g.contains(sentinelAddr) {
		core.mu.Unlock()
		t.Skip("group has no distinct sentinel-tail slot to probe")
	}

	m, kind, _, ok := core.findChunkByAddr(sentinelAddr, 1)
	core.mu.Unlock()

	if ok || m != nil || kind != AccessUnknown {
		t.Fatalf("findChunkByAddr(sentinel slot) = %v, %v, ok=%v, want nil, AccessUnknown, false", m, kind, ok)
	}
}
