package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// classStat tracks live-allocation telemetry for one size class, updated
// with atomics so the allocate/deallocate fast paths never need the global
// mutex just to maintain statistics.
type classStat struct {
	count int64
	bytes int64
}

// Core is heapsentry's instrumented heap: the size-classed free lists, the
// shadow memory, the PageGroup registry, and the global quarantine, wired
// together with a thread-local/global split on both the free lists and the
// quarantine.
type Core struct {
	config *Config

	shadow *shadowMemory
	pages  *pageProvider

	registry *pageGroupRegistry

	mu         sync.Mutex // guards everything below
	globalFree [kNumFreeLists]*Chunk
	globalQuar quarantineList
	sentinels  map[uintptr]*Chunk // MEMALIGN sentinel address -> real chunk

	threadReg     *ThreadRegistry
	stackProvider StackProvider
	reporter      *Reporter

	classStats [kNumFreeLists]classStat
}

// NewCore wires a fresh Core from cfg (DefaultConfig() if nil) and its
// collaborators, defaulting any that are nil.
func NewCore(cfg *Config, threadReg *ThreadRegistry, stackProvider StackProvider, reporter *Reporter) (*Core, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if threadReg == nil {
		threadReg = NewThreadRegistry()
	}

	if stackProvider == nil {
		stackProvider = NewDefaultStackProvider()
	}

	shadow := newShadowMemory()

	if reporter == nil {
		reporter = NewReporter(stackProvider)
	}

	return &Core{
		config:        cfg,
		shadow:        shadow,
		pages:         newPageProvider(shadow, reporter),
		registry:      newPageGroupRegistry(cfg.maxPageGroups()),
		sentinels:     make(map[uintptr]*Chunk),
		threadReg:     threadReg,
		stackProvider: stackProvider,
		reporter:      reporter,
	}, nil
}

// Threads returns the Core's ThreadRegistry, so callers can Acquire a
// ThreadCache handle around a goroutine's working lifetime and release it
// with ReleaseThread when done.
func (c *Core) Threads() *ThreadRegistry { return c.threadReg }

// ReleaseThread retires tc: its thread-local quarantine is spliced into the
// global quarantine (triggering eviction if that pushes the global
// quarantine over QuarantineBytes) and every chunk still sitting on its
// per-class free lists is handed back to the matching global free list, so
// that a thread exiting never strands chunks where no other thread can ever
// reach them. Only then is tc deregistered. Callers must stop using tc
// afterward.
func (c *Core) ReleaseThread(tc *ThreadCache) {
	if tc == nil {
		return
	}

	c.mu.Lock()

	c.globalQuar.spliceFrom(&tc.quarantine)
	c.evictGlobalQuarantineLocked()

	for idx, ch := range tc.freeLists {
		for ch != nil {
			next := ch.next
			ch.next = c.globalFree[idx]
			c.globalFree[idx] = ch
			ch = next
		}

		tc.freeLists[idx] = nil
	}

	c.mu.Unlock()

	c.threadReg.Release(tc)
}

func minAllocSize(redzone uintptr) uintptr { return 2 * redzone }

// allocateChunk rounds the request up past the redzones, finds or carves a
// chunk of the resulting size class, poisons its shadow, and returns it in
// the ALLOCATED state.
func (c *Core) allocateChunk(tc *ThreadCache, size, alignment uintptr) *Chunk {
	redzone := c.config.Redzone

	if size > c.config.LargeAllocationLimit {
		c.reporter.Abort(Fault{
			Category: CategoryOOM,
			Message:  fmt.Sprintf("requested allocation size 0x%x exceeds maximum supported size", size),
			Context:  map[string]any{"requested_bytes": size},
		})

		return nil // unreachable
	}

	userSize := size
	if userSize == 0 {
		userSize = 1 // malloc(0) returns a valid, freeable pointer
	}

	rounded := roundUp(userSize, redzone)

	needsAlign := alignment > redzone
	needed := rounded + redzone
	if needsAlign {
		needed += alignment
	}

	toAllocate := nextPowerOfTwo(needed)
	if toAllocate < minAllocSize(redzone) {
		toAllocate = minAllocSize(redzone)
	}

	tid := InvalidTID
	if tc != nil {
		tid = tc.id
	}

	var m *Chunk

	if tc != nil && toAllocate < c.config.MaxSizeForThreadLocalFreeList {
		idx := log2(toAllocate)

		m = tc.freeLists[idx]
		if m != nil {
			tc.freeLists[idx] = m.next
			m.next = nil
		} else {
			c.mu.Lock()
			m = c.allocateChunksLocked(toAllocate, c.config.ThreadLocalRefillChunks)
			c.mu.Unlock()

			tc.freeLists[idx] = m.next
			m.next = nil
		}
	} else {
		c.mu.Lock()
		m = c.allocateChunksLocked(toAllocate, 1)
		c.mu.Unlock()
	}

	addr := m.base() + redzone

	if needsAlign {
		aligned := roundUp(addr, alignment)
		if aligned != addr {
			// Write a MEMALIGN sentinel one redzone below the aligned
			// address, redirecting future pointer-to-chunk lookups to m.
			sentinelAddr := aligned - redzone

			c.mu.Lock()
			c.sentinels[sentinelAddr] = m
			c.mu.Unlock()
		}

		addr = aligned
	}

	m.offset = addr - m.base()
	m.usedSize = userSize
	m.state = StateAllocated
	m.allocTID = tid
	m.freeTID = InvalidTID
	m.hasFree = false
	m.allocStack = c.stackProvider.Capture(2)

	c.shadow.poisonRange(m.base(), redzone, LeftRedzoneMagic)
	c.poisonUserRegion(addr, rounded, userSize)

	idx := log2(toAllocate)
	atomic.AddInt64(&c.classStats[idx].count, 1)
	atomic.AddInt64(&c.classStats[idx].bytes, int64(toAllocate))

	return m
}

// poisonUserRegion marks the whole rounded user region addressable, except
// for a partial encoding of the final ShadowGranule when userSize doesn't
// land on a granule boundary, and full right-redzone poison for any
// granules beyond that.
func (c *Core) poisonUserRegion(addr, rounded, userSize uintptr) {
	c.shadow.poisonRange(addr, rounded, ShadowAddressable)

	if userSize >= rounded {
		return
	}

	granuleBeg := addr + roundDownGranule(userSize)
	remInGranule := int(userSize % ShadowGranule)

	if remInGranule == 0 {
		c.shadow.poisonRange(granuleBeg, (addr+rounded)-granuleBeg, RightRedzoneMagic)
		return
	}

	c.shadow.poisonPartialRightRedzone(granuleBeg, remInGranule)

	afterPartial := granuleBeg + ShadowGranule
	if end := addr + rounded; afterPartial < end {
		c.shadow.poisonRange(afterPartial, end-afterPartial, RightRedzoneMagic)
	}
}

// Allocate implements malloc/operator new and returns the user-visible
// address. A size above LargeAllocationLimit goes to Reporter.Abort,
// which does not return.
func (c *Core) Allocate(tc *ThreadCache, size uintptr) uintptr {
	return c.allocateChunk(tc, size, 0).UserAddr()
}

// Memalign implements memalign/aligned_alloc: allocate size bytes aligned
// to alignment, which must be a power of two.
func (c *Core) Memalign(tc *ThreadCache, alignment, size uintptr) uintptr {
	if !isPowerOfTwo(alignment) {
		c.reporter.Abort(Fault{
			Category: CategoryInvariant,
			Message:  fmt.Sprintf("alignment %d is not a power of two", alignment),
			Context:  map[string]any{"alignment": alignment},
		})

		return 0
	}

	return c.allocateChunk(tc, size, alignment).UserAddr()
}

// PosixMemalign implements posix_memalign: alignment must be a power of
// two multiple of sizeof(void*).
func (c *Core) PosixMemalign(tc *ThreadCache, alignment, size uintptr) (uintptr, error) {
	const wordSize = 8

	if !isPowerOfTwo(alignment) || alignment%wordSize != 0 {
		return 0, fmt.Errorf("heap: posix_memalign: invalid alignment %d", alignment)
	}

	return c.Memalign(tc, alignment, size), nil
}

// Valloc implements valloc: page-aligned allocation.
func (c *Core) Valloc(tc *ThreadCache, size uintptr) uintptr {
	return c.allocateChunk(tc, size, pageSize).UserAddr()
}

// Calloc implements calloc: n*size bytes, zero-filled, with an overflow
// check on the multiplication.
func (c *Core) Calloc(tc *ThreadCache, n, size uintptr) uintptr {
	total := n * size
	if n != 0 && total/n != size {
		c.reporter.Abort(Fault{
			Category: CategoryOOM,
			Message:  fmt.Sprintf("calloc parameters (%d, %d) overflow", n, size),
			Context:  map[string]any{"n": n, "size": size},
		})

		return 0
	}

	m := c.allocateChunk(tc, total, 0)

	buf := m.userBuf()
	for i := range buf {
		buf[i] = 0
	}

	return m.UserAddr()
}

// ptrToChunkLocked resolves a user pointer back to its owning Chunk,
// transparently following a MEMALIGN sentinel one redzone below p. Callers
// must hold c.mu. Returns nil if p was never handed out by this Core.
func (c *Core) ptrToChunkLocked(p uintptr) *Chunk {
	sentinelAddr := p - c.config.Redzone

	if m, ok := c.sentinels[sentinelAddr]; ok {
		return m
	}

	g := c.registry.find(sentinelAddr)
	if g == nil {
		return nil
	}

	return g.chunkAt(sentinelAddr)
}

func (c *Core) describeChunkForFault(m *Chunk) string {
	freeStack, hasFree := m.FreeStack()

	d := AddressDescription{
		Kind:         AccessInside,
		Distance:     0,
		RegionBegin:  m.UserAddr(),
		RegionSize:   m.usedSize,
		AllocTID:     m.allocTID,
		FreeTID:      m.freeTID,
		HasFreeStack: hasFree,
	}

	return d.String(c.stackProvider, m.allocStack, freeStack)
}

// Deallocate implements free: resolve p, reject double- and invalid-frees,
// poison the region, record the free stack, and push the chunk onto a
// quarantine FIFO instead of returning it to a free list.
func (c *Core) Deallocate(tc *ThreadCache, p uintptr) {
	if p == 0 {
		return // free(NULL) is a no-op
	}

	c.mu.Lock()
	m := c.ptrToChunkLocked(p)
	c.mu.Unlock()

	if m == nil {
		c.reporter.Abort(Fault{
			Category: CategoryInvalidFree,
			Message:  fmt.Sprintf("attempting free on address 0x%x which was not malloc()-ed", p),
			Context:  map[string]any{"address": p},
		})

		return
	}

	switch m.state {
	case StateAllocated:
		// proceed below
	case StateQuarantine:
		c.reporter.Abort(Fault{
			Category:         CategoryDoubleFree,
			Message:          fmt.Sprintf("attempting double-free on 0x%x", p),
			Context:          map[string]any{"address": p},
			ChunkDescription: c.describeChunkForFault(m),
		})

		return
	default:
		c.reporter.Abort(Fault{
			Category:         CategoryInvalidFree,
			Message:          fmt.Sprintf("attempting free on address 0x%x which was not malloc()-ed", p),
			Context:          map[string]any{"address": p},
			ChunkDescription: c.describeChunkForFault(m),
		})

		return
	}

	tid := InvalidTID
	if tc != nil {
		tid = tc.id
	}

	m.freeTID = tid
	m.writeFreeStackOverlay(c.stackProvider.Capture(2))

	rounded := roundUp(m.usedSize, c.config.Redzone)

	c.shadow.poisonRange(m.UserAddr(), rounded, FreeMagic)

	m.state = StateQuarantine

	idx := log2(m.size)
	atomic.AddInt64(&c.classStats[idx].count, -1)
	atomic.AddInt64(&c.classStats[idx].bytes, -int64(m.size))

	if tc != nil {
		tc.quarantine.push(m)

		if tc.quarantine.bytes > c.config.MaxThreadLocalQuarantine {
			c.mu.Lock()
			c.globalQuar.spliceFrom(&tc.quarantine)
			c.evictGlobalQuarantineLocked()
			c.mu.Unlock()
		}
	} else {
		c.mu.Lock()
		c.globalQuar.push(m)
		c.evictGlobalQuarantineLocked()
		c.mu.Unlock()
	}

	sentinelAddr := p - c.config.Redzone

	c.mu.Lock()
	delete(c.sentinels, sentinelAddr)
	c.mu.Unlock()
}

// evictGlobalQuarantineLocked: while the global quarantine exceeds
// QuarantineBytes, pop its oldest chunk and return it to the global free
// list for its size class. Callers must hold c.mu.
func (c *Core) evictGlobalQuarantineLocked() {
	for c.globalQuar.bytes > c.config.QuarantineBytes {
		ch := c.globalQuar.popFront()
		if ch == nil {
			return
		}

		if ch.state != StateQuarantine {
			c.reporter.Abort(Fault{
				Category: CategoryInvariant,
				Message:  "quarantine eviction found a chunk not in QUARANTINE state",
			})

			return
		}

		ch.state = StateAvailable
		c.shadow.poisonRange(ch.base(), ch.size, LeftRedzoneMagic)
		c.pushFreeListLocked(ch)
	}
}

// Reallocate implements realloc. realloc(p, 0) returns NULL without
// freeing p, a deliberate deviation from ISO C's realloc; see DESIGN.md
// for the rationale.
func (c *Core) Reallocate(tc *ThreadCache, p, newSize uintptr) uintptr {
	if p == 0 {
		return c.Allocate(tc, newSize)
	}

	if newSize == 0 {
		return 0
	}

	c.mu.Lock()
	old := c.ptrToChunkLocked(p)
	c.mu.Unlock()

	if old == nil || old.state != StateAllocated {
		c.reporter.Abort(Fault{
			Category: CategoryInvalidFree,
			Message:  fmt.Sprintf("attempting realloc on address 0x%x which was not malloc()-ed", p),
			Context:  map[string]any{"address": p},
		})

		return 0
	}

	oldUsed := old.usedSize

	newChunk := c.allocateChunk(tc, newSize, 0)

	copyN := oldUsed
	if newSize < copyN {
		copyN = newSize
	}

	copy(newChunk.userBuf()[:copyN], old.userBuf()[:copyN])

	c.Deallocate(tc, p)

	return newChunk.UserAddr()
}

// MallocUsableSize implements malloc_usable_size.
func (c *Core) MallocUsableSize(p uintptr) uintptr {
	return c.AllocationSize(p)
}

// TotalMapped reports cumulative bytes obtained from the OS.
func (c *Core) TotalMapped() uintptr {
	return c.pages.totalMappedBytes()
}

// SizeClassStat is one row of Stats's per-size-class histogram.
type SizeClassStat struct {
	Size  uintptr
	Count int64
	Bytes int64
}

// Stats is the telemetry snapshot returned by Core.Stats, enabled only when
// Config.EnableStatistics is set.
type Stats struct {
	TotalMapped           uintptr
	GlobalQuarantineBytes uintptr
	BySizeClass           []SizeClassStat
}

// Stats snapshots current allocator telemetry. Returns the zero value if
// EnableStatistics is false, since the per-class atomics are still
// maintained regardless but callers shouldn't rely on them otherwise.
func (c *Core) Stats() Stats {
	if !c.config.EnableStatistics {
		return Stats{}
	}

	c.mu.Lock()
	gq := c.globalQuar.bytes
	c.mu.Unlock()

	var classes []SizeClassStat

	for i := 0; i < kNumFreeLists; i++ {
		cnt := atomic.LoadInt64(&c.classStats[i].count)
		if cnt == 0 {
			continue
		}

		classes = append(classes, SizeClassStat{
			Size:  uintptr(1) << uint(i),
			Count: cnt,
			Bytes: atomic.LoadInt64(&c.classStats[i].bytes),
		})
	}

	return Stats{
		TotalMapped:           c.pages.totalMappedBytes(),
		GlobalQuarantineBytes: gq,
		BySizeClass:           classes,
	}
}
