package heap

import (
	"sync"
	"sync/atomic"
)

// ThreadID identifies a logical "thread" for alloc/free bookkeeping. Go
// goroutines have no stable OS thread identity to read, so heapsentry's
// stand-in is an opaque handle a goroutine acquires explicitly from a
// ThreadRegistry and holds for as long as it uses the allocator.
type ThreadID uint64

// InvalidTID is the sentinel used for a chunk's free_tid while ALLOCATED.
const InvalidTID ThreadID = 0

// kNumFreeLists indexes free lists by log2(size); a uintptr has at most 64
// bits, and chunk sizes are powers of two, so 64 classes is always enough
// headroom regardless of platform word size.
const kNumFreeLists = 64

// ThreadCache holds the per-goroutine front end: one free-list stack per
// size class and a thread-local quarantine FIFO. Only its owning goroutine
// may read or mutate it outside of the global mutex.
type ThreadCache struct {
	id         ThreadID
	freeLists  [kNumFreeLists]*Chunk
	quarantine quarantineList
}

// ID returns the handle's ThreadID, recorded as alloc_tid/free_tid on
// chunks this cache touches.
func (t *ThreadCache) ID() ThreadID { return t.id }

// ThreadRegistry hands out ThreadCache handles and remembers which ids are
// live, so lookups by id through ByID succeed.
type ThreadRegistry struct {
	nextID int64 // atomic, pre-increment

	mu     sync.Mutex
	caches map[ThreadID]*ThreadCache
}

// NewThreadRegistry creates an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{caches: make(map[ThreadID]*ThreadCache)}
}

// Acquire allocates a new ThreadCache and registers it. Callers must call
// Core.ReleaseThread when they are done (typically via defer), mirroring a
// real thread's registration/teardown.
func (r *ThreadRegistry) Acquire() *ThreadCache {
	id := ThreadID(atomic.AddInt64(&r.nextID, 1))
	tc := &ThreadCache{id: id}

	r.mu.Lock()
	r.caches[id] = tc
	r.mu.Unlock()

	return tc
}

// ByID looks up a still-registered ThreadCache, for diagnostics that want
// to describe which thread owns an id. Returns (nil, false) for an id that
// has been released or was never issued.
func (r *ThreadRegistry) ByID(id ThreadID) (*ThreadCache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.caches[id]

	return tc, ok
}

// Release deregisters a ThreadCache. Callers should use Core.ReleaseThread
// instead of calling this directly: it flushes tc's thread-local
// quarantine and free lists into the global ones first, so no chunk is
// stranded where no other thread can reach it.
func (r *ThreadRegistry) Release(tc *ThreadCache) {
	r.mu.Lock()
	delete(r.caches, tc.id)
	r.mu.Unlock()
}
