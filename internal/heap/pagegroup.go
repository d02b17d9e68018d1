package heap

import "sync/atomic"

// pageGroup describes one contiguous mapping carved into n uniform chunks.
// chunks is the parallel metadata array: chunk index i occupies
// [beg+i*sizeOfChunk, beg+(i+1)*sizeOfChunk).
type pageGroup struct {
	beg         uintptr
	end         uintptr
	sizeOfChunk uintptr
	chunks      []*Chunk
}

func (g *pageGroup) contains(addr uintptr) bool {
	return addr >= g.beg && addr < g.end
}

// chunkAt returns the chunk occupying the slot addr falls into, or nil if
// addr lands in the group's excluded sentinel tail.
func (g *pageGroup) chunkAt(addr uintptr) *Chunk {
	idx := (addr - g.beg) / g.sizeOfChunk
	if int(idx) >= len(g.chunks) {
		return nil
	}

	return g.chunks[idx]
}

// pageGroupRegistry is the append-only PageGroup registry: a fixed-capacity
// array appended under an atomic fetch-and-increment, so readers (always
// holding the global mutex) never race a partially-published slot.
type pageGroupRegistry struct {
	slots []*pageGroup
	count int64 // atomic
}

// newPageGroupRegistry preallocates capacity for maxGroups entries.
func newPageGroupRegistry(maxGroups int) *pageGroupRegistry {
	return &pageGroupRegistry{slots: make([]*pageGroup, maxGroups)}
}

// append publishes a new PageGroup. Callers must already hold the global
// mutex (append is not independently safe against concurrent appends).
func (r *pageGroupRegistry) append(g *pageGroup) error {
	n := atomic.LoadInt64(&r.count)
	if int(n) >= len(r.slots) {
		return errRegistryFull
	}

	r.slots[n] = g
	atomic.AddInt64(&r.count, 1)

	return nil
}

// find performs a linear scan for the group containing addr.
func (r *pageGroupRegistry) find(addr uintptr) *pageGroup {
	n := int(atomic.LoadInt64(&r.count))

	for i := 0; i < n; i++ {
		if g := r.slots[i]; g != nil && g.contains(addr) {
			return g
		}
	}

	return nil
}

// all returns every published group, for callers that need to enumerate
// rather than point-query.
func (r *pageGroupRegistry) all() []*pageGroup {
	n := int(atomic.LoadInt64(&r.count))

	out := make([]*pageGroup, n)
	copy(out, r.slots[:n])

	return out
}

var errRegistryFull = errFatal("page group registry exhausted: MaxAvailableRam exceeded")

type errFatal string

func (e errFatal) Error() string { return string(e) }
