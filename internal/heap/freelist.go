package heap

import "unsafe"

// getNewChunksLocked carves a fresh PageGroup of uniform size-class chunks
// and returns them linked as a stack. Callers must hold c.mu: carving
// publishes a new PageGroup into the shared registry.
func (c *Core) getNewChunksLocked(size uintptr) *Chunk {
	mmapSize := size
	if c.config.MinMmapSize > mmapSize {
		mmapSize = c.config.MinMmapSize
	}

	mmapSize = roundUp(mmapSize, size)

	nChunks := mmapSize / size
	if nChunks == 0 {
		nChunks = 1
		mmapSize = size
	}

	extraPage := uintptr(0)

	if size < pageSize {
		// The final chunk becomes a permanently poisoned sentinel tail:
		// it is never linked into the free-list stack, but its shadow is
		// already LeftRedzoneMagic because the whole mapping was poisoned
		// on map.
		if nChunks > 1 {
			nChunks--
		}
	} else {
		// One extra trailing page serves as a guard redzone instead.
		extraPage = pageSize
	}

	totalBytes := roundUp(mmapSize+extraPage, pageSize)

	mem := c.pages.mapPages(totalBytes, InvalidTID)
	base := uintptr(unsafe.Pointer(&mem[0]))

	g := &pageGroup{
		beg:         base,
		end:         base + totalBytes,
		sizeOfChunk: size,
		chunks:      make([]*Chunk, nChunks),
	}

	if err := c.registry.append(g); err != nil {
		c.reporter.Abort(Fault{Category: CategoryInvariant, Message: err.Error()})
	}

	var head *Chunk

	for i := int(nChunks) - 1; i >= 0; i-- {
		data := mem[uintptr(i)*size : uintptr(i+1)*size]
		ch := &Chunk{state: StateAvailable, size: size, group: g, data: data, next: head}
		g.chunks[i] = ch
		head = ch
	}

	return head
}

// allocateChunksLocked pops up to n chunks from the size-class stack,
// refilling via getNewChunksLocked whenever it empties, and returns a
// singly linked list of exactly n chunks.
func (c *Core) allocateChunksLocked(size uintptr, n int) *Chunk {
	idx := log2(size)

	var headOut, tailOut *Chunk

	for got := 0; got < n; got++ {
		if c.globalFree[idx] == nil {
			c.globalFree[idx] = c.getNewChunksLocked(size)
		}

		ch := c.globalFree[idx]
		c.globalFree[idx] = ch.next
		ch.next = nil

		if headOut == nil {
			headOut = ch
		} else {
			tailOut.next = ch
		}

		tailOut = ch
	}

	return headOut
}

// pushFreeListLocked pushes a single AVAILABLE chunk back onto the global
// free list for its size class (used by quarantine eviction).
func (c *Core) pushFreeListLocked(ch *Chunk) {
	idx := log2(ch.size)
	ch.next = c.globalFree[idx]
	c.globalFree[idx] = ch
}
