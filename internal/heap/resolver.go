package heap

// classify tests addr/accessSize against chunk m's inside/left/right
// redzone regions and returns the access kind and the associated distance;
// ok is false if addr matches none of them.
func classify(m *Chunk, addr, accessSize, redzone uintptr) (kind AccessKind, distance uintptr, ok bool) {
	begM := m.UserAddr()
	endUsed := begM + m.usedSize

	if begM <= addr && addr+accessSize <= endUsed {
		return AccessInside, addr - begM, true
	}

	if m.base() <= addr && addr < begM {
		return AccessLeft, begM - addr, true
	}

	if addr+accessSize >= endUsed && addr < m.base()+m.size+redzone {
		d := uintptr(0)
		if addr > endUsed {
			d = addr - endUsed
		}

		return AccessRight, d, true
	}

	return AccessUnknown, 0, false
}

// findChunkByAddr locates addr's PageGroup, computes the candidate chunk,
// and — when addr classifies to the left of the candidate — tie-breaks
// against the previous chunk in the group, preferring whichever is closer
// and, on a tie, the right-hand (candidate) chunk.
func (c *Core) findChunkByAddr(addr, accessSize uintptr) (*Chunk, AccessKind, uintptr, bool) {
	g := c.registry.find(addr)
	if g == nil {
		return nil, AccessUnknown, 0, false
	}

	idx := (addr - g.beg) / g.sizeOfChunk

	m := g.chunkAt(addr)
	if m == nil {
		return nil, AccessUnknown, 0, false
	}

	kind, dist, ok := classify(m, addr, accessSize, c.config.Redzone)
	if !ok {
		return nil, AccessUnknown, 0, false
	}

	if kind != AccessLeft || idx == 0 {
		return m, kind, dist, true
	}

	l := g.chunks[idx-1]
	if l == nil {
		return m, kind, dist, true
	}

	lKind, lDist, lOk := classify(l, addr, accessSize, c.config.Redzone)
	if !lOk || lKind != AccessRight {
		return m, kind, dist, true
	}

	if lDist < dist {
		return l, lKind, lDist, true
	}

	return m, kind, dist, true
}

// Describe classifies a faulting address and the access size attempted
// against it relative to its owning chunk, and renders a full report.
func (c *Core) Describe(addr, accessSize uintptr) (AddressDescription, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, kind, dist, ok := c.findChunkByAddr(addr, accessSize)
	if !ok {
		return AddressDescription{}, "", false
	}

	_, hasFree := m.FreeStack()

	d := AddressDescription{
		Kind:         kind,
		Distance:     dist,
		RegionBegin:  m.UserAddr(),
		RegionSize:   m.usedSize,
		AllocTID:     m.allocTID,
		FreeTID:      m.freeTID,
		HasFreeStack: hasFree,
	}

	freeStack, _ := m.FreeStack()

	return d, d.String(c.stackProvider, m.allocStack, freeStack), true
}

// AllocationSize resolves p through any MEMALIGN sentinel and returns its
// used size if the chunk is ALLOCATED, else 0.
func (c *Core) AllocationSize(p uintptr) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.ptrToChunkLocked(p)
	if m == nil || m.state != StateAllocated {
		return 0
	}

	return m.usedSize
}
