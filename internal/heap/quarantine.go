package heap

// quarantineList is a FIFO of Chunks linked by next, with a running byte
// total. It has no lock of its own: the thread-local instance is touched
// only by its owning ThreadCache, and the global instance is always
// touched while the Core's global mutex is held.
type quarantineList struct {
	head, tail *Chunk
	bytes      uintptr
}

func (q *quarantineList) push(c *Chunk) {
	c.next = nil

	if q.tail == nil {
		q.head = c
	} else {
		q.tail.next = c
	}

	q.tail = c
	q.bytes += c.size
}

func (q *quarantineList) popFront() *Chunk {
	c := q.head
	if c == nil {
		return nil
	}

	q.head = c.next
	if q.head == nil {
		q.tail = nil
	}

	c.next = nil
	q.bytes -= c.size

	return c
}

// spliceFrom appends other's whole FIFO onto q and empties other. Used for
// the thread-local -> global flush.
func (q *quarantineList) spliceFrom(other *quarantineList) {
	if other.head == nil {
		return
	}

	if q.tail == nil {
		q.head = other.head
	} else {
		q.tail.next = other.head
	}

	q.tail = other.tail
	q.bytes += other.bytes

	other.head = nil
	other.tail = nil
	other.bytes = 0
}
