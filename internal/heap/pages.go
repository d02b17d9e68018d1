package heap

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is read once; chunk sizes are compared against it to decide
// whether a trailing sentinel chunk or a trailing guard page terminates a
// PageGroup.
var pageSize = uintptr(os.Getpagesize())

// pageProvider obtains zero-initialized anonymous page ranges from the OS
// and tracks cumulative mapped bytes. It is the one place in heapsentry
// that talks to the kernel directly.
type pageProvider struct {
	shadow      *shadowMemory
	totalMapped int64 // bytes, atomic
	reporter    *Reporter
}

func newPageProvider(shadow *shadowMemory, reporter *Reporter) *pageProvider {
	return &pageProvider{shadow: shadow, reporter: reporter}
}

// mapPages requests a fresh anonymous RW mapping of size bytes (must be a
// multiple of the OS page size) from the kernel via unix.Mmap. On failure
// it reports an OOM fault and aborts — mapPages never returns a nil slice.
// Every successful mapping is poisoned LeftRedzoneMagic before any other
// code observes it, so freshly carved chunks begin AVAILABLE with fully
// poisoned shadow.
func (p *pageProvider) mapPages(size uintptr, tid ThreadID) []byte {
	if size%pageSize != 0 {
		panic("heap: mapPages: size not a multiple of the page size")
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		p.reporter.Abort(Fault{
			Category: CategoryOOM,
			Message:  fmt.Sprintf("failed to allocate %d (%d) bytes of LargeMmapAllocator", size, size),
			Context:  map[string]any{"requested_bytes": size, "tid": tid},
		})

		return nil // unreachable: Abort terminates the process
	}

	atomic.AddInt64(&p.totalMapped, int64(size))

	base := uintptr(unsafe.Pointer(&mem[0]))
	p.shadow.poisonRange(base, size, LeftRedzoneMagic)

	return mem
}

// totalMappedBytes is the telemetry entry point behind the exported
// TotalMapped function.
func (p *pageProvider) totalMappedBytes() uintptr {
	return uintptr(atomic.LoadInt64(&p.totalMapped))
}
