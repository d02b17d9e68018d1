// Command heapsentry-demo drives an internal/heap.Core from the command
// line: a fixed sequence of malloc/free calls, with flags to tune
// the allocator and print a post-run statistics summary.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/heapsentry/heapsentry/internal/heap"
)

func main() {
	var (
		redzone    uint64
		quarantine uint64
		stats      bool
		debug      bool
		allocSize  uint64
		rounds     int
	)

	flag.Uint64Var(&redzone, "redzone", 16, "REDZONE size in bytes (power of two)")
	flag.Uint64Var(&quarantine, "quarantine-bytes", 256<<20, "global quarantine bound in bytes")
	flag.BoolVar(&stats, "stats", false, "print per-size-class allocation statistics when done")
	flag.BoolVar(&debug, "debug", false, "enable verbose allocator diagnostics")
	flag.Uint64Var(&allocSize, "size", 64, "size in bytes of each demo allocation")
	flag.IntVar(&rounds, "rounds", 1000, "number of allocate/free rounds to run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Exercises an instrumented heapsentry Core with a fixed allocate/free workload.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	cfg, err := heap.New(
		heap.WithRedzone(uintptr(redzone)),
		heap.WithQuarantineBytes(uintptr(quarantine)),
		heap.WithStatistics(stats),
		heap.WithDebug(debug),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heapsentry-demo: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	core, err := heap.NewCore(cfg, nil, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heapsentry-demo: failed to build core: %v\n", err)
		os.Exit(1)
	}

	tc := core.Threads().Acquire()
	defer core.ReleaseThread(tc)

	var live []uintptr

	for i := 0; i < rounds; i++ {
		p := core.Allocate(tc, uintptr(allocSize))
		live = append(live, p)

		if len(live) > 16 {
			core.Deallocate(tc, live[0])
			live = live[1:]
		}
	}

	for _, p := range live {
		core.Deallocate(tc, p)
	}

	fmt.Printf("heapsentry-demo: %d rounds complete, %d bytes mapped from the OS\n", rounds, core.TotalMapped())

	if stats {
		s := core.Stats()
		fmt.Printf("quarantine: %d bytes\n", s.GlobalQuarantineBytes)

		for _, c := range s.BySizeClass {
			fmt.Printf("  class %8d: %6d live, %10d bytes\n", c.Size, c.Count, c.Bytes)
		}
	}
}
