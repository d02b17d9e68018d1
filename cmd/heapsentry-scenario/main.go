// Command heapsentry-scenario replays scenario files against a fresh
// internal/heap.Core and reports either "ok" or the Fault that aborted the
// run. Each scenario file is a flat JSON list of steps
// (malloc/free/realloc/calloc, by a named pointer id). Pass -watch to keep
// re-running a scenario file every time it changes, for a save-and-see
// iteration loop while writing a new repro.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/heapsentry/heapsentry/internal/heap"
)

type step struct {
	Op    string `json:"op"`
	ID    string `json:"id,omitempty"`
	Ref   string `json:"ref,omitempty"`
	Size  uint64 `json:"size,omitempty"`
	N     uint64 `json:"n,omitempty"`
	Align uint64 `json:"align,omitempty"`
}

func main() {
	var watch bool

	flag.BoolVar(&watch, "watch", false, "watch the scenario file and re-run it on every change")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <scenario.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Replays a heapsentry allocator scenario file.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := args[0]

	runOnce(path)

	if !watch {
		return
	}

	if err := watchAndRerun(path); err != nil {
		fmt.Fprintf(os.Stderr, "heapsentry-scenario: watch failed: %v\n", err)
		os.Exit(1)
	}
}

func runOnce(path string) {
	steps, err := loadScenario(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heapsentry-scenario: %v\n", err)
		return
	}

	result := replay(steps)
	fmt.Println(result)
}

func loadScenario(path string) ([]step, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var steps []step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	return steps, nil
}

// replay runs steps against a fresh Core built with a test Reporter, so an
// aborting step is reported as text instead of killing this process.
func replay(steps []step) (result string) {
	var fault heap.Fault

	aborted := false

	defer func() {
		if f, ok := heap.RecoverAbort(); ok {
			fault = f
			aborted = true
		}

		if aborted {
			result = fmt.Sprintf("ABORT: %s", fault.Error())
		}
	}()

	core := newScenarioCore()
	tc := core.Threads().Acquire()
	defer core.ReleaseThread(tc)

	ptrs := make(map[string]uintptr)

	for i, s := range steps {
		switch s.Op {
		case "malloc":
			ptrs[s.ID] = core.Allocate(tc, uintptr(s.Size))
		case "free":
			core.Deallocate(tc, ptrs[s.Ref])
		case "realloc":
			ptrs[s.ID] = core.Reallocate(tc, ptrs[s.Ref], uintptr(s.Size))
		case "calloc":
			ptrs[s.ID] = core.Calloc(tc, uintptr(s.N), uintptr(s.Size))
		case "memalign":
			ptrs[s.ID] = core.Memalign(tc, uintptr(s.Align), uintptr(s.Size))
		default:
			return fmt.Sprintf("ABORT: step %d: unknown op %q", i, s.Op)
		}
	}

	return "ok"
}

func newScenarioCore() *heap.Core {
	stack := heap.NewDefaultStackProvider()
	reporter := heap.NewRecoveringReporter(os.Stderr, stack)

	core, err := heap.NewCore(heap.DefaultConfig(), nil, stack, reporter)
	if err != nil {
		panic(err) // DefaultConfig() is always valid; a failure here is a programming error
	}

	return core
}

// watchAndRerun watches path's parent directory (fsnotify has no per-file
// watch primitive that survives editors' replace-on-save semantics) and
// re-runs the scenario whenever an event names path itself.
func watchAndRerun(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	fmt.Fprintf(os.Stderr, "heapsentry-scenario: watching %s for changes\n", path)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			evAbs, err := filepath.Abs(ev.Name)
			if err != nil || evAbs != abs {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			runOnce(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			fmt.Fprintf(os.Stderr, "heapsentry-scenario: watch error: %v\n", err)
		}
	}
}
