package heap

import (
	"fmt"
	"runtime"
	"strings"
)

// CompressedStack is the fixed-width word array an allocation/free stack is
// compressed into. The default StackProvider stores raw program counters,
// capped to the fixed width.
type CompressedStack [stackDepth]uintptr

const stackDepth = freeStackWords // keeps the free-stack overlay exact-fit

// StackProvider captures, and later renders, stack traces. It is a
// pluggable collaborator so tests can substitute a deterministic mock —
// see internal/heap/heapmock.
type StackProvider interface {
	Capture(skip int) CompressedStack
	Print(s CompressedStack) string
}

// defaultStackProvider captures real program counters via runtime.Callers.
type defaultStackProvider struct{}

// NewDefaultStackProvider returns the production StackProvider.
func NewDefaultStackProvider() StackProvider { return defaultStackProvider{} }

func (defaultStackProvider) Capture(skip int) CompressedStack {
	var pcs [stackDepth]uintptr

	n := runtime.Callers(skip+2, pcs[:])

	var out CompressedStack
	copy(out[:], pcs[:n])

	return out
}

func (defaultStackProvider) Print(s CompressedStack) string {
	var b strings.Builder

	frames := runtime.CallersFrames(trimZero(s[:]))

	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			if !more {
				break
			}

			continue
		}

		fmt.Fprintf(&b, "    #%s %s:%d %s\n", "", frame.File, frame.Line, frame.Function)

		if !more {
			break
		}
	}

	if b.Len() == 0 {
		return "    <no stack available>\n"
	}

	return b.String()
}

func trimZero(pcs []uintptr) []uintptr {
	n := len(pcs)
	for n > 0 && pcs[n-1] == 0 {
		n--
	}

	return pcs[:n]
}
