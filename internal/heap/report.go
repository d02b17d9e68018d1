package heap

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Reporter formats and delivers fatal diagnostics. All error reporting is
// best-effort and one-shot: once Abort begins, no further allocator state
// is guaranteed consistent, so Abort never returns control to normal
// allocator code, in production or in tests.
type Reporter struct {
	out     io.Writer
	stack   StackProvider
	onAbort func(Fault) // nil in production: os.Exit(1) runs instead
}

// NewReporter returns the production Reporter, writing to stderr and
// terminating the process on Abort.
func NewReporter(stack StackProvider) *Reporter {
	return &Reporter{out: os.Stderr, stack: stack}
}

// newTestReporter returns a Reporter whose Abort calls onAbort and then
// panics with abortPanic{f} instead of exiting the process, so a property
// test can recover() the Fault with RecoverAbort while still guaranteeing
// that no allocator code runs past the abort point.
func newTestReporter(stack StackProvider, onAbort func(Fault)) *Reporter {
	return &Reporter{out: io.Discard, stack: stack, onAbort: onAbort}
}

// NewRecoveringReporter returns a Reporter that prints to w and then panics
// with abortPanic{f} instead of calling os.Exit, for host programs (such as
// cmd/heapsentry-scenario) that want to run many independent allocator
// sessions in one process and recover a Fault with RecoverAbort rather than
// have one bad scenario kill the whole run.
func NewRecoveringReporter(w io.Writer, stack StackProvider) *Reporter {
	return &Reporter{out: w, stack: stack, onAbort: func(Fault) {}}
}

// abortPanic carries a Fault through panic/recover for test Reporters, so
// RecoverAbort can distinguish an intentional abort from a real test bug.
type abortPanic struct{ fault Fault }

// RecoverAbort extracts the Fault from a panic produced by a test Reporter's
// Abort. It must be called from a deferred function; it re-panics anything
// that isn't an abortPanic so genuine test bugs are not swallowed.
func RecoverAbort() (Fault, bool) {
	r := recover()
	if r == nil {
		return Fault{}, false
	}

	ap, ok := r.(abortPanic)
	if !ok {
		panic(r)
	}

	return ap.fault, true
}

// Abort prints f (with the caller's current stack trace filled in if not
// already set) and terminates execution: os.Exit(1) in production, or a
// panic(abortPanic{f}) in test mode. It never returns.
func (r *Reporter) Abort(f Fault) {
	if f.Caller == "" {
		f = newFaultFrom(f)
	}

	if f.CallerStack == (CompressedStack{}) {
		f.CallerStack = r.stack.Capture(2)
	}

	fmt.Fprint(r.out, r.format(f))

	if r.onAbort != nil {
		r.onAbort(f)
		panic(abortPanic{f})
	}

	os.Exit(1)
}

func newFaultFrom(f Fault) Fault {
	nf := newFault(f.Category, f.Message, f.Context)
	nf.ChunkDescription = f.ChunkDescription

	return nf
}

func (r *Reporter) format(f Fault) string {
	var b strings.Builder

	fmt.Fprintf(&b, "heapsentry: %s: %s\n", f.Category, f.Message)
	fmt.Fprint(&b, r.stack.Print(f.CallerStack))

	if f.ChunkDescription != "" {
		fmt.Fprint(&b, f.ChunkDescription)
	}

	return b.String()
}

// AccessKind classifies where a faulting address falls relative to a
// chunk's user region.
type AccessKind int

const (
	AccessInside AccessKind = iota
	AccessLeft
	AccessRight
	AccessUnknown
)

func (k AccessKind) String() string {
	switch k {
	case AccessInside:
		return "inside of"
	case AccessLeft:
		return "to the left of"
	case AccessRight:
		return "to the right of"
	default:
		return "nowhere near"
	}
}

// AddressDescription is the result of Core.Describe: an "addr is located K
// bytes {inside|left|right} of an N-byte region" report, plus the
// allocation/free stack text.
type AddressDescription struct {
	Kind         AccessKind
	Distance     uintptr
	RegionBegin  uintptr
	RegionSize   uintptr
	AllocTID     ThreadID
	FreeTID      ThreadID
	HasFreeStack bool
}

// String renders the description as a human-readable report.
func (d AddressDescription) String(stack StackProvider, allocStack, freeStack CompressedStack) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d bytes %s an %d-byte region [0x%x, 0x%x)\n",
		d.Distance, d.Kind, d.RegionSize, d.RegionBegin, d.RegionBegin+d.RegionSize)

	fmt.Fprintf(&b, "allocated by thread T%d here:\n", d.AllocTID)
	fmt.Fprint(&b, stack.Print(allocStack))

	if d.HasFreeStack {
		fmt.Fprintf(&b, "freed by thread T%d here:\n", d.FreeTID)
		fmt.Fprint(&b, stack.Print(freeStack))
	}

	return b.String()
}
