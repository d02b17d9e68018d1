// Package heapmock provides deterministic test doubles for internal/heap's
// pluggable collaborators, starting with heap.StackProvider. It is modeled
// loosely on go.uber.org/mock's generated output, hand-written here because
// the interfaces are small and stable enough not to need mockgen; it records
// no expectations and makes no assertions of its own.
package heapmock

import (
	"fmt"
	"sync"
	"testing"

	"github.com/heapsentry/heapsentry/internal/heap"
)

// StackProvider is a deterministic heap.StackProvider: Capture returns a
// caller-programmed CompressedStack in call order, and Print renders a
// fixed, recognizable string instead of real frame info, so tests can
// assert on exact report text without depending on build-specific PCs.
type StackProvider struct {
	mu      sync.Mutex
	t       testing.TB
	scripts []heap.CompressedStack
	next    int
	calls   int
	prints  map[heap.CompressedStack]string
}

// NewStackProvider returns a StackProvider that yields each of scripted, in
// order, from successive Capture calls, repeating the last entry once
// exhausted. An empty scripted list yields the zero CompressedStack.
func NewStackProvider(t testing.TB, scripted ...heap.CompressedStack) *StackProvider {
	return &StackProvider{t: t, scripts: scripted, prints: make(map[heap.CompressedStack]string)}
}

// Capture implements heap.StackProvider.
func (m *StackProvider) Capture(skip int) heap.CompressedStack {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	if len(m.scripts) == 0 {
		return heap.CompressedStack{}
	}

	i := m.next
	if i >= len(m.scripts) {
		i = len(m.scripts) - 1
	} else {
		m.next++
	}

	return m.scripts[i]
}

// SetPrint programs the exact string Print(s) returns for a given stack,
// so report-format assertions don't depend on heap.CompressedStack's
// internal word layout.
func (m *StackProvider) SetPrint(s heap.CompressedStack, rendered string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prints[s] = rendered
}

// Print implements heap.StackProvider.
func (m *StackProvider) Print(s heap.CompressedStack) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.prints[s]; ok {
		return r
	}

	return fmt.Sprintf("    #mock-frame %v\n", s)
}

// CallCount returns how many times Capture has been invoked, for tests
// asserting a reporter captured exactly once per Abort.
func (m *StackProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}
