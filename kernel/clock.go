package kernel

import "time"

// Clock is the monotonic time source the run loop consults to compute I/O
// poll timeouts and expire deadlines (spec.md §4.G, §6). The real clock
// wraps time.Now; tests substitute a mock (see kerneltest.MockClock) that
// advances on demand.
type Clock interface {
	// Now returns the current monotonic instant.
	Now() time.Time
}

// realClock is the production Clock, backed by the OS monotonic clock via
// the standard library.
type realClock struct{}

// RealClock returns the production Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

// AutoJumpClock is implemented by clocks that can advance themselves
// instantly rather than have the run loop actually wait (spec.md §6: "test
// harness may substitute a mock that advances on demand and considers
// itself 'autojumping' when all tasks are blocked on deadlines only"). See
// kerneltest.MockClock for the test implementation.
type AutoJumpClock interface {
	Clock
	// AdvanceTo jumps the clock to at least `at` and reports whether it did.
	AdvanceTo(at time.Time) bool
}

// deadlineEntry is one (instant, generation, scope) tuple in the deadline
// heap (spec.md §3). The generation is compared against the scope's current
// heapGen on pop so a reset/cancelled scope's stale entry is discarded
// instead of acted on ("lazy invalidation").
type deadlineEntry struct {
	instant time.Time
	gen     uint64
	scope   *CancelScope
}

// deadlineHeap is a min-heap of deadlineEntry ordered by instant, with ties
// broken by scope id for deterministic cross-run ordering (spec.md §9 open
// question: "if determinism is required across runs, sort by
// (instant, scope-id)").
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].instant.Equal(h[j].instant) {
		return h[i].scope.id < h[j].scope.id
	}
	return h[i].instant.Before(h[j].instant)
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(*deadlineEntry))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
