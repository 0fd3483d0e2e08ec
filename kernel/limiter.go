package kernel

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many tasks may hold a resource concurrently — the
// nursery-friendly equivalent of a worker pool's capacity limit (SPEC_FULL.md
// §3's concurrency-limit component), built on golang.org/x/sync/semaphore
// the way the pack's bounded-nursery example bounds its job count.
//
// Acquire blocks the calling task, not the loop: the semaphore's own Acquire
// call runs on a background goroutine against a context that the task's
// cancellation tears down, and the outcome is handed back to the loop via
// FromThread so it is always delivered on the loop goroutine.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a Limiter that admits at most n concurrent holders.
func NewLimiter(n int64) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(n)}
}

// Acquire blocks the calling task until a slot is free or it is cancelled.
func (lim *Limiter) Acquire(t *Task) error {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var cancelErr error // set by abort, under mu, before cancel() is called

	go func() {
		acquireErr := lim.sem.Acquire(ctx, 1)
		result := acquireErr
		if acquireErr != nil {
			// The semaphore only ever fails here because ctx was torn down,
			// which only happens from abort below; report the kernel's own
			// Cancelled instead of leaking context.Canceled.
			mu.Lock()
			if cancelErr != nil {
				result = cancelErr
			}
			mu.Unlock()
		}
		t.loop.FromThread(func() { t.reschedule(ErrorResult(result)) })
	}()

	abort := func(raiseCancel func() error) Outcome {
		mu.Lock()
		cancelErr = raiseCancel()
		mu.Unlock()
		cancel() // wakes the background Acquire, which still owns the reschedule
		return Failed
	}
	_, err := t.waitTaskRescheduled(abort)
	cancel()
	return err
}

// TryAcquire claims a slot without blocking, reporting whether it succeeded.
func (lim *Limiter) TryAcquire() bool {
	return lim.sem.TryAcquire(1)
}

// Release frees a previously acquired slot.
func (lim *Limiter) Release() {
	lim.sem.Release(1)
}
