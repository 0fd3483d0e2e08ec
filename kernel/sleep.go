package kernel

import "time"

// SleepForever blocks the calling task until it is cancelled. It is the
// primitive every timed wait bottoms out in (spec.md §5): sleeping for a
// duration is exactly this parked forever inside a scope whose deadline
// does the waking.
func SleepForever(t *Task) error {
	lot := NewLot()
	_, err := lot.Park(t, nil)
	return err
}

// Sleep blocks the calling task for d, or until it is cancelled by an
// enclosing scope — whichever comes first. It is implemented, as in the
// design it follows, as a cancel scope with deadline = now+d wrapped around
// a forever-sleep: the scope's own deadline firing is what wakes it, and the
// resulting Cancelled is attributable to that scope and swallowed before
// Sleep returns.
func Sleep(t *Task, d time.Duration) error {
	return SleepUntil(t, t.loop.clock.Now().Add(d))
}

// SleepUntil blocks the calling task until the absolute instant at, or until
// it is cancelled by an enclosing scope.
func SleepUntil(t *Task, at time.Time) error {
	_, err := RunInCancelScope(t, at, false, func(s *CancelScope) error {
		return SleepForever(t)
	})
	return err
}
