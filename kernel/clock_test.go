package kernel_test

import (
	"testing"
	"time"

	"github.com/nursery-run/nursery/kernel"
	"github.com/nursery-run/nursery/kernel/kerneltest"
)

// TestDeadlineOrderingAcrossScopes exercises the deadline heap's ordering
// (spec.md §3): of several scopes with distinct deadlines, the earliest
// fires first regardless of the order the scopes were opened in, and an
// autojumping mock clock lets this resolve without any real wall-clock wait.
func TestDeadlineOrderingAcrossScopes(t *testing.T) {
	clock := kerneltest.NewMockClock()
	clock.AutoJump(true)

	var order []string
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			n.StartSoon(func(t *kernel.Task) (any, error) {
				err := kernel.Sleep(t, 30*time.Millisecond)
				order = append(order, "slow")
				return nil, err
			}, "slow")
			n.StartSoon(func(t *kernel.Task) (any, error) {
				err := kernel.Sleep(t, 10*time.Millisecond)
				order = append(order, "fast")
				return nil, err
			}, "fast")
			return nil
		})
	}, kernel.WithClock(clock))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "fast" || order[1] != "slow" {
		t.Fatalf("expected the shorter deadline to fire first, got %v", order)
	}
}

// TestSetDeadlineInvalidatesStaleEntry exercises the deadline heap's lazy
// invalidation (spec.md §3): resetting a scope's deadline after it has
// already been scheduled must not let the old, now-stale instant fire.
func TestSetDeadlineInvalidatesStaleEntry(t *testing.T) {
	clock := kerneltest.NewMockClock()
	clock.AutoJump(true)
	start := clock.Now()

	var woke time.Time
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		_, scopeErr := kernel.RunInCancelScope(root, start.Add(10*time.Millisecond), false, func(s *kernel.CancelScope) error {
			s.SetDeadline(start.Add(100 * time.Millisecond))
			err := kernel.SleepForever(root)
			woke = root.Clock().Now()
			return err
		})
		return nil, scopeErr
	}, kernel.WithClock(clock))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if woke.Before(start.Add(100 * time.Millisecond)) {
		t.Fatalf("scope fired on the stale 10ms deadline instead of the reset 100ms one: woke at %v", woke)
	}
}
