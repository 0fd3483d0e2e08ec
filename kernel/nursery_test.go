package kernel_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nursery-run/nursery/kernel"
)

func TestNurseryCleanExit(t *testing.T) {
	var ran int
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			n.StartSoon(func(t *kernel.Task) (any, error) { ran++; return nil, nil }, "a")
			n.StartSoon(func(t *kernel.Task) (any, error) { ran++; return nil, nil }, "b")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran != 2 {
		t.Fatalf("expected both children to run, got %d", ran)
	}
}

// TestNurseryCombinesAllErrorsEvenWithCancelled mirrors the scenario where a
// nursery is cancelled by one child's real failure while a sibling was
// already mid-flight: the resulting aggregate keeps every error, including
// the sibling's resulting Cancelled — it is not filtered out just because a
// Cancelled is "supposed to" mean nothing went wrong.
func TestNurseryCombinesAllErrorsEvenWithCancelled(t *testing.T) {
	boom := errors.New("boom")
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			n.StartSoon(func(t *kernel.Task) (any, error) {
				for {
					if err := kernel.Sleep(t, time.Millisecond); err != nil {
						return nil, err
					}
				}
			}, "sleeper")
			n.StartSoon(func(t *kernel.Task) (any, error) {
				if err := kernel.Sleep(t, 5*time.Millisecond); err != nil {
					return nil, err
				}
				return nil, boom
			}, "failer")
			return nil
		})
	})
	if err == nil {
		t.Fatal("expected a combined error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom in the aggregate, got %v", err)
	}
	var c kernel.Cancelled
	if !errors.As(err, &c) {
		t.Fatalf("expected the sleeper's Cancelled to survive in the aggregate too, got %v", err)
	}
}

// TestNurserySwallowsSoleCancelled is the companion case: when the ONLY
// propagating error is a Cancelled attributable to the nursery's own scope,
// the nursery exits cleanly instead of surfacing it.
func TestNurserySwallowsSoleCancelled(t *testing.T) {
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			n.StartSoon(func(t *kernel.Task) (any, error) {
				for {
					if err := kernel.Sleep(t, time.Millisecond); err != nil {
						return nil, err
					}
				}
			}, "sleeper")
			if err := kernel.Sleep(root, 5*time.Millisecond); err != nil {
				return err
			}
			n.Scope().Cancel()
			return nil
		})
	})
	if err != nil {
		t.Fatalf("expected a clean exit, got %v", err)
	}
}

func TestNurseryStartWaitsForStatus(t *testing.T) {
	var bodyReachedStatus bool
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			v, err := n.Start(root, func(t *kernel.Task, status *kernel.TaskStatus) (any, error) {
				bodyReachedStatus = true
				status.Started("ready")
				return nil, kernel.Sleep(t, time.Millisecond)
			}, "worker")
			if err != nil {
				return err
			}
			if v != "ready" {
				t.Fatalf("expected Start to deliver the started value, got %v", v)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bodyReachedStatus {
		t.Fatal("expected the started task's body to have run")
	}
}

func TestNurseryStartWithoutStatusDeliversOutcome(t *testing.T) {
	boom := errors.New("boom")
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			_, err := n.Start(root, func(t *kernel.Task, status *kernel.TaskStatus) (any, error) {
				return nil, boom
			}, "worker")
			return err
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom surfaced through Start, got %v", err)
	}
}

func TestStartSoonDoesNotYieldCaller(t *testing.T) {
	var childRan bool
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, kernel.RunInNursery(root, func(n *kernel.Nursery) error {
			n.StartSoon(func(t *kernel.Task) (any, error) {
				childRan = true
				return nil, nil
			}, "child")
			// StartSoon must not have run the child synchronously nor
			// yielded this task (spec.md's no-yield law).
			if childRan {
				t.Fatal("StartSoon ran its child before any checkpoint")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !childRan {
		t.Fatal("expected the child to have eventually run")
	}
}
