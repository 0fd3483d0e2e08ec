package errgroup

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nursery-run/nursery/kernel"
	"github.com/nursery-run/nursery/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHappy(t *testing.T) {
	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		g := New(root)
		g.Go(func(t *kernel.Task) error { return nil })
		g.Go(func(t *kernel.Task) error { return kernel.Sleep(t, 10*time.Millisecond) })
		return nil, g.Wait()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestErrorCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	var sawCancel bool

	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		g := New(root)
		g.Go(func(t *kernel.Task) error { return boom })
		g.Go(func(t *kernel.Task) error {
			for {
				if err := kernel.Sleep(t, time.Millisecond); err != nil {
					sawCancel = true
					return err
				}
			}
		})
		return nil, g.Wait()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom in the aggregate, got %v", err)
	}
	if !sawCancel {
		t.Fatal("sibling never observed cancellation")
	}
}

func TestGroupTimeout(t *testing.T) {
	var sawCancel bool

	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		g := New(root, scope.WithTimeout(20*time.Millisecond))
		g.Go(func(t *kernel.Task) error {
			for {
				if err := kernel.Sleep(t, time.Millisecond); err != nil {
					sawCancel = true
					return err
				}
			}
		})
		return nil, g.Wait()
	})
	if !sawCancel {
		t.Fatal("task never observed the group deadline")
	}
	// The sole propagating error is a Cancelled attributable to the group's
	// own scope, so a clean exit (nil) is expected, same as Nursery.Close.
	if err != nil {
		t.Fatalf("expected a clean (swallowed) exit, got %v", err)
	}
}

func TestGroupExplicitCancel(t *testing.T) {
	var sawCancel bool

	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		g := New(root)
		g.Go(func(t *kernel.Task) error {
			for {
				if err := kernel.Sleep(t, time.Millisecond); err != nil {
					sawCancel = true
					return err
				}
			}
		})
		// Yield so the child actually gets stepped at least once before the
		// cancel lands; StartSoon never yields the caller on its own.
		if err := kernel.Sleep(root, 5*time.Millisecond); err != nil {
			return nil, err
		}
		g.Cancel()
		return nil, g.Wait()
	})
	if err != nil {
		t.Fatalf("expected a clean (swallowed) exit, got %v", err)
	}
	if !sawCancel {
		t.Fatal("task never observed the explicit cancel")
	}
}
