package kernel_test

import (
	"testing"

	"github.com/nursery-run/nursery/kernel"
)

// TestParkingLotFIFOOrder exercises the parking lot's FIFO ordering
// invariant (spec.md §3, §8): tasks parked on the same Lot are woken in the
// order they parked, regardless of spawn order or scheduling jitter.
func TestParkingLotFIFOOrder(t *testing.T) {
	const n = 5
	var order []int

	_, err := kernel.Run(func(root *kernel.Task) (any, error) {
		lot := kernel.NewLot()
		return nil, kernel.RunInNursery(root, func(nur *kernel.Nursery) error {
			for i := 0; i < n; i++ {
				i := i
				nur.StartSoon(func(t *kernel.Task) (any, error) {
					_, err := lot.Park(t, nil)
					order = append(order, i)
					return nil, err
				}, "")
			}

			// One checkpoint lets the loop round-robin through every freshly
			// spawned child up to its Park call, in spawn order, before
			// control returns here.
			if err := root.Checkpoint(); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				lot.Unpark(1)
				if err := root.Checkpoint(); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != n {
		t.Fatalf("expected %d tasks to have woken, got %d: %v", n, len(order), order)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("expected wake order 0..%d, got %v", n-1, order)
		}
	}
}
