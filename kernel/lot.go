package kernel

import (
	"container/list"
	"sync"
)

// Lot is an intrusive FIFO of parked tasks keyed by opaque per-entry data,
// used to build higher-level waits (here sleep and a nursery's join) on top
// of the two kernel traps (spec.md §4.B); I/O waits park directly. A task appears in at most one Lot
// at a time. All operations preserve insertion order, so Unpark is
// intrinsically fair.
type Lot struct {
	mu      sync.Mutex
	entries *list.List // of *lotEntry
}

type lotEntry struct {
	task *Task
	data any
}

// NewLot returns an empty parking lot.
func NewLot() *Lot {
	return &Lot{entries: list.New()}
}

// Park suspends the calling task, recording data for the caller's own
// bookkeeping (e.g. which lock slot it is waiting on), until Unpark,
// UnparkAll, or Repark-then-Unpark removes it, or the task is cancelled. It
// returns the Result delivered at wake time, or the Cancelled error if the
// task was aborted out of the wait.
func (l *Lot) Park(t *Task, data any) (any, error) {
	l.mu.Lock()
	elem := l.entries.PushBack(&lotEntry{task: t, data: data})
	l.mu.Unlock()

	abort := func(raiseCancel func() error) Outcome {
		l.mu.Lock()
		// list.Remove is idempotent for an element no longer linked to l (it
		// checks e.list == l internally), so this is safe even if the entry
		// was already popped by a racing Unpark.
		l.entries.Remove(elem)
		l.mu.Unlock()
		_ = raiseCancel
		return Succeeded
	}

	return t.waitTaskRescheduled(abort)
}

// ParkUninterruptible suspends t the same way Park does, but its abort_func
// always refuses (returns Failed): nothing short of an explicit Unpark can
// wake it. Used for the one wait in the kernel that cancellation must never
// reach — a nursery's host task waiting for its children to drain.
func (l *Lot) ParkUninterruptible(t *Task) (any, error) {
	l.mu.Lock()
	l.entries.PushBack(&lotEntry{task: t})
	l.mu.Unlock()

	abort := func(raiseCancel func() error) Outcome {
		return Failed
	}
	return t.waitTaskRescheduled(abort)
}

// Unpark dequeues up to n parked tasks in FIFO order and schedules each with
// a successful wake (Value(nil)).
func (l *Lot) Unpark(n int) int {
	if n <= 0 {
		return 0
	}
	var woken []*Task
	l.mu.Lock()
	for len(woken) < n {
		front := l.entries.Front()
		if front == nil {
			break
		}
		l.entries.Remove(front)
		entry := front.Value.(*lotEntry)
		woken = append(woken, entry.task)
	}
	l.mu.Unlock()

	for _, t := range woken {
		t.reschedule(ValueResult(nil))
	}
	return len(woken)
}

// UnparkAll wakes every parked task, in FIFO order.
func (l *Lot) UnparkAll() int {
	return l.Unpark(l.Len())
}

// Len reports the current number of parked tasks.
func (l *Lot) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Repark atomically transfers every task in tasks from l to newLot,
// preserving their relative order, without waking them. Tasks not currently
// parked in l are ignored.
func (l *Lot) Repark(tasks []*Task, newLot *Lot) {
	if len(tasks) == 0 {
		return
	}
	want := make(map[*Task]bool, len(tasks))
	for _, t := range tasks {
		want[t] = true
	}

	l.mu.Lock()
	var moved []*lotEntry
	for e := l.entries.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*lotEntry)
		if want[entry.task] {
			l.entries.Remove(e)
			moved = append(moved, entry)
		}
		e = next
	}
	l.mu.Unlock()

	if len(moved) == 0 {
		return
	}
	newLot.mu.Lock()
	for _, entry := range moved {
		newLot.entries.PushBack(entry)
	}
	newLot.mu.Unlock()
}
