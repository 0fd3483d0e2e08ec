package kernel

import (
	"errors"
	"sync"
	"time"
)

// Nursery is a scope that owns a set of child tasks and may not exit until
// all of them have terminated (spec.md §3, §4.E). Its cancel scope always
// has the nursery's host task as a member; spawning a child admits it into
// the same scope, so cancelling the nursery cancels every child too.
type Nursery struct {
	host  *Task
	scope *CancelScope

	mu           sync.Mutex
	children     map[*Task]struct{}
	pendingErrs  []error
	closed       bool
	startWaiters map[*Task]*Task // child -> the task blocked in Start waiting on it

	joinLot *Lot
}

// OpenNursery opens a nursery owned by t. The returned Nursery must be closed
// via a call that drives its exit protocol — see RunInNursery.
func OpenNursery(t *Task) *Nursery {
	scope := OpenCancelScope(t, time.Time{}, false)
	return &Nursery{
		host:         t,
		scope:        scope,
		children:     make(map[*Task]struct{}),
		startWaiters: make(map[*Task]*Task),
		joinLot:      NewLot(),
	}
}

// RunInNursery opens a nursery owned by t, runs body, and then implements the
// full exit protocol (spec.md §4.E): wait for every child, cancel siblings
// on the first non-Cancelled child failure, and combine whatever remains
// into a single error (or nil for a clean exit).
func RunInNursery(t *Task, body func(n *Nursery) error) error {
	n := OpenNursery(t)
	bodyErr := body(n)
	return n.Close(t, bodyErr)
}

// Scope returns the nursery's owning cancel scope.
func (n *Nursery) Scope() *CancelScope { return n.scope }

// StartSoon schedules a new child task immediately; it never suspends the
// caller (spec.md's no-yield law).
func (n *Nursery) StartSoon(fn Func, name string) *Task {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		panic("kernel: StartSoon called on a closed nursery")
	}
	child := n.host.loop.newTask(name, n)
	n.children[child] = struct{}{}
	n.mu.Unlock()

	child.scopeStack = n.host.scopeStackSnapshot()
	n.scope.addMember(child)
	n.host.loop.launch(child, fn)
	n.host.loop.enqueueRunnable(child, ValueResult(nil))
	return child
}

// TaskStatus lets a task started via Nursery.Start report that it has
// reached a steady state, unblocking the Start caller with value.
type TaskStatus struct {
	nursery *Nursery
	child   *Task
}

// Started unblocks the Start() call that spawned this task, delivering
// value. Calling it more than once, or after the child has already exited,
// is a no-op.
func (s *TaskStatus) Started(value any) {
	caller := s.nursery.popStartWaiter(s.child)
	if caller != nil {
		caller.reschedule(ValueResult(value))
	}
}

// Start schedules a child task and suspends the calling task until the child
// calls TaskStatus.Started, returning the started value. If the child
// terminates first — by returning without starting, or by failing — that
// outcome is delivered to the caller instead (spec.md §4.E).
func (n *Nursery) Start(caller *Task, fn func(t *Task, status *TaskStatus) (any, error), name string) (any, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		panic("kernel: Start called on a closed nursery")
	}
	child := n.host.loop.newTask(name, n)
	n.children[child] = struct{}{}
	n.startWaiters[child] = caller
	n.mu.Unlock()

	child.scopeStack = n.host.scopeStackSnapshot()
	n.scope.addMember(child)

	status := &TaskStatus{nursery: n, child: child}
	n.host.loop.launch(child, func(t *Task) (any, error) { return fn(t, status) })
	n.host.loop.enqueueRunnable(child, ValueResult(nil))

	abort := func(raiseCancel func() error) Outcome {
		// A Start caller can be cancelled like any other wait; the child
		// keeps running as an ordinary nursery child regardless.
		n.popStartWaiter(child)
		return Succeeded
	}
	return caller.waitTaskRescheduled(abort)
}

func (n *Nursery) popStartWaiter(child *Task) *Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	caller, ok := n.startWaiters[child]
	if !ok {
		return nil
	}
	delete(n.startWaiters, child)
	return caller
}

// onChildDone is invoked by the run loop when a child task terminates.
func (n *Nursery) onChildDone(child *Task, value any, err error) {
	if caller := n.popStartWaiter(child); caller != nil {
		if err != nil {
			caller.reschedule(ErrorResult(err))
		} else {
			caller.reschedule(ValueResult(value))
		}
	} else if err != nil {
		n.mu.Lock()
		n.pendingErrs = append(n.pendingErrs, err)
		n.mu.Unlock()
		var c Cancelled
		if !errors.As(err, &c) {
			n.scope.Cancel()
		}
	}

	n.scope.removeMember(child)

	n.mu.Lock()
	delete(n.children, child)
	remaining := len(n.children)
	n.mu.Unlock()

	if remaining == 0 {
		n.joinLot.UnparkAll()
	}
}

// join blocks the host task until the child set is empty. It cannot be
// interrupted by cancellation: a nursery's host task is suspended inside its
// exit protocol whenever it has unterminated children, full stop (spec.md
// §3's nursery invariant).
func (n *Nursery) join(t *Task) {
	for {
		n.mu.Lock()
		remaining := len(n.children)
		n.mu.Unlock()
		if remaining == 0 {
			return
		}
		n.joinLot.ParkUninterruptible(t)
	}
}

// Close drives the nursery's exit protocol (spec.md §4.E): wait for every
// child, then combine bodyErr with whatever the children raised. It is the
// counterpart to OpenNursery for callers that manage their own body/defer
// structure instead of using RunInNursery.
func (n *Nursery) Close(t *Task, bodyErr error) error {
	n.join(t)

	n.mu.Lock()
	n.closed = true
	all := append([]error(nil), n.pendingErrs...)
	n.mu.Unlock()

	if bodyErr != nil {
		all = append([]error{bodyErr}, all...)
	}

	t.popScope(n.scope)
	n.scope.removeMember(t)

	if len(all) == 0 {
		return nil
	}

	// "If only Cancelled remain and the nursery's scope caught them, exit is
	// clean" (spec.md §4.E) — this only applies when a single Cancelled is
	// the entirety of what propagated; a Cancelled alongside a real failure
	// (spec.md §8 scenario 3) is kept in the aggregate, not swallowed.
	if len(all) == 1 && n.scope.CancelCalled() {
		var c Cancelled
		if errors.As(all[0], &c) && c.Scope == n.scope {
			n.scope.mu.Lock()
			n.scope.cancelledCaught = true
			n.scope.mu.Unlock()
			return nil
		}
	}
	return newMultiError(all)
}
