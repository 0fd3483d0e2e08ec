package kernel

import (
	"fmt"
	"sync/atomic"
)

// state is a Task's place in the run loop's bookkeeping (spec.md §4.D).
type state int32

const (
	stateRunnable state = iota
	stateRunning
	stateParked
	stateDone
)

func (s state) String() string {
	switch s {
	case stateRunnable:
		return "runnable"
	case stateRunning:
		return "running"
	case stateParked:
		return "parked"
	case stateDone:
		return "done"
	default:
		return "invalid"
	}
}

// Func is the body a spawned Task executes.
type Func func(t *Task) (any, error)

// Task is a single lightweight computation with a parent nursery, a stack of
// entered cancel scopes, and a suspended/runnable state (spec.md §3, §4.D).
// Tasks are implemented as ordinary goroutines that hand control back to the
// run loop at every suspension point; the loop never lets a second task's
// goroutine proceed until the first has yielded a trap or finished, which is
// what makes "exactly one task executes at any instant" hold.
type Task struct {
	id      uint64
	name    string
	loop    *Loop
	nursery *Nursery // nil only for the root task

	// scopeStack is mutated only by this task's own goroutine (entering and
	// exiting scopes), so it never needs a lock: whenever it is read by the
	// loop for cancellation delivery, this task is guaranteed not RUNNING.
	scopeStack []*CancelScope

	customSleepData any

	// ghostlyDeath is a flag for a task whose coroutine has
	// already returned while its termination is still being finalized by the
	// loop. Nothing in this package sets or reads it, and it has no accessor.
	ghostlyDeath bool

	state      atomic.Int32
	abortFunc  AbortFunc // set only while state == stateParked

	// awaitingReschedule guards the "at most one reschedule per park" rule
	// (spec.md §8). It is set immediately before yielding
	// waitTaskRescheduledTrap and cleared by the first (and only permitted)
	// call to reschedule.
	awaitingReschedule atomic.Bool

	resumeCh    chan Result
	trapCh      chan trap
	result      Result
	resultIsSet bool
	systemTask  bool
}

func newTask(id uint64, name string, l *Loop, n *Nursery, system bool) *Task {
	t := &Task{
		id:         id,
		name:       name,
		loop:       l,
		nursery:    n,
		resumeCh:   make(chan Result),
		trapCh:     make(chan trap),
		systemTask: system,
	}
	t.state.Store(int32(stateRunnable))
	return t
}

// ID returns the task's stable identifier.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's diagnostic name, which may be empty.
func (t *Task) Name() string { return t.name }

// Nursery returns the task's owning nursery, or nil for the root/system task.
func (t *Task) Nursery() *Nursery { return t.nursery }

// FromThread posts fn to run on the owning Loop's goroutine, the safe way
// for code running outside the cooperative model (a foreign OS thread, or a
// background goroutine bridging a blocking third-party call) to touch kernel
// state such as t.reschedule (spec.md §5, "foreign-thread entry").
func (t *Task) FromThread(fn func()) { t.loop.FromThread(fn) }

// Clock returns the run loop's configured time source, so sugar built atop
// the kernel (e.g. package scope's WithTimeout) can compute deadlines
// against the same clock the loop itself uses (spec.md §4.G) instead of
// wall-clock time.Now(), which would desync from a mocked clock in tests.
func (t *Task) Clock() Clock { return t.loop.clock }

func (t *Task) getState() state { return state(t.state.Load()) }

func (t *Task) setState(s state) { t.state.Store(int32(s)) }

// waitTaskRescheduled is the lowest-level blocking primitive (spec.md §4.D,
// §9). It sends a waitTaskRescheduledTrap to the loop and blocks until
// reschedule is called on this task exactly once.
func (t *Task) waitTaskRescheduled(abort AbortFunc) (any, error) {
	t.awaitingReschedule.Store(true)
	t.trapCh <- waitTaskRescheduledTrap{abort: abort}
	r := <-t.resumeCh
	return r.Unwrap()
}

// CancelShieldedCheckpoint introduces a schedule point but not a cancel
// point (spec.md §4.D).
func (t *Task) CancelShieldedCheckpoint() error {
	t.trapCh <- cancelShieldedCheckpointTrap{}
	r := <-t.resumeCh
	_, err := r.Unwrap()
	return err
}

// CheckpointIfCancelled raises Cancelled if the task's effective cancel state
// is true, and otherwise does nothing — in particular, it does not yield.
func (t *Task) CheckpointIfCancelled() error {
	if scope, cancelled := t.effectiveCancelScope(); cancelled {
		return Cancelled{Scope: scope}
	}
	return nil
}

// Checkpoint performs a full checkpoint: raise if cancelled, otherwise yield
// control at least once. It is exactly CheckpointIfCancelled followed by
// CancelShieldedCheckpoint (the checkpoint law, spec.md §8).
func (t *Task) Checkpoint() error {
	if err := t.CheckpointIfCancelled(); err != nil {
		return err
	}
	return t.CancelShieldedCheckpoint()
}

// effectiveCancelScope implements the effective-cancel rule (spec.md §4.C):
// scanning from the innermost scope outward, a scope's cancel_called
// contributes only if no scope strictly nearer the stack top is shielded.
// It returns the innermost contributing scope, which becomes the Scope of the
// resulting Cancelled and so decides which scope may swallow it.
func (t *Task) effectiveCancelScope() (*CancelScope, bool) {
	shielded := false
	for i := len(t.scopeStack) - 1; i >= 0; i-- {
		s := t.scopeStack[i]
		s.mu.Lock()
		cancelCalled := s.cancelCalled
		shield := s.shield
		s.mu.Unlock()
		if cancelCalled && !shielded {
			return s, true
		}
		if shield {
			shielded = true
		}
	}
	return nil, false
}

// reschedule delivers result to a parked (or not-yet-run) task exactly once
// and enqueues it as runnable. Calling it twice for the same park is a fatal
// kernel error (spec.md §8: "reschedule is called at most once per
// wait_task_rescheduled invocation").
func (t *Task) reschedule(result Result) {
	if !t.awaitingReschedule.CompareAndSwap(true, false) {
		t.loop.fatalf("reschedule called more than once for task %d", t.id)
		return
	}
	t.abortFunc = nil
	t.setState(stateRunnable)
	t.loop.enqueueRunnable(t, result)
}

// Result returns the task's terminal value/error. It is only meaningful
// once the task has exited; ok is false beforehand.
func (t *Task) Result() (value any, err error, ok bool) {
	if !t.resultIsSet {
		return nil, nil, false
	}
	v, e := t.result.Unwrap()
	return v, e, true
}

func (t *Task) String() string {
	if t.name != "" {
		return fmt.Sprintf("task(%d:%s)", t.id, t.name)
	}
	return fmt.Sprintf("task(%d)", t.id)
}

// scopeStackSnapshot copies this task's current scope stack, for handing to
// a freshly spawned child: a child starts out dynamically nested inside
// every scope its spawner was nested in, not just the nursery's own scope
// (spec.md §4.C — scope nesting follows the task tree, not just the
// immediate nursery).
func (t *Task) scopeStackSnapshot() []*CancelScope {
	return append([]*CancelScope(nil), t.scopeStack...)
}

// pushScope enters a new cancel scope on this task's stack. Must only be
// called by the task's own goroutine.
func (t *Task) pushScope(s *CancelScope) {
	t.scopeStack = append(t.scopeStack, s)
}

// popScope exits the innermost scope, which must be s (LIFO discipline,
// spec.md §4.C: "exiting the scope is only legal ... in LIFO order").
func (t *Task) popScope(s *CancelScope) {
	n := len(t.scopeStack)
	if n == 0 || t.scopeStack[n-1] != s {
		t.loop.fatalf("cancel scope exited out of LIFO order on task %d", t.id)
		return
	}
	t.scopeStack = t.scopeStack[:n-1]
}
