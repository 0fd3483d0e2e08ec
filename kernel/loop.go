package kernel

import (
	"container/heap"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// runnable is one entry in the loop's run queue: a task paired with the
// Result it should be resumed with.
type runnable struct {
	task   *Task
	result Result
}

// Loop is the single-threaded run loop (spec.md §4.F): it owns the run
// queue, the deadline heap, the I/O readiness adapter and the signal gate,
// and is the only goroutine that ever decides which task computes next.
type Loop struct {
	clock   Clock
	logger  *slog.Logger
	instr   *instruments
	io      *ioAdapter
	signals *signalGate

	nextTaskIDCounter  atomic.Uint64
	nextScopeIDCounter atomic.Uint64

	mu          sync.Mutex
	runQueue    []runnable
	deadlines   deadlineHeap
	fromThread  []func()
	systemTasks map[*Task]struct{}
	fatal       error

	root       *Task
	rootResult Result
}

// Option configures a Run call, mirroring the teacher's functional-options
// pattern.
type Option func(*Loop)

// WithClock overrides the run loop's time source, primarily for tests.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger overrides the run loop's logger. The default discards every
// record (slog.NewTextHandler writing to io.Discard), so embedding this
// kernel in a library never writes to stderr unless the host opts in.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithInstruments registers one or more Instrument implementations.
func WithInstruments(insts ...Instrument) Option {
	return func(l *Loop) { l.instr.list = append(l.instr.list, insts...) }
}

// WithIOWaiter overrides the default I/O readiness backend, e.g. with an
// ioready epoll/kqueue implementation. Without this option, Run uses a
// minimal pure-Go backend that supports timers but rejects fd registration.
func WithIOWaiter(backend ReadinessBackend) Option {
	return func(l *Loop) { l.io = newIOAdapter(backend) }
}

// WithSignals enables host-interrupt translation (spec.md §4.I) for the
// given signals, typically os.Interrupt.
func WithSignals(sigs ...os.Signal) Option {
	return func(l *Loop) { l.signals.enable(sigs...) }
}

// Run drives entry to completion on a fresh Loop and returns its result.
// entry runs as the root task; Run does not return until the root task (and
// every system task spawned alongside it) has terminated.
func Run(entry Func, opts ...Option) (any, error) {
	l := &Loop{
		clock:       RealClock(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		systemTasks: make(map[*Task]struct{}),
	}
	l.instr = &instruments{loop: l}
	l.signals = newSignalGate(l)

	for _, opt := range opts {
		opt(l)
	}
	if l.io == nil {
		l.io = newIOAdapter(newPollBackend())
	}

	l.instr.beforeRun()
	defer l.instr.afterRun()
	defer l.signals.disable()
	defer l.io.backend.Close()

	root := l.newTask("root", nil)
	l.root = root
	l.launch(root, entry)
	l.enqueueRunnable(root, ValueResult(nil))

	l.runUntilDone()

	if l.fatal != nil {
		return nil, l.fatal
	}
	return l.rootResult.Unwrap()
}

// SpawnSystemTask starts a task outside of any nursery whose failure aborts
// the whole run (spec.md's system-task concept, e.g. a host-interrupt
// monitor). It is not a member of any cancel scope.
func (l *Loop) SpawnSystemTask(fn Func, name string) *Task {
	id := l.nextTaskIDCounter.Add(1)
	t := newTask(id, name, l, nil, true)
	l.mu.Lock()
	l.systemTasks[t] = struct{}{}
	l.mu.Unlock()
	l.instr.taskSpawned(t)
	l.launch(t, fn)
	l.enqueueRunnable(t, ValueResult(nil))
	return t
}

func (l *Loop) newTask(name string, n *Nursery) *Task {
	id := l.nextTaskIDCounter.Add(1)
	t := newTask(id, name, l, n, false)
	l.instr.taskSpawned(t)
	return t
}

func (l *Loop) nextScopeID() uint64 { return l.nextScopeIDCounter.Add(1) }

// launch starts t's goroutine. It blocks on the initial resume before
// running fn, so spawning a task never lets two goroutines compute at once.
func (l *Loop) launch(t *Task, fn Func) {
	go func() {
		<-t.resumeCh

		var result Result
		var panicV any
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicV = r
				}
			}()
			v, err := fn(t)
			if err != nil {
				result = ErrorResult(err)
			} else {
				result = ValueResult(v)
			}
		}()
		t.trapCh <- taskExitTrap{result: result, panicV: panicV}
	}()
}

// enqueueRunnable appends t to the run queue with the Result it should be
// resumed with, and wakes a blocked Poll if one is in progress.
func (l *Loop) enqueueRunnable(t *Task, result Result) {
	l.mu.Lock()
	l.runQueue = append(l.runQueue, runnable{task: t, result: result})
	l.mu.Unlock()
	l.instr.taskScheduled(t)
	l.wake()
}

func (l *Loop) popRunnable() (runnable, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.runQueue) == 0 {
		return runnable{}, false
	}
	item := l.runQueue[0]
	l.runQueue = l.runQueue[1:]
	return item, true
}

func (l *Loop) wake() {
	if l.io != nil {
		l.io.backend.Wake()
	}
}

// fatalf records a detected invariant violation (spec.md §8's "reschedule
// called twice", LIFO scope-exit violations, a misbehaving abort_func, ...).
// The run loop stops at the next opportunity and Run returns this error.
func (l *Loop) fatalf(format string, args ...any) {
	err := &InternalError{Reason: fmt.Sprintf(format, args...)}
	l.mu.Lock()
	if l.fatal == nil {
		l.fatal = err
	}
	l.mu.Unlock()
	l.logger.Error("kernel: fatal scheduler error", "error", err)
	l.wake()
}

// FromThread posts fn to run on the loop goroutine, for safe communication
// from a foreign goroutine or signal handler (spec.md §4.I's rationale).
func (l *Loop) FromThread(fn func()) {
	l.mu.Lock()
	l.fromThread = append(l.fromThread, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) drainFromThread() {
	l.mu.Lock()
	pending := l.fromThread
	l.fromThread = nil
	l.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// runUntilDone is the scheduler's main loop (spec.md §4.F): drain runnable
// tasks one step at a time; when none are runnable, block in Poll until
// readiness, a deadline, or a FromThread wakeup demands attention.
func (l *Loop) runUntilDone() {
	for {
		l.drainFromThread()

		l.mu.Lock()
		fatal := l.fatal
		l.mu.Unlock()
		if fatal != nil {
			return
		}
		if l.root.getState() == stateDone && l.noSystemTasksAlive() {
			return
		}

		if item, ok := l.popRunnable(); ok {
			l.step(item)
			continue
		}
		l.waitForWork()
	}
}

func (l *Loop) noSystemTasksAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.systemTasks) == 0
}

// step resumes exactly one task and blocks until it yields its next trap,
// which is what keeps "only one task computes at a time" true by
// construction: the loop's own goroutine does nothing else in between.
func (l *Loop) step(item runnable) {
	t := item.task
	t.setState(stateRunning)
	l.instr.beforeTaskStep(t)
	t.resumeCh <- item.result
	tr := <-t.trapCh
	l.instr.afterTaskStep(t)
	l.dispatchTrap(t, tr)
}

func (l *Loop) dispatchTrap(t *Task, tr trap) {
	switch v := tr.(type) {
	case cancelShieldedCheckpointTrap:
		var res Result
		if l.signals.consume(t) {
			res = ErrorResult(Interrupt{})
		} else {
			res = ValueResult(nil)
		}
		l.enqueueRunnable(t, res)
	case waitTaskRescheduledTrap:
		t.setState(stateParked)
		t.abortFunc = v.abort
		if scope, cancelled := t.effectiveCancelScope(); cancelled {
			l.invokeAbort(t, scope)
		}
	case taskExitTrap:
		l.finishTask(t, v)
	default:
		l.fatalf("task %d yielded an unrecognised trap %T", t.id, tr)
	}
}

// invokeAbort calls a parked task's abort_func, reconciling its outcome
// (spec.md §4.D, §9): Succeeded means the task is rescheduled right now with
// a Cancelled error; Failed leaves it parked for its original waker.
func (l *Loop) invokeAbort(t *Task, scope *CancelScope) {
	if t.getState() != stateParked {
		return
	}
	abort := t.abortFunc
	if abort == nil {
		return
	}
	raiseCancel := func() error { return Cancelled{Scope: scope} }
	switch abort(raiseCancel) {
	case Succeeded:
		t.abortFunc = nil
		if !t.awaitingReschedule.CompareAndSwap(true, false) {
			l.fatalf("abort_func succeeded but task %d was not awaiting reschedule", t.id)
			return
		}
		t.setState(stateRunnable)
		l.enqueueRunnable(t, ErrorResult(raiseCancel()))
	case Failed:
		// Stays parked; whoever owns this wait must reschedule it later.
		// Clearing abortFunc keeps this park to a single abort attempt.
		t.abortFunc = nil
	default:
		l.fatalf("abort_func returned an invalid Outcome for task %d", t.id)
	}
}

// deliverCancellation is called whenever a scope's cancelled-ness can have
// changed for its members (Cancel, SetShield, or a late addMember):
// recompute each member's effective cancel state and abort it if parked and
// now cancelled (spec.md §4.C).
func (l *Loop) deliverCancellation(members []*Task) {
	for _, t := range members {
		if t.getState() != stateParked {
			continue
		}
		if scope, cancelled := t.effectiveCancelScope(); cancelled {
			l.invokeAbort(t, scope)
		}
	}
}

func (l *Loop) finishTask(t *Task, tr taskExitTrap) {
	t.setState(stateDone)
	t.result = tr.result
	t.resultIsSet = true

	if tr.panicV != nil {
		l.fatalf("task %d panicked: %v", t.id, tr.panicV)
		return
	}

	l.instr.taskExited(t)
	value, err := tr.result.Unwrap()

	if t.nursery != nil {
		t.nursery.onChildDone(t, value, err)
		return
	}
	if t.systemTask {
		l.mu.Lock()
		delete(l.systemTasks, t)
		if err != nil && l.fatal == nil {
			l.fatal = err
		}
		l.mu.Unlock()
		return
	}
	l.rootResult = tr.result
}

// scheduleDeadline pushes s's current deadline onto the heap, tagged with
// its generation so a later SetDeadline or Cancel makes this entry stale
// (spec.md §3's lazy invalidation).
func (l *Loop) scheduleDeadline(s *CancelScope) {
	s.mu.Lock()
	instant := s.deadline
	gen := s.heapGen
	s.mu.Unlock()

	l.mu.Lock()
	heap.Push(&l.deadlines, &deadlineEntry{instant: instant, gen: gen, scope: s})
	l.mu.Unlock()
	l.wake()
}

// peekDeadline returns the earliest still-live deadline in the heap,
// discarding any stale (superseded or cancelled) entries it finds on top.
func (l *Loop) peekDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.deadlines) > 0 {
		top := l.deadlines[0]
		if top.gen != top.scope.currentHeapGen() {
			heap.Pop(&l.deadlines)
			continue
		}
		return top.instant, true
	}
	return time.Time{}, false
}

// computeTimeout returns how long Poll should block: the time until the
// earliest live deadline, or -1 to block until readiness or a wakeup.
func (l *Loop) computeTimeout() time.Duration {
	at, ok := l.peekDeadline()
	if !ok {
		return -1
	}
	d := at.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

// expireDeadlines cancels every scope whose deadline has passed.
func (l *Loop) expireDeadlines() {
	now := l.clock.Now()
	for {
		l.mu.Lock()
		if len(l.deadlines) == 0 {
			l.mu.Unlock()
			return
		}
		top := l.deadlines[0]
		if top.gen != top.scope.currentHeapGen() {
			heap.Pop(&l.deadlines)
			l.mu.Unlock()
			continue
		}
		if top.instant.After(now) {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.deadlines)
		l.mu.Unlock()
		top.scope.Cancel()
	}
}

func (l *Loop) waitForWork() {
	// Every remaining task is parked at this point (the run queue is empty).
	// If the clock can jump and there is a deadline to jump to, do that
	// instead of actually blocking — this is what lets tests using
	// kerneltest.MockClock run in real time near zero regardless of how far
	// in simulated time a Sleep or deadline reaches.
	if at, ok := l.peekDeadline(); ok {
		if aj, isAutoJump := l.clock.(AutoJumpClock); isAutoJump && aj.AdvanceTo(at) {
			l.instr.beforeIOWait(0)
			if err := l.io.backend.Poll(0); err != nil {
				l.logger.Error("kernel: I/O poll failed", "error", err)
			}
			l.instr.afterIOWait(0)
			l.expireDeadlines()
			return
		}
	}

	timeout := l.computeTimeout()
	l.instr.beforeIOWait(timeout)
	if err := l.io.backend.Poll(timeout); err != nil {
		l.logger.Error("kernel: I/O poll failed", "error", err)
	}
	l.instr.afterIOWait(timeout)
	l.expireDeadlines()
}

// pollBackend is the minimal pure-Go ReadinessBackend used when Run is not
// given a WithIOWaiter option: it supports timers and FromThread/Wake
// handoff but has no way to learn fd readiness without OS-specific syscalls,
// so Register always fails. Package ioready supplies the production
// epoll/kqueue backends.
type pollBackend struct {
	wakeCh chan struct{}
}

func newPollBackend() *pollBackend {
	return &pollBackend{wakeCh: make(chan struct{}, 1)}
}

func (b *pollBackend) Register(fd int, dir Direction, ready func()) error {
	return &InternalError{Reason: "no I/O readiness backend configured; pass kernel.WithIOWaiter(...)"}
}

func (b *pollBackend) Unregister(fd int, dir Direction) {}

func (b *pollBackend) Poll(timeout time.Duration) error {
	if timeout < 0 {
		<-b.wakeCh
		return nil
	}
	if timeout == 0 {
		select {
		case <-b.wakeCh:
		default:
		}
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.wakeCh:
	case <-timer.C:
	}
	return nil
}

func (b *pollBackend) Wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *pollBackend) Close() error { return nil }
