package kernel

import (
	"errors"
	"sync"
	"time"
)

// CancelScope is a nestable region with a deadline and a shield flag — the
// unit of cancellation (spec.md §3, §4.C). Scopes are dynamically nested per
// task (each task keeps its own stack, see Task.scopeStack), but a single
// scope object can have several member tasks when they are all nested inside
// it, e.g. every task spawned into a Nursery shares the nursery's scope.
type CancelScope struct {
	mu sync.Mutex

	id   uint64
	loop *Loop

	deadline time.Time // zero means +∞
	shield   bool

	cancelCalled    bool
	cancelledCaught bool

	members map[*Task]struct{}

	// heapGen is bumped whenever deadline changes, so a stale deadline-heap
	// entry (spec.md §3's "lazy invalidation") can be recognised and dropped
	// when popped instead of acted on.
	heapGen uint64
}

func newCancelScope(l *Loop, deadline time.Time, shield bool) *CancelScope {
	return &CancelScope{
		id:       l.nextScopeID(),
		loop:     l,
		deadline: deadline,
		shield:   shield,
		members:  make(map[*Task]struct{}),
	}
}

// OpenCancelScope enters a new cancel scope on t's stack and registers t as
// its sole initial member (spec.md §4.C). The returned scope must be closed,
// in LIFO order relative to any other scope t has entered, by the scope's
// unexported close method with the body's outcome, as RunInCancelScope and
// Nursery.Close do; code outside this package enters scopes through
// RunInCancelScope, MoveOnAfter, MoveOnAt or OpenNursery.
func OpenCancelScope(t *Task, deadline time.Time, shield bool) *CancelScope {
	s := newCancelScope(t.loop, deadline, shield)
	s.members[t] = struct{}{}
	t.pushScope(s)
	if !deadline.IsZero() {
		t.loop.scheduleDeadline(s)
	}
	return s
}

// RunInCancelScope runs body inside a freshly opened cancel scope and
// implements the scope's exit protocol (spec.md §4.C): if the scope's
// cancel_called is set and body returned a Cancelled whose Scope is this
// scope, the error is swallowed and CancelledCaught() becomes true; any other
// error (including a Cancelled naming a different scope) passes through
// unchanged.
func RunInCancelScope(t *Task, deadline time.Time, shield bool, body func(s *CancelScope) error) (*CancelScope, error) {
	s := OpenCancelScope(t, deadline, shield)
	err := body(s)
	return s, s.close(t, err)
}

// MoveOnAfter is sugar for a scope with deadline = now+d (spec.md §5).
func MoveOnAfter(t *Task, d time.Duration, body func(s *CancelScope) error) (*CancelScope, error) {
	return RunInCancelScope(t, t.loop.clock.Now().Add(d), false, body)
}

// MoveOnAt is sugar for a scope with an absolute deadline (spec.md §5).
func MoveOnAt(t *Task, at time.Time, body func(s *CancelScope) error) (*CancelScope, error) {
	return RunInCancelScope(t, at, false, body)
}

func (s *CancelScope) close(t *Task, err error) error {
	t.popScope(s)
	s.removeMember(t)

	s.mu.Lock()
	cancelCalled := s.cancelCalled
	s.mu.Unlock()

	var c Cancelled
	if cancelCalled && errors.As(err, &c) && c.Scope == s {
		s.mu.Lock()
		s.cancelledCaught = true
		s.mu.Unlock()
		return nil
	}
	return err
}

// Cancel sets cancel_called and notifies every member task whose effective
// state becomes cancelled as a result (spec.md §4.C).
func (s *CancelScope) Cancel() {
	s.mu.Lock()
	if s.cancelCalled {
		s.mu.Unlock()
		return
	}
	s.cancelCalled = true
	s.heapGen++ // any pending deadline entry for s is now stale
	members := make([]*Task, 0, len(s.members))
	for t := range s.members {
		members = append(members, t)
	}
	s.mu.Unlock()

	s.loop.deliverCancellation(members)
}

// SetDeadline resets the scope's deadline, bumping its generation so any
// stale deadline-heap entry is ignored on pop (spec.md §4.G).
func (s *CancelScope) SetDeadline(at time.Time) {
	s.mu.Lock()
	s.deadline = at
	s.heapGen++
	s.mu.Unlock()
	if !at.IsZero() {
		s.loop.scheduleDeadline(s)
	}
}

// Deadline returns the scope's current deadline (zero means +∞).
func (s *CancelScope) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// SetShield toggles the scope's shield flag and rescans every member task's
// effective cancel state, since flipping it can turn members cancelled or
// uncancelled (spec.md §4.C).
func (s *CancelScope) SetShield(shielded bool) {
	s.mu.Lock()
	s.shield = shielded
	members := make([]*Task, 0, len(s.members))
	for t := range s.members {
		members = append(members, t)
	}
	s.mu.Unlock()

	s.loop.deliverCancellation(members)
}

// Shield reports the scope's current shield flag.
func (s *CancelScope) Shield() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shield
}

// currentHeapGen returns the scope's current deadline generation, used by the
// run loop to recognise a stale deadline-heap entry.
func (s *CancelScope) currentHeapGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heapGen
}

// CancelCalled reports whether Cancel (or deadline expiry) has fired.
func (s *CancelScope) CancelCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalled
}

// CancelledCaught reports whether this scope's exit swallowed a Cancelled.
func (s *CancelScope) CancelledCaught() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledCaught
}

// addMember adds t as an additional member of s (used when a Nursery admits
// a new child into its scope).
func (s *CancelScope) addMember(t *Task) {
	s.mu.Lock()
	s.members[t] = struct{}{}
	cancelled := s.cancelCalled
	s.mu.Unlock()
	if cancelled {
		s.loop.deliverCancellation([]*Task{t})
	}
}

// removeMember drops t from s's membership set (used when a nursery child
// terminates, or on scope close).
func (s *CancelScope) removeMember(t *Task) {
	s.mu.Lock()
	delete(s.members, t)
	s.mu.Unlock()
}
