// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics over the local scope package. It enables incremental migration
// of callers already wired for errgroup's Go/Wait shape without pulling the
// real errgroup into the core library.
package errgroup

import (
	"github.com/nursery-run/nursery/kernel"
	"github.com/nursery-run/nursery/scope"
)

// Group is an errgroup-like wrapper over scope.Scope (FailFast): the first
// task to return a non-nil error cancels every sibling.
type Group struct {
	s *scope.Scope
}

// New opens a Group owned by t. Pass scope.WithTimeout/scope.WithDeadline to
// bound the whole group the way a context-based caller would bound ctx.
func New(t *kernel.Task, opts ...scope.Option) *Group {
	return &Group{s: scope.New(t, scope.FailFast, opts...)}
}

// Go starts a function. It should return a non-nil error to signal failure;
// doing so cancels every other task in the Group.
func (g *Group) Go(f func(t *kernel.Task) error) {
	if f == nil {
		return
	}
	g.s.Go(f)
}

// Wait blocks until every started function has returned. It returns nil on
// success or when the Group was only cancelled via Cancel or its deadline;
// otherwise it returns the failures combined as kernel.CombineErrors does (a
// *kernel.MultiError when there are several, which can include the
// Cancelled errors of the siblings a failure cut short).
func (g *Group) Wait() error {
	return g.s.Wait()
}

// Cancel cancels every task in the Group, the same way a cancelled parent
// context would under the real errgroup.
func (g *Group) Cancel() {
	g.s.Cancel(nil)
}
