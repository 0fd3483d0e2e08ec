package kernel

import (
	"errors"
	"fmt"
)

// Cancelled is raised at a task's next checkpoint once its effective cancel
// state becomes true. Per spec.md §7, it is catchable only by its
// originating cancel scope: callers deciding whether to swallow one must
// compare Scope against the scope they are closing (errors.As plus a
// c.Scope == s check), not just the type. User code that catches it must
// propagate it further or the owning scope's exit logic will never observe
// it.
type Cancelled struct {
	// Scope is the cancel scope whose deadline or Cancel() call produced
	// this error. It is load-bearing, not diagnostic-only: it is what lets
	// the correct scope, and only that scope, swallow this error.
	Scope *CancelScope
}

func (Cancelled) Error() string { return "kernel: cancelled" }

// MultiError aggregates concurrent failures gathered from sibling tasks in a
// nursery. It preserves every child error and supports errors.Is/errors.As
// over the whole set via the standard Unwrap() []error contract.
type MultiError struct {
	Errs []error
}

func (m *MultiError) Error() string {
	return errors.Join(m.Errs...).Error()
}

// Unwrap exposes the aggregated errors to errors.Is / errors.As.
func (m *MultiError) Unwrap() []error { return m.Errs }

// newMultiError combines errs into a single error: nil if empty, the sole
// error if there is exactly one, otherwise a *MultiError.
func newMultiError(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		cp := make([]error, len(errs))
		copy(cp, errs)
		return &MultiError{Errs: cp}
	}
}

// CombineErrors combines errs the same way a nursery combines its children's
// errors: nil if empty, the sole error if there is exactly one, otherwise a
// *MultiError. Exported for callers (e.g. package scope) that aggregate
// errors outside of a Nursery's own exit protocol.
func CombineErrors(errs []error) error { return newMultiError(errs) }

// ClosedResourceError is raised by resource adapters (e.g. the I/O wait
// adapter) when the underlying resource was closed out from under a waiter.
type ClosedResourceError struct {
	Resource string
}

func (e *ClosedResourceError) Error() string {
	return fmt.Sprintf("kernel: %s is closed", e.Resource)
}

// BusyResourceError is raised when a second task attempts to wait on a
// resource (e.g. the same fd/direction pair) already claimed by another task.
type BusyResourceError struct {
	Resource string
}

func (e *BusyResourceError) Error() string {
	return fmt.Sprintf("kernel: %s already has a waiter", e.Resource)
}

// ErrRunFinished is the sentinel for use of a Run that has already returned.
// No function in this package returns it.
var ErrRunFinished = errors.New("kernel: run has already finished")

// InternalError wraps a detected invariant violation. It is never expected in
// correct programs; seeing one means the kernel itself (or an abort_func
// misbehaving per spec.md's open question) has broken a scheduler invariant.
// When the run loop records one itself, it does not attempt to continue. The
// default I/O backend also returns one from Register when no backend was
// configured; that one reaches the waiting task as an ordinary error.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string { return "kernel: internal error: " + e.Reason }

// Interrupt represents an asynchronous host interrupt (e.g. SIGINT) injected
// at a task's next checkpoint by the signal gate (spec.md §4.I).
type Interrupt struct{}

func (Interrupt) Error() string { return "kernel: interrupted" }
