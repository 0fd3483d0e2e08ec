package kernel

// Result is the uniform success/failure container passed between the run
// loop and tasks across the suspension boundary (spec.md §4.A): a task is
// always resumed with exactly one Result, whether it asked to be woken with a
// value or the scheduler is injecting a cancellation/interrupt.
type Result struct {
	value any
	err   error
}

// ValueResult packages a successful outcome.
func ValueResult(v any) Result { return Result{value: v} }

// ErrorResult packages a failure outcome. Passing a nil err is equivalent to
// ValueResult(nil).
func ErrorResult(err error) Result {
	if err == nil {
		return Result{}
	}
	return Result{err: err}
}

// Capture runs fn and packages its outcome as a Result.
func Capture(fn func() (any, error)) Result {
	v, err := fn()
	if err != nil {
		return ErrorResult(err)
	}
	return ValueResult(v)
}

// Unwrap returns the carried value, or the carried error. Go has no
// raise-at-call-site mechanism, so — unlike the originating design — callers
// must check the returned error explicitly rather than have it thrown for
// them; this is the idiomatic Go rendering of "unwrap() ... re-raises e".
func (r Result) Unwrap() (any, error) {
	return r.value, r.err
}

// Err reports the carried error, if any, without the value.
func (r Result) Err() error { return r.err }
