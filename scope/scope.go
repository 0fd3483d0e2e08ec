package scope

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nursery-run/nursery/kernel"
)

// Policy controls error propagation behavior in a Scope.
type Policy int

const (
	// FailFast cancels siblings on the first task error or panic and
	// records the cause. This is a kernel.Nursery's native behaviour.
	FailFast Policy = iota
	// Supervisor lets siblings continue despite a task error; errors are
	// aggregated instead of cancelling the scope.
	Supervisor
)

// Option configures a Scope at construction time.
type Option func(*Options)

// Options holds optional settings for Scope construction.
type Options struct {
	// PanicAsError converts a panic inside a task to an error when true;
	// otherwise the panic is re-raised and aborts the whole run.
	PanicAsError bool
	// Observer receives lifecycle events; if nil, hooks are skipped.
	Observer Observer
	// MaxConcurrency bounds concurrent tasks in a scope when > 0.
	MaxConcurrency int
	// Timeout applies a relative deadline to the scope when > 0 (ignored if
	// Deadline is set).
	Timeout time.Duration
	// Deadline applies an absolute deadline to the scope.
	Deadline time.Time
}

func defaultOptions() Options { return Options{PanicAsError: true} }

// WithPanicAsError toggles converting task panics into errors.
func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

// WithObserver attaches an observer for metrics/tracing hooks (nil = disabled).
func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

// WithMaxConcurrency limits the number of concurrent tasks in a scope (n>0).
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithTimeout applies a relative deadline to the scope (ignored if
// WithDeadline is also set).
func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

// WithDeadline applies an absolute deadline to the scope.
func WithDeadline(t time.Time) Option { return func(o *Options) { o.Deadline = t } }

// Observer receives lifecycle events for metrics/tracing.
type Observer interface {
	ScopeCreated()
	ScopeCancelled(cause error)
	ScopeJoined(wait time.Duration)
	TaskStarted()
	TaskFinished(dur time.Duration, err error, panicked bool)
}

// Scope owns a set of tasks spawned into a single kernel.Nursery and
// provides an explicit join point via Wait.
type Scope struct {
	host    *kernel.Task
	nursery *kernel.Nursery
	policy  Policy
	opts    Options
	lim     *Limiter

	mu       sync.Mutex
	firstErr error
	supErrs  []error
	waited   bool
	waitErr  error
}

// New opens a Scope owned by t.
func New(t *kernel.Task, policy Policy, optFns ...Option) *Scope {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	n := kernel.OpenNursery(t)
	if !opts.Deadline.IsZero() {
		n.Scope().SetDeadline(opts.Deadline)
	} else if opts.Timeout > 0 {
		n.Scope().SetDeadline(t.Clock().Now().Add(opts.Timeout))
	}

	s := &Scope{host: t, nursery: n, policy: policy, opts: opts}
	if opts.MaxConcurrency > 0 {
		s.lim = kernel.NewLimiter(int64(opts.MaxConcurrency))
	}
	if opts.Observer != nil {
		opts.Observer.ScopeCreated()
	}
	return s
}

// Go starts a task owned by the Scope.
func (s *Scope) Go(fn func(t *kernel.Task) error) {
	if fn == nil {
		return
	}
	if s.opts.Observer != nil {
		s.opts.Observer.TaskStarted()
	}
	start := time.Now()

	s.nursery.StartSoon(func(t *kernel.Task) (any, error) {
		var err error
		var panicked bool

		if s.lim != nil {
			if acqErr := s.lim.Acquire(t); acqErr != nil {
				err = acqErr
			} else {
				defer s.lim.Release()
			}
		}

		if err == nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				err = fn(t)
			}()
		}

		if s.opts.Observer != nil {
			s.opts.Observer.TaskFinished(time.Since(start), err, panicked)
		}
		if panicked && !s.opts.PanicAsError {
			panic(err)
		}
		return nil, s.settle(err)
	}, "")
}

// Cancel cancels the Scope and records err as the cause if none is set yet.
func (s *Scope) Cancel(err error) {
	s.mu.Lock()
	if s.firstErr == nil && err != nil {
		s.firstErr = err
	}
	cause := s.firstErr
	s.mu.Unlock()

	s.nursery.Scope().Cancel()
	if s.opts.Observer != nil {
		s.opts.Observer.ScopeCancelled(cause)
	}
}

// Wait blocks until all owned tasks complete and returns the recorded error,
// if any, combined per the Scope's Policy. Wait is idempotent: a Nursery's
// exit protocol may only run once, so a second call returns the first call's
// result without touching the nursery again.
func (s *Scope) Wait() error {
	s.mu.Lock()
	if s.waited {
		err := s.waitErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	start := time.Now()
	nurseryErr := s.nursery.Close(s.host, nil)
	if s.opts.Observer != nil {
		s.opts.Observer.ScopeJoined(time.Since(start))
	}

	result := nurseryErr
	if s.policy == Supervisor {
		s.mu.Lock()
		errs := append([]error(nil), s.supErrs...)
		s.mu.Unlock()
		result = kernel.CombineErrors(errs)
	}
	if result == nil {
		// A cause passed to Cancel survives the nursery swallowing the
		// Cancelled it produced; a Cancelled recorded by settle does not.
		s.mu.Lock()
		cause := s.firstErr
		s.mu.Unlock()
		var c kernel.Cancelled
		if cause != nil && !errors.As(cause, &c) {
			result = cause
		}
	}

	s.mu.Lock()
	s.waited = true
	s.waitErr = result
	s.mu.Unlock()
	return result
}

// Child opens a nested Scope, entered by t, inheriting the parent's options.
// Cancelling the parent cancels the child, since the child's cancel scope
// nests inside whatever scopes t already has open.
func (s *Scope) Child(t *kernel.Task, policy Policy, optFns ...Option) *Scope {
	opts := s.opts
	for _, fn := range optFns {
		fn(&opts)
	}
	return New(t, policy, func(o *Options) { *o = opts })
}

// settle records err and decides what (if anything) propagates to the
// owning nursery: FailFast lets it through so the nursery cancels siblings;
// Supervisor swallows it into supErrs instead.
func (s *Scope) settle(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	if s.policy == Supervisor {
		s.supErrs = append(s.supErrs, err)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return err
}
