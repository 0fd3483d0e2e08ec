package kernel

import (
	"os"
	"os/signal"
	"sync"
)

// signalGate translates asynchronous host interrupts into synchronous
// delivery at checkpoints (spec.md §4.I): an interrupt arriving while the
// loop is doing its own bookkeeping is deferred to the next task resumption;
// one arriving while a task is protected is deferred until the task leaves
// its protected region.
type signalGate struct {
	loop *Loop

	mu        sync.Mutex
	pending   bool
	sigCh     chan os.Signal
	stopCh    chan struct{}
	protected map[*Task]int // protection depth, supports nested Protect calls
}

func newSignalGate(l *Loop) *signalGate {
	return &signalGate{
		loop:      l,
		protected: make(map[*Task]int),
	}
}

// enable starts listening for the given signals (typically os.Interrupt) and
// forwards them to the loop via a from-thread handoff, so delivery always
// happens on the loop goroutine.
func (g *signalGate) enable(sigs ...os.Signal) {
	if len(sigs) == 0 {
		return
	}
	g.sigCh = make(chan os.Signal, 4)
	g.stopCh = make(chan struct{})
	signal.Notify(g.sigCh, sigs...)
	go func() {
		for {
			select {
			case <-g.sigCh:
				g.loop.FromThread(func() { g.raise() })
			case <-g.stopCh:
				return
			}
		}
	}()
}

func (g *signalGate) disable() {
	if g.stopCh != nil {
		signal.Stop(g.sigCh)
		close(g.stopCh)
	}
}

// raise records that an interrupt is pending. consume then delivers it at
// the next checkpoint reached by a task that is not protected.
func (g *signalGate) raise() {
	g.mu.Lock()
	g.pending = true
	g.mu.Unlock()
}

// consume reports and clears a pending interrupt for t, unless t is
// currently protected.
func (g *signalGate) consume(t *Task) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending {
		return false
	}
	if g.protected[t] > 0 {
		return false
	}
	g.pending = false
	return true
}

// Protect begins a region in which this task will not receive an injected
// Interrupt; Unprotect must be called exactly once per Protect, and nesting
// is supported.
func (t *Task) Protect() {
	g := t.loop.signals
	g.mu.Lock()
	g.protected[t]++
	g.mu.Unlock()
}

// Unprotect ends one level of a previously entered Protect region.
func (t *Task) Unprotect() {
	g := t.loop.signals
	g.mu.Lock()
	if g.protected[t] > 0 {
		g.protected[t]--
		if g.protected[t] == 0 {
			delete(g.protected, t)
		}
	}
	g.mu.Unlock()
}
