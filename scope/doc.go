// Package scope provides structured-concurrency sugar over package kernel:
// a Scope owns the tasks it spawns, provides a join point (Wait), and
// propagates cancellation and errors predictably according to a Policy. It
// is a thin, opinionated skin over kernel.Nursery and kernel.CancelScope —
// everything it does bottoms out in the kernel's scheduler.
package scope
