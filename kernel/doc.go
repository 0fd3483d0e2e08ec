// Package kernel implements a single-threaded, cooperative structured-concurrency
// scheduler: a run loop that multiplexes runnable tasks, I/O readiness and
// timers onto one goroutine, a tree of cancel scopes that computes each
// task's effective cancellation state, and nurseries that give every spawned
// task a bounded, tree-shaped lifetime.
//
// Exactly one task's code runs at any instant. Tasks suspend only by handing
// control back to the loop through one of two traps (cancelShieldedCheckpoint,
// waitTaskRescheduled); every higher-level wait — sleeping, a nursery join, an
// I/O read — bottoms out in one of those two trap sends.
package kernel
