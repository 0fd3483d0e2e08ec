// Package ioready implements kernel.ReadinessBackend on top of the host
// OS's native readiness multiplexer: epoll on linux, kqueue on darwin. Each
// backend satisfies the same register/unregister/poll/wake contract the
// kernel run loop consumes, so passing the backend returned by New as
// kernel.Run(entry, kernel.WithIOWaiter(backend)) is a drop-in replacement
// for the pure-Go timer-only default.
package ioready
