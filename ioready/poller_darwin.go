//go:build darwin

package ioready

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nursery-run/nursery/kernel"
)

// kqueueBackend implements kernel.ReadinessBackend with kqueue(2), waking a
// blocked Poll via a dedicated user filter event (EVFILT_USER) the way the
// pack's eventloop package wakes its darwin poller.
type kqueueBackend struct {
	kq int

	mu    sync.Mutex
	ready map[kqKey]func()
}

type kqKey struct {
	fd  int
	dir kernel.Direction
}

const wakeIdent = 1

// New returns a ReadinessBackend backed by kqueue.
func New() (kernel.ReadinessBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	b := &kqueueBackend{kq: kq, ready: make(map[kqKey]func())}

	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return b, nil
}

func filterFor(dir kernel.Direction) int16 {
	if dir == kernel.Writable {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

func (b *kqueueBackend) Register(fd int, dir kernel.Direction, ready func()) error {
	b.mu.Lock()
	b.ready[kqKey{fd, dir}] = ready
	b.mu.Unlock()

	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filterFor(dir),
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		b.mu.Lock()
		delete(b.ready, kqKey{fd, dir})
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *kqueueBackend) Unregister(fd int, dir kernel.Direction) {
	b.mu.Lock()
	delete(b.ready, kqKey{fd, dir})
	b.mu.Unlock()

	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filterFor(dir), Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil)
}

func (b *kqueueBackend) Poll(timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	events := make([]unix.Kevent_t, 64)
	n, err := unix.Kevent(b.kq, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	var fired []func()
	b.mu.Lock()
	for i := 0; i < n; i++ {
		ev := events[i]
		if ev.Ident == wakeIdent && ev.Filter == unix.EVFILT_USER {
			continue
		}
		dir := kernel.Readable
		if ev.Filter == unix.EVFILT_WRITE {
			dir = kernel.Writable
		}
		k := kqKey{int(ev.Ident), dir}
		if cb, ok := b.ready[k]; ok {
			fired = append(fired, cb)
			delete(b.ready, k)
		}
	}
	b.mu.Unlock()

	for _, cb := range fired {
		cb()
	}
	return nil
}

func (b *kqueueBackend) Wake() {
	trigger := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, _ = unix.Kevent(b.kq, []unix.Kevent_t{trigger}, nil, nil)
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}
