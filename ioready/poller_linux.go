//go:build linux

package ioready

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nursery-run/nursery/kernel"
)

// epollBackend implements kernel.ReadinessBackend with epoll(7) and an
// eventfd-based wakeup, the same pairing the pack's eventloop package uses
// on Linux.
type epollBackend struct {
	epfd   int
	wakeFd int

	mu    sync.Mutex
	ready map[int32]func() // key(fd, dir) -> ready callback
}

// New returns a ReadinessBackend backed by epoll.
func New() (kernel.ReadinessBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, wakeFd: wakeFd, ready: make(map[int32]func())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     wakeKey,
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}
	return b, nil
}

func epollEvents(dir kernel.Direction) uint32 {
	if dir == kernel.Writable {
		return unix.EPOLLOUT | unix.EPOLLONESHOT
	}
	return unix.EPOLLIN | unix.EPOLLONESHOT
}

// key packs (fd, dir) into the 32-bit space epoll gives back per event,
// since EpollEvent only carries one int32 identifier: the fd is shifted left
// one bit, and the low bit is 0 for readability and 1 for writability. Real fds are never
// negative, so key(fd, dir) never returns a negative value — wakeKey is
// reserved outside that range so it can never collide with a real
// registration, unlike comparing against the wake eventfd's raw OS fd
// (which a registered fd's key could coincidentally equal).
func key(fd int, dir kernel.Direction) int32 {
	if dir == kernel.Writable {
		return int32(fd)<<1 | 1
	}
	return int32(fd) << 1
}

const wakeKey int32 = -1

func (b *epollBackend) Register(fd int, dir kernel.Direction, ready func()) error {
	ev := &unix.EpollEvent{Events: epollEvents(dir), Fd: key(fd, dir)}

	b.mu.Lock()
	b.ready[key(fd, dir)] = ready
	b.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if err := unix.EpollCtl(b.epfd, op, fd, ev); err != nil {
		b.mu.Lock()
		delete(b.ready, key(fd, dir))
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *epollBackend) Unregister(fd int, dir kernel.Direction) {
	b.mu.Lock()
	delete(b.ready, key(fd, dir))
	b.mu.Unlock()
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Poll(timeout time.Duration) error {
	ms := timeoutMillis(timeout)
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	var fired []func()
	b.mu.Lock()
	for i := 0; i < n; i++ {
		fd := events[i].Fd
		if fd == wakeKey {
			continue
		}
		if cb, ok := b.ready[fd]; ok {
			fired = append(fired, cb)
			delete(b.ready, fd)
		}
	}
	b.mu.Unlock()

	b.drainWake()

	for _, cb := range fired {
		cb()
	}
	return nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(b.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (b *epollBackend) Wake() {
	var v [8]byte
	v[0] = 1
	_, _ = unix.Write(b.wakeFd, v[:])
}

func (b *epollBackend) Close() error {
	_ = unix.Close(b.wakeFd)
	return unix.Close(b.epfd)
}
