//go:build linux

package ioready

import (
	"os"
	"testing"
	"time"

	"github.com/nursery-run/nursery/kernel"
)

// TestEpollBackendReadable drives the epoll backend directly against a real
// pipe: Register on the read end, write to the write end from a goroutine,
// and confirm Poll invokes the ready callback exactly once.
func TestEpollBackendReadable(t *testing.T) {
	backend, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer backend.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{}, 1)
	if err := backend.Register(int(r.Fd()), kernel.Readable, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go func() { _, _ = w.Write([]byte("x")) }()

	if err := backend.Poll(time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Fatal("expected the readable callback to have fired")
	}
}

// TestEpollBackendWakeUnblocksPoll confirms Wake can interrupt a Poll call
// that has nothing ready to report, the way the run loop's idle goroutine
// relies on it to resume after a concurrent enqueue.
func TestEpollBackendWakeUnblocksPoll(t *testing.T) {
	backend, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer backend.Close()

	done := make(chan error, 1)
	go func() { done <- backend.Poll(-1) }()

	time.AfterFunc(20*time.Millisecond, backend.Wake)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Poll returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after Wake")
	}
}

// TestEpollBackendUnregister confirms a callback never fires once
// Unregister has been called, even if the fd later becomes readable.
func TestEpollBackendUnregister(t *testing.T) {
	backend, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer backend.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	fired := false
	if err := backend.Register(int(r.Fd()), kernel.Readable, func() { fired = true }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	backend.Unregister(int(r.Fd()), kernel.Readable)

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := backend.Poll(50 * time.Millisecond); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fired {
		t.Fatal("unregistered callback fired anyway")
	}
}

// TestWaitReadableThroughKernel exercises the full stack end to end: a task
// blocked in kernel.Task.WaitReadable wakes once another goroutine writes to
// the pipe's write end, proving ioready.New() is a working
// kernel.ReadinessBackend under Run.
func TestWaitReadableThroughKernel(t *testing.T) {
	backend, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("x"))
	}()

	_, runErr := kernel.Run(func(root *kernel.Task) (any, error) {
		return nil, root.WaitReadable(int(r.Fd()))
	}, kernel.WithIOWaiter(backend))
	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
}
