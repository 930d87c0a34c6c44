package reactor_test

import (
	"syscall"
	"testing"

	"github.com/vhostloop/vhostloopd/reactor"
)

func TestRegisterFiresOnReadable(t *testing.T) {
	t.Parallel()

	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	polls := 0
	r, err := reactor.New(func() { polls++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	fired := false
	if err := r.Register(fds[0], func(fd int) {
		fired = true

		var buf [1]byte
		syscall.Read(fd, buf[:])
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := syscall.Write(fds[1], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := r.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if !fired {
		t.Fatalf("expected callback to fire for readable fd")
	}

	if polls != 1 {
		t.Fatalf("expected poll callback once per Tick, got %d", polls)
	}
}

func TestTickAlwaysPollsEvenWithoutIO(t *testing.T) {
	t.Parallel()

	polls := 0
	r, err := reactor.New(func() { polls++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if polls != 1 {
		t.Fatalf("expected poll to run once with no registered descriptors, got %d", polls)
	}
}

func TestUnregisterStopsCallback(t *testing.T) {
	t.Parallel()

	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	r, err := reactor.New(func() {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Register(fds[0], func(fd int) { t.Fatalf("callback should not fire after Unregister") }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Unregister(fds[0]); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	syscall.Write(fds[1], []byte{1})

	if err := r.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}
