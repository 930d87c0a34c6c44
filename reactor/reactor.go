// Package reactor implements the single-threaded file-descriptor
// multiplexer the session drives: register/unregister a readable descriptor
// with a callback, and a blocking Tick that services whatever becomes ready
// and then runs a poll callback once. Built on epoll via golang.org/x/sys/unix,
// generalizing the teacher's raw ioctl/fcntl wrapper style to epoll_ctl/
// epoll_wait.
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Callback is invoked when a registered descriptor becomes readable.
type Callback func(fd int)

// PollFunc is invoked once per Tick regardless of which descriptors were
// ready, used by the event driver to run the poll-mode fallback and the
// receive-side reply path.
type PollFunc func()

// Reactor is a single-threaded epoll-backed descriptor multiplexer. It is
// not safe for concurrent use -- by design, since the core's only mutator is
// the goroutine driving this Reactor's Run loop.
type Reactor struct {
	epfd      int
	callbacks map[int]Callback
	poll      PollFunc
}

// New creates an epoll instance and installs poll as the per-tick callback.
func New(poll PollFunc) (*Reactor, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	return &Reactor{
		epfd:      fd,
		callbacks: make(map[int]Callback),
		poll:      poll,
	}, nil
}

// Register arms fd for readable events, invoking cb when it becomes ready.
func (r *Reactor) Register(fd int, cb Callback) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}

	r.callbacks[fd] = cb

	return nil
}

// Unregister disarms fd. It is not an error to unregister a descriptor that
// was never registered.
func (r *Reactor) Unregister(fd int) error {
	delete(r.callbacks, fd)

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", fd, err)
	}

	return nil
}

// maxEvents bounds one epoll_wait batch; the session only ever registers a
// handful of descriptors (the transmit kick fd; the control socket is read
// outside the reactor).
const maxEvents = 16

// timeoutMillis bounds how long Tick blocks waiting for a readable
// descriptor before running the poll callback anyway, so poll-mode queues
// and the receive-side reply path make progress even with no I/O activity.
const timeoutMillis = 50

// Tick waits up to timeoutMillis for a registered descriptor to become
// readable, dispatches its callback if one did, then always invokes the
// poll callback exactly once.
func (r *Reactor) Tick() error {
	var events [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(r.epfd, events[:], timeoutMillis)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if cb, ok := r.callbacks[fd]; ok {
			cb(fd)
		}
	}

	if r.poll != nil {
		r.poll()
	}

	return nil
}

// Run drives Tick in a loop until done is closed.
func (r *Reactor) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		if err := r.Tick(); err != nil {
			return err
		}
	}
}

// Close releases the underlying epoll descriptor.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
