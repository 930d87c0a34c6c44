// Package shm maps file descriptors received from the vhost-user monitor into
// the server's address space. It is the one place raw mmap/munmap syscalls are
// made; memmap and dirtylog both build on top of it instead of calling
// syscall.Mmap directly.
package shm

import (
	"fmt"
	"syscall"
)

// MapFromFD maps size bytes of fd as a shared read/write region and returns
// the host byte slice backing it. The descriptor itself is not closed or
// duplicated; the caller decides its lifetime.
func MapFromFD(fd int, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid map size %d", size)
	}

	b, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap fd=%d size=%d: %w", fd, size, err)
	}

	return b, nil
}

// Unmap releases a region previously returned by MapFromFD.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	if err := syscall.Munmap(b); err != nil {
		return fmt.Errorf("shm: munmap: %w", err)
	}

	return nil
}
