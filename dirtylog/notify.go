package dirtylog

import "syscall"

// notify writes the eventfd counter increment 1 to fd.
func notify(fd int) error {
	var buf [8]byte
	buf[0] = 1

	_, err := syscall.Write(fd, buf[:])

	return err
}
