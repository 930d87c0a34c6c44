package vhostuser_test

import (
	"net"
	"os"
	"syscall"
)

// socketpair returns two connected *net.UnixConn, standing in for the
// accepted vhost-user control socket in tests without touching the
// filesystem.
func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	a, err := fdToUnixConn(fds[0])
	if err != nil {
		return nil, nil, err
	}

	b, err := fdToUnixConn(fds[1])
	if err != nil {
		return nil, nil, err
	}

	return a, b, nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "socketpair")

	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}

	f.Close()

	return c.(*net.UnixConn), nil
}
