// Command vhostloopd is a vhost-user network backend: it speaks the
// vhost-user control protocol over a UNIX domain socket and loops every
// transmitted packet back onto the receive queue.
package main

import (
	"log"
	"net"
	"os"

	"github.com/vhostloop/vhostloopd/config"
	"github.com/vhostloop/vhostloopd/device"
	"github.com/vhostloop/vhostloopd/session"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("vhostloopd: %s", cfg)

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	if cfg.Listen {
		return listenAndServe(cfg)
	}

	return dialAndServe(cfg)
}

// listenAndServe binds SocketPath and serves one session per accepted
// connection, sequentially: a vhost-user backend serves exactly one
// monitor at a time, and a fresh session is only started once the
// previous one has torn down.
func listenAndServe(cfg *config.Config) error {
	_ = os.Remove(cfg.SocketPath)

	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return err
	}

	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		serve(cfg, conn.(*net.UnixConn))
	}
}

// dialAndServe connects to a monitor that is itself listening on
// SocketPath, serving a single session for the lifetime of that
// connection.
func dialAndServe(cfg *config.Config) error {
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return err
	}

	serve(cfg, conn.(*net.UnixConn))

	return nil
}

func serve(cfg *config.Config, conn *net.UnixConn) {
	s, err := session.New(conn, device.NewLoopback())
	if err != nil {
		log.Printf("vhostloopd: %v", err)
		_ = conn.Close()

		return
	}

	if err := s.Run(); err != nil {
		log.Printf("vhostloopd: session ended: %v", err)
	}
}
