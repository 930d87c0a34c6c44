// Package session ties the protocol dispatcher, memory map, ring table,
// dirty log, device personality, and statistics together into the
// single-threaded cooperative event loop described by the vhost-user
// server's concurrency model: one goroutine reads framed control messages
// off the wire and hands them to this package's dispatcher, while a second,
// session-owned reactor multiplexes the transmit kick eventfd and drives the
// ring processor and receive-side reply path on every tick. The two run
// under an errgroup.Group so Run can report whichever fails first. Only the
// consuming goroutine ever mutates session state -- the reader goroutine
// only decodes bytes into immutable Message values.
package session

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/vhostloop/vhostloopd/device"
	"github.com/vhostloop/vhostloopd/dirtylog"
	"github.com/vhostloop/vhostloopd/memmap"
	"github.com/vhostloop/vhostloopd/reactor"
	"github.com/vhostloop/vhostloopd/stats"
	"github.com/vhostloop/vhostloopd/vhostuser"
	"github.com/vhostloop/vhostloopd/vring"
	"golang.org/x/sync/errgroup"
)

// Session owns every piece of per-connection state: the memory map, ring
// table, dirty log, device personality, and statistics. The reactor holds
// only non-owning back-references via its registered callbacks.
type Session struct {
	conn    *net.UnixConn
	reactor *reactor.Reactor

	mem   *memmap.Map
	rings *vring.Table
	log   *dirtylog.Log
	dev   device.Handler
	stats *stats.Counter

	logEventFD int
	polling    bool
}

// New wires up a fresh session around an accepted or dialed control socket.
func New(conn *net.UnixConn, dev device.Handler) (*Session, error) {
	s := &Session{
		conn:       conn,
		mem:        memmap.New(),
		rings:      vring.NewTable(),
		dev:        dev,
		stats:      stats.New(10 * time.Second),
		logEventFD: -1,
	}

	r, err := reactor.New(s.poll)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s.reactor = r

	return s, nil
}

// Run drives the session until the peer closes the control socket, a fatal
// protocol error occurs, or an I/O error on the control socket ends the
// connection. A failed or zero-length read on the transmit kick descriptor
// only unregisters that descriptor; it does not end the session. It always
// returns after cleaning up.
//
// A dedicated reader goroutine decodes framed control messages into msgCh
// while this goroutine dispatches them and drives the reactor; the two are
// joined with errgroup, matching the teacher's runRestoredVM use of
// errgroup.Group to run a goroutine and collect its first error rather than
// a hand-rolled error channel.
func (s *Session) Run() error {
	msgCh := make(chan *vhostuser.Message, 4)

	g := new(errgroup.Group)

	g.Go(func() error {
		return s.readLoop(msgCh)
	})

	g.Go(func() error {
		return s.consumeLoop(msgCh)
	})

	defer s.close()

	if err := g.Wait(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	return nil
}

// readLoop decodes framed control messages off the wire until the peer
// closes the socket or consumeLoop's exit closes it out from under this
// read -- both are reported as a clean return, not an error, since they are
// the two expected ways the session ends.
func (s *Session) readLoop(msgCh chan<- *vhostuser.Message) error {
	defer close(msgCh)

	for {
		msg, err := vhostuser.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("control socket: %w", err)
		}

		msgCh <- msg
	}
}

// consumeLoop is the single state-mutating goroutine: it dispatches decoded
// messages as they arrive and otherwise drives the reactor tick. Closing the
// control socket on every return path unblocks readLoop's pending read so
// errgroup.Wait observes both goroutines finish.
func (s *Session) consumeLoop(msgCh <-chan *vhostuser.Message) error {
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}

			if err := s.handle(msg); err != nil {
				return fmt.Errorf("fatal on %s: %w", msg.Request, err)
			}
		default:
			if err := s.reactor.Tick(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(msg *vhostuser.Message) error {
	reply, shouldReply, err := s.dispatch(msg)
	if err != nil {
		return err
	}

	if shouldReply {
		return vhostuser.WriteMessage(s.conn, msg.Request, reply)
	}

	return nil
}

// poll is the reactor's per-tick callback: it runs the transmit processor
// when poll mode is active, always attempts a receive-side reply, and
// flushes the dirty-log notification and throughput stats.
func (s *Session) poll() {
	if s.polling {
		s.consumeTransmit()
	}

	s.maybePublishReceive()

	if err := s.log.NotifyIfDue(); err != nil {
		log.Printf("session: log eventfd notify: %v", err)
	}

	s.stats.MaybeLog(time.Now())
}

// txSink adapts the device personality and statistics counter to the narrow
// interface vring.ConsumeTransmit expects.
type txSink struct {
	dev device.Handler
	st  *stats.Counter
}

func (t *txSink) Avail(buf []byte) error {
	err := t.dev.Avail(buf)
	if err == nil {
		t.st.Add(vring.TX, uint64(len(buf)))
	}

	return err
}

func (s *Session) consumeTransmit() {
	q := s.rings.Queues[vring.TX]

	if vring.ConsumeTransmit(q, s.mem, s.log, &txSink{dev: s.dev, st: s.stats}) > 0 {
		if err := s.rings.Signal(vring.TX); err != nil {
			log.Printf("session: signal tx call fd: %v", err)
		}
	}
}

func (s *Session) maybePublishReceive() {
	q := s.rings.Queues[vring.RX]
	if !q.Ready() {
		return
	}

	packet, ok := s.dev.Poll()
	if !ok {
		return
	}

	if !vring.PublishReceive(q, s.mem, s.log, packet) {
		return
	}

	s.stats.Add(vring.RX, uint64(len(packet)))

	if err := s.rings.Signal(vring.RX); err != nil {
		log.Printf("session: signal rx call fd: %v", err)
	}
}

// onKick is the reactor callback bound to the transmit queue's kick
// descriptor: drain its eventfd counter, then process the transmit queue
// once. A zero-length read means the peer closed the kick descriptor.
func (s *Session) onKick(fd int) {
	ok, err := vring.DrainKick(fd)
	if err != nil || !ok {
		if err != nil {
			log.Printf("session: kick fd %d: %v", fd, err)
		}

		_ = s.reactor.Unregister(fd)

		return
	}

	s.consumeTransmit()
}

func (s *Session) resetLog() error {
	if s.log == nil {
		return nil
	}

	err := s.log.Close()
	s.log = nil

	return err
}

// logSize computes the dirty-log size required to cover every mapped memory
// region and every configured ring's used-ring extent.
func (s *Session) logSize() uint64 {
	var extents []dirtylog.Extent

	for _, r := range s.mem.Regions() {
		extents = append(extents, dirtylog.Extent{Base: r.GuestPhysAddr, Size: r.Size})
	}

	for _, q := range s.rings.Queues {
		if q.Num == 0 {
			continue
		}

		extents = append(extents, dirtylog.Extent{Base: q.LogGuestAddr, Size: vring.UsedRingSize(q.Num)})
	}

	return dirtylog.ComputeSize(extents)
}

// translateRing resolves a userspace ring-control address and trims the
// result to the ring's exact byte extent, returning nil if translation
// failed or the mapped region is shorter than required.
func (s *Session) translateRing(uaddr uint64, length int) []byte {
	b := s.mem.UserspaceToHost(uaddr)
	if b == nil || length <= 0 || len(b) < length {
		return nil
	}

	return b[:length]
}

func (s *Session) close() {
	s.rings.Close()

	if err := s.mem.Reset(); err != nil {
		log.Printf("session: unmap memory: %v", err)
	}

	if err := s.resetLog(); err != nil {
		log.Printf("session: unmap log: %v", err)
	}

	if s.logEventFD >= 0 {
		_ = syscall.Close(s.logEventFD)
	}

	if err := s.reactor.Close(); err != nil {
		log.Printf("session: close reactor: %v", err)
	}

	_ = s.conn.Close()
}
