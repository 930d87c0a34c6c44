// Package device defines the pluggable personality behind a virtqueue pair
// and provides the loopback echo personality the distilled spec names as the
// concrete device realized here: packets pulled from the transmit ring are
// handed back on the receive ring.
package device

// Handler is the interface the ring processor drives. Avail is called once
// per consumed transmit chain with its payload, virtio-net header already
// stripped. Poll is called by the event driver on every reactor tick to
// fetch the next packet (header already prepended) to publish on the
// receive queue, if any.
type Handler interface {
	Avail(buf []byte) error
	Poll() (packet []byte, ok bool)
}

// VirtioNetHdrLen is the size of the zeroed virtio-net header this
// personality prepends to every packet it hands back for receive, mirroring
// the header the transmit side stripped.
const VirtioNetHdrLen = 12

// Loopback bounces every transmitted packet back onto the receive path
// through a single-slot buffer, matching the distilled spec's "single-slot
// packet buffer" session resource: only the most recent packet is kept if
// the receive side hasn't drained it yet, rather than queuing.
type Loopback struct {
	pending []byte
}

// NewLoopback returns an empty loopback device.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Avail is invoked per transmit chain; it stashes the payload (re-prefixed
// with a zeroed virtio-net header) to be handed back on the next Poll,
// overwriting whatever was pending.
func (l *Loopback) Avail(buf []byte) error {
	packet := make([]byte, VirtioNetHdrLen+len(buf))
	copy(packet[VirtioNetHdrLen:], buf)
	l.pending = packet

	return nil
}

// Poll returns and clears the pending packet, if any.
func (l *Loopback) Poll() ([]byte, bool) {
	if l.pending == nil {
		return nil, false
	}

	p := l.pending
	l.pending = nil

	return p, true
}
