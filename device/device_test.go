package device_test

import (
	"bytes"
	"testing"

	"github.com/vhostloop/vhostloopd/device"
)

func TestLoopbackEchoesTransmittedPayload(t *testing.T) {
	t.Parallel()

	d := device.NewLoopback()

	if _, ok := d.Poll(); ok {
		t.Fatalf("expected no pending packet before any Avail call")
	}

	payload := []byte("hello world")
	if err := d.Avail(payload); err != nil {
		t.Fatalf("Avail: %v", err)
	}

	packet, ok := d.Poll()
	if !ok {
		t.Fatalf("expected a pending packet after Avail")
	}

	if len(packet) != device.VirtioNetHdrLen+len(payload) {
		t.Fatalf("unexpected packet length %d", len(packet))
	}

	if !bytes.Equal(packet[device.VirtioNetHdrLen:], payload) {
		t.Fatalf("payload mismatch: %q", packet[device.VirtioNetHdrLen:])
	}

	if _, ok := d.Poll(); ok {
		t.Fatalf("expected Poll to drain the pending packet")
	}
}

func TestLoopbackKeepsOnlyMostRecentPacket(t *testing.T) {
	t.Parallel()

	d := device.NewLoopback()

	d.Avail([]byte("first"))
	d.Avail([]byte("second"))

	packet, ok := d.Poll()
	if !ok {
		t.Fatalf("expected a pending packet")
	}

	if !bytes.Equal(packet[device.VirtioNetHdrLen:], []byte("second")) {
		t.Fatalf("expected only the most recent packet, got %q", packet[device.VirtioNetHdrLen:])
	}
}
