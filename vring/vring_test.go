package vring_test

import (
	"encoding/binary"
	"testing"

	"github.com/vhostloop/vhostloopd/vring"
)

const queueSize = 256

// fakeMem is a flat byte slice addressed directly by guest-physical offset,
// standing in for memmap.Map in tests that only need translation.
type fakeMem []byte

func (m fakeMem) GuestToHost(addr, length uint64) []byte {
	if addr+length > uint64(len(m)) {
		return nil
	}

	return m[addr : addr+length]
}

type recordingSink struct {
	bufs [][]byte
}

func (s *recordingSink) Avail(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.bufs = append(s.bufs, cp)

	return nil
}

// layout carves a descriptor table, avail ring, and used ring for num
// entries out of a flat guest memory image starting at base, and returns
// the three byte-slice views plus the memory itself.
func layout(num uint16, base uint64, extra int) (mem fakeMem, desc, avail, used []byte) {
	descLen := int(num) * 16
	availLen := 4 + int(num)*2 + 2
	usedLen := 4 + int(num)*8 + 2

	mem = make(fakeMem, int(base)+descLen+availLen+usedLen+extra)
	desc = mem[base : base+uint64(descLen)]
	avail = mem[base+uint64(descLen) : base+uint64(descLen+availLen)]
	used = mem[base+uint64(descLen+availLen) : base+uint64(descLen+availLen+usedLen)]

	return mem, desc, avail, used
}

func TestLoopbackTransmitChain(t *testing.T) {
	t.Parallel()

	mem, descTable, availRing, usedRing := layout(queueSize, 0, 4096)

	q := vring.NewQueue()
	q.Num = queueSize
	q.SetAddr(descTable, availRing, usedRing, 0, 0x10000)

	payloadAddr := uint64(0x2000)
	header := make([]byte, vring.VirtioNetHdrLen)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}

	buf := append(header, payload...)
	copy(mem[payloadAddr:], buf)

	binary.LittleEndian.PutUint64(descTable[0:8], payloadAddr)
	binary.LittleEndian.PutUint32(descTable[8:12], uint32(len(buf)))

	binary.LittleEndian.PutUint16(availRing[2:4], 1) // avail.idx = 1
	binary.LittleEndian.PutUint16(availRing[4:6], 0) // ring[0] = head 0

	sink := &recordingSink{}

	n := vring.ConsumeTransmit(q, mem, nil, sink)
	if n != 1 {
		t.Fatalf("expected 1 chain consumed, got %d", n)
	}

	if len(sink.bufs) != 1 || len(sink.bufs[0]) != 64 {
		t.Fatalf("expected a single 64-byte payload, got %v", sink.bufs)
	}

	for i, b := range sink.bufs[0] {
		if b != byte(i) {
			t.Fatalf("payload mismatch at %d: got %d", i, b)
		}
	}

	usedID := binary.LittleEndian.Uint32(usedRing[4:8])
	usedLen := binary.LittleEndian.Uint32(usedRing[8:12])

	if usedID != 0 || usedLen != 0 {
		t.Fatalf("expected used={id:0,len:0}, got {id:%d,len:%d}", usedID, usedLen)
	}

	if q.LastAvailIdx != 1 {
		t.Fatalf("expected LastAvailIdx 1, got %d", q.LastAvailIdx)
	}

	usedIdx := binary.LittleEndian.Uint16(usedRing[2:4])
	if usedIdx != 1 {
		t.Fatalf("expected used.idx 1, got %d", usedIdx)
	}
}

func TestPublishReceiveWritesPayload(t *testing.T) {
	t.Parallel()

	mem, descTable, availRing, usedRing := layout(queueSize, 0, 4096)

	q := vring.NewQueue()
	q.Num = queueSize
	q.SetAddr(descTable, availRing, usedRing, 0, 0)

	bufAddr := uint64(0x2000)
	binary.LittleEndian.PutUint64(descTable[0:8], bufAddr)
	binary.LittleEndian.PutUint32(descTable[8:12], 128)
	binary.LittleEndian.PutUint16(descTable[12:14], 2) // WRITE

	binary.LittleEndian.PutUint16(availRing[2:4], 1)
	binary.LittleEndian.PutUint16(availRing[4:6], 0)

	payload := append(make([]byte, vring.VirtioNetHdrLen), []byte("hello")...)

	ok := vring.PublishReceive(q, mem, nil, payload)
	if !ok {
		t.Fatalf("expected PublishReceive to succeed")
	}

	got := mem[bufAddr : bufAddr+uint64(len(payload))]
	if string(got[vring.VirtioNetHdrLen:]) != "hello" {
		t.Fatalf("unexpected guest buffer contents: %q", got)
	}

	usedLen := binary.LittleEndian.Uint32(usedRing[8:12])
	if int(usedLen) != len(payload) {
		t.Fatalf("expected used len %d, got %d", len(payload), usedLen)
	}
}

func TestIndexWrapAt65536(t *testing.T) {
	t.Parallel()

	_, descTable, availRing, usedRing := layout(2, 0, 0)

	q := vring.NewQueue()
	q.Num = 2
	q.SetAddr(descTable, availRing, usedRing, 0, 0)
	q.LastAvailIdx = 0xFFFF

	binary.LittleEndian.PutUint16(availRing[2:4], 1) // wraps to 0

	if q.Pending() != 2 {
		t.Fatalf("expected 2 pending entries across the wrap, got %d", q.Pending())
	}
}

func TestTranslationMissSkipsChainWithoutStalling(t *testing.T) {
	t.Parallel()

	mem, descTable, availRing, usedRing := layout(queueSize, 0, 0)

	q := vring.NewQueue()
	q.Num = queueSize
	q.SetAddr(descTable, availRing, usedRing, 0, 0)

	// Descriptor points far outside the mapped memory.
	binary.LittleEndian.PutUint64(descTable[0:8], uint64(len(mem))+1)
	binary.LittleEndian.PutUint32(descTable[8:12], 16)

	binary.LittleEndian.PutUint16(availRing[2:4], 1)
	binary.LittleEndian.PutUint16(availRing[4:6], 0)

	sink := &recordingSink{}

	n := vring.ConsumeTransmit(q, mem, nil, sink)
	if n != 1 {
		t.Fatalf("expected the bad chain to still be consumed, got %d", n)
	}

	if len(sink.bufs) != 0 {
		t.Fatalf("sink should not have been invoked for an unresolvable chain")
	}

	usedLen := binary.LittleEndian.Uint32(usedRing[8:12])
	if usedLen != 0 {
		t.Fatalf("expected zero-length used publish on translation miss, got %d", usedLen)
	}
}
