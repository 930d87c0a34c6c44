// Package vring implements the virtio 1.0 legacy ring memory layout and the
// descriptor-chain walk that moves packets between the guest and the device
// personality. Rings live in guest memory owned by the peer; this package
// treats them as raw byte-slice views with explicit acquire/release ordering
// around the avail.idx/used.idx words rather than as Go-owned objects (see
// the "Pointer-into-shared-memory" design note).
package vring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/vhostloop/vhostloopd/dirtylog"
)

// Queue indices. There are exactly two queues: receive (host→guest) and
// transmit (guest→host).
const (
	RX        = 0
	TX        = 1
	NumQueues = 2
)

// Descriptor flag bits (virtio 1.0 legacy).
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// descSize is the on-wire size of one descriptor table entry: addr(8) +
// len(4) + flags(2) + next(2).
const descSize = 16

// VirtioNetHdrLen is the size of the virtio-net header prefix that rides in
// front of every packet on both queues.
const VirtioNetHdrLen = 12

var (
	// ErrNotReady is returned when a queue has not yet received a
	// SET_VRING_ADDR for its ring pointers.
	ErrNotReady = errors.New("vring: queue not configured")
	// errTranslationMiss marks a descriptor whose address did not resolve
	// to any mapped region; the caller must not let this stall the ring.
	errTranslationMiss = errors.New("vring: descriptor address translation miss")
)

// Translator resolves guest-physical addresses to host-mapped byte slices.
// memmap.Map satisfies this.
type Translator interface {
	GuestToHost(addr uint64, length uint64) []byte
}

// Queue holds the per-virtqueue state: ring size, the three ring views,
// notification descriptors, and the shadow indices the host advances.
type Queue struct {
	Num uint16

	DescTable []byte // Num*16 bytes
	AvailRing []byte // 4 + Num*2 + 2 bytes
	UsedRing  []byte // 4 + Num*8 + 2 bytes

	Kick int
	Call int

	Flags        uint32
	LogGuestAddr uint64

	LastAvailIdx uint16
	LastUsedIdx  uint16
}

// NewQueue returns a queue in its post-reset sentinel state: no kick/call
// descriptor and no ring pointers installed.
func NewQueue() *Queue {
	return &Queue{Kick: -1, Call: -1}
}

// Ready reports whether SET_VRING_ADDR has installed ring pointers and
// SET_VRING_NUM has set a non-zero size.
func (q *Queue) Ready() bool {
	return q.Num > 0 && q.DescTable != nil && q.AvailRing != nil && q.UsedRing != nil
}

// SetAddr installs the translated ring pointers, snapshots LastUsedIdx from
// the ring's current used.idx (when the used ring is present), and records
// the flags/log address from a SET_VRING_ADDR request. A nil pointer leaves
// the queue not Ready.
//
// The LastUsedIdx snapshot is safe only if the peer has not produced used
// entries before negotiating the address -- this is a protocol contract the
// source vhost_server.c also assumes, not something this package enforces at
// runtime.
func (q *Queue) SetAddr(desc, avail, used []byte, flags uint32, logGuestAddr uint64) {
	q.DescTable, q.AvailRing, q.UsedRing = desc, avail, used
	q.Flags = flags
	q.LogGuestAddr = logGuestAddr

	if used != nil {
		q.LastUsedIdx = q.loadUsedIdx()
	}
}

// UsedRingSize returns the byte extent of the used ring's flags, idx and num
// entries -- the part this endpoint writes; the trailing 2-byte avail_event
// field is not included. The session uses it to size the migration log.
func UsedRingSize(num uint16) uint64 {
	return 4 + uint64(num)*8
}

func (q *Queue) loadAvailIdx() uint16 {
	return loadIdx(q.AvailRing)
}

func (q *Queue) loadUsedIdx() uint16 {
	return loadIdx(q.UsedRing)
}

// idxWord returns the naturally aligned 4-byte word holding the idx field at
// ring[2:4], and the bit shift of idx within that little-endian word.
// sync/atomic has no 16-bit operations and requires natural alignment, while
// the virtio layout only guarantees a 2-byte aligned ring base, so the word
// starts at ring[0] or at ring[2].
func idxWord(ring []byte) (*uint32, uint) {
	off := uintptr(unsafe.Pointer(&ring[2])) % 4

	return (*uint32)(unsafe.Pointer(&ring[2-off])), uint(off) * 8
}

// loadIdx performs an acquire-ordered read of the idx field at ring[2:4].
func loadIdx(ring []byte) uint16 {
	p, shift := idxWord(ring)

	return uint16(atomic.LoadUint32(p) >> shift)
}

// storeUsedIdx performs a release-ordered store of the used ring's idx word,
// so every used-ring entry write dominated by it is visible to the peer
// before the index advances.
func (q *Queue) storeUsedIdx(idx uint16) {
	p, shift := idxWord(q.UsedRing)

	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^(0xffff<<shift)|uint32(idx)<<shift) {
			return
		}
	}
}

// desc is one gathered descriptor, already translated to a host slice.
type desc struct {
	gpa   uint64
	host  []byte
	write bool
}

// gatherChain walks the descriptor chain starting at head, following NEXT
// links and expanding one level of INDIRECT, and returns the translated
// buffers in order. Chain length is capped at Num entries; a translation
// miss anywhere in the chain is reported via errTranslationMiss so the
// caller can skip the chain without stalling the ring.
func (q *Queue) gatherChain(head uint16, mem Translator) ([]desc, error) {
	var out []desc

	table := q.DescTable
	idx := head

	for i := 0; i < int(q.Num); i++ {
		if int(idx) >= int(q.Num) {
			return nil, errTranslationMiss
		}

		off := int(idx) * descSize
		addr := binary.LittleEndian.Uint64(table[off : off+8])
		length := binary.LittleEndian.Uint32(table[off+8 : off+12])
		flags := binary.LittleEndian.Uint16(table[off+12 : off+14])
		next := binary.LittleEndian.Uint16(table[off+14 : off+16])

		if flags&descFIndirect != 0 {
			indirect := mem.GuestToHost(addr, uint64(length))
			if indirect == nil {
				return nil, errTranslationMiss
			}

			n := int(length) / descSize
			for j := 0; j < n; j++ {
				ioff := j * descSize
				iaddr := binary.LittleEndian.Uint64(indirect[ioff : ioff+8])
				ilen := binary.LittleEndian.Uint32(indirect[ioff+8 : ioff+12])
				iflags := binary.LittleEndian.Uint16(indirect[ioff+12 : ioff+14])

				host := mem.GuestToHost(iaddr, uint64(ilen))
				if host == nil {
					return nil, errTranslationMiss
				}

				out = append(out, desc{gpa: iaddr, host: host, write: iflags&descFWrite != 0})
			}

			return out, nil
		}

		host := mem.GuestToHost(addr, uint64(length))
		if host == nil {
			return nil, errTranslationMiss
		}

		out = append(out, desc{gpa: addr, host: host, write: flags&descFWrite != 0})

		if flags&descFNext == 0 {
			break
		}

		idx = next
	}

	return out, nil
}

// publishUsed writes one used-ring entry, advances LastUsedIdx with a
// release-ordered store, and marks the entry's bytes dirty in log (when
// non-nil) at the queue's logged guest-physical base.
func (q *Queue) publishUsed(head uint16, length uint32, log *dirtylog.Log) {
	slot := uint32(q.LastUsedIdx) % uint32(q.Num)
	base := 4 + slot*8

	binary.LittleEndian.PutUint32(q.UsedRing[base:base+4], uint32(head))
	binary.LittleEndian.PutUint32(q.UsedRing[base+4:base+8], length)

	if log != nil {
		log.MarkRange(q.LogGuestAddr+uint64(base), 8)
	}

	q.LastUsedIdx++
	q.storeUsedIdx(q.LastUsedIdx)
}

// Pending returns the number of available entries the guest has published
// since LastAvailIdx, computed modulo 2^16 per the ring's native index
// width.
func (q *Queue) Pending() uint16 {
	return q.loadAvailIdx() - q.LastAvailIdx
}

// headAt returns the descriptor head index stored in the available ring at
// the given shadow index.
func (q *Queue) headAt(availIdx uint16) uint16 {
	off := 4 + (uint32(availIdx)%uint32(q.Num))*2

	return binary.LittleEndian.Uint16(q.AvailRing[off : off+2])
}
