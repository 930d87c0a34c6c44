// Package dirtylog implements the migration dirty-page bitmap: a bit array
// mapped from a monitor-supplied descriptor, indexed by guest-physical
// address divided into LogChunk-sized pages, with atomic bit-set so a write
// anywhere in the core can mark a page dirty without additional locking.
package dirtylog

import (
	"sync/atomic"
	"unsafe"

	"github.com/vhostloop/vhostloopd/shm"
)

// LogChunk is the byte granularity of one dirty-log bit.
const LogChunk = 4096

// Log is a host mapping of the monitor's log descriptor, plus an optional
// eventfd used to notify it after a batch of writes.
type Log struct {
	bits     []byte
	fd       int
	EventFD  int
	notified bool
}

// Extent names one guest-physical byte range that may receive writes this
// endpoint needs to log: a memory region, or a queue's used-ring extent.
// Kept as plain data (rather than accepting memmap/vring types directly) so
// this package has no dependency on either -- vring already depends on
// dirtylog, and a cycle must be avoided.
type Extent struct {
	Base uint64
	Size uint64
}

// ComputeSize returns the log size in bytes required to cover every extent,
// per §4.5: the max over (last byte of range / LogChunk) + 1, converted from
// bits to bytes.
func ComputeSize(extents []Extent) uint64 {
	var maxChunks uint64

	for _, e := range extents {
		if e.Size == 0 {
			continue
		}

		last := e.Base + e.Size - 1
		chunks := last/LogChunk + 1

		if chunks > maxChunks {
			maxChunks = chunks
		}
	}

	return (maxChunks + 7) / 8
}

// New maps fd as a size-byte dirty bitmap. The descriptor is not closed;
// per SET_LOG_BASE's contract the dispatcher closes it once mapping has
// been attempted, whether or not it succeeded.
func New(fd int, size uint64) (*Log, error) {
	if size == 0 {
		size = 1
	}

	b, err := shm.MapFromFD(fd, int(size))
	if err != nil {
		return nil, err
	}

	return &Log{bits: b, fd: fd, EventFD: -1, notified: true}, nil
}

// Close unmaps the bitmap. The log eventfd is left open; its owner closes
// it.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}

	err := shm.Unmap(l.bits)
	l.bits = nil

	return err
}

// MarkRange sets every bit covering guest-physical bytes [gpa, gpa+length).
// A nil receiver is a safe no-op, so callers can mark unconditionally
// whether or not logging is enabled.
func (l *Log) MarkRange(gpa uint64, length uint64) {
	if l == nil || length == 0 || len(l.bits) == 0 {
		return
	}

	first := gpa / LogChunk
	last := (gpa + length - 1) / LogChunk

	for c := first; c <= last; c++ {
		setBit(l.bits, c)
	}

	l.notified = false
}

// setBit performs an atomic read-modify-write OR of one bit, via a 4-byte
// aligned CAS loop since the standard library has no atomic byte/uint8
// primitive. Falls back to a plain OR for a bit in the final, possibly
// unaligned tail word -- safe because this core is single-threaded and only
// the reactor goroutine ever writes the log.
func setBit(bits []byte, bitIndex uint64) {
	byteIndex := bitIndex / 8
	if byteIndex >= uint64(len(bits)) {
		return
	}

	bit := byte(1) << (bitIndex % 8)
	wordIndex := byteIndex &^ 3

	if wordIndex+4 > uint64(len(bits)) {
		bits[byteIndex] |= bit

		return
	}

	p := (*uint32)(unsafe.Pointer(&bits[wordIndex]))
	shift := (byteIndex - wordIndex) * 8
	mask := uint32(bit) << shift

	for {
		old := atomic.LoadUint32(p)
		neu := old | mask

		if old == neu || atomic.CompareAndSwapUint32(p, old, neu) {
			return
		}
	}
}

// Bit reports whether the bit for guest-physical chunk index chunk is set,
// exposed for tests and diagnostics.
func (l *Log) Bit(chunk uint64) bool {
	if l == nil {
		return false
	}

	byteIndex := chunk / 8
	if byteIndex >= uint64(len(l.bits)) {
		return false
	}

	return l.bits[byteIndex]&(1<<(chunk%8)) != 0
}

// NotifyIfDue writes 1 to the log eventfd once after a batch of MarkRange
// calls, matching §4.5's "after a batch, if the log eventfd is set, write 1
// to it". Safe to call every reactor tick regardless of whether anything
// was marked.
func (l *Log) NotifyIfDue() error {
	if l == nil || l.notified || l.EventFD < 0 {
		return nil
	}

	l.notified = true

	return notify(l.EventFD)
}
