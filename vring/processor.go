package vring

import "github.com/vhostloop/vhostloopd/dirtylog"

// AvailSink receives the payload of one transmit chain, header already
// stripped. It is deliberately a narrow interface (rather than importing the
// device package) so vring has no dependency on any particular device
// personality.
type AvailSink interface {
	Avail(buf []byte) error
}

// ConsumeTransmit drains every entry the guest has published on the
// transmit queue since the last call, hands each chain's read-segment (minus
// the virtio-net header) to sink, and publishes a zero-length used-ring
// entry for each -- the transmit direction never writes into guest memory,
// so per the virtio convention the used length is always 0. Returns the
// number of chains consumed.
func ConsumeTransmit(q *Queue, mem Translator, log *dirtylog.Log, sink AvailSink) int {
	if !q.Ready() {
		return 0
	}

	count := 0

	for q.Pending() > 0 {
		head := q.headAt(q.LastAvailIdx)

		descs, err := q.gatherChain(head, mem)
		if err == nil {
			var buf []byte
			for _, d := range descs {
				if !d.write {
					buf = append(buf, d.host...)
				}
			}

			if len(buf) >= VirtioNetHdrLen {
				buf = buf[VirtioNetHdrLen:]
			} else {
				buf = nil
			}

			_ = sink.Avail(buf)
		}

		// Translation misses and sink errors both still consume the head so
		// the ring never stalls; only the used length differs (always 0
		// here either way, since TX writes nothing into guest memory).
		q.publishUsed(head, 0, log)
		q.LastAvailIdx++
		count++
	}

	return count
}

// BufferSize bounds both a single receive packet (virtio-net header +
// payload) and the total write-segment length of the receive chain it is
// copied into; PublishReceive drops either when it is larger.
const BufferSize = 65536

// PublishReceive writes payload (header already included by the caller, per
// the device personality's contract) into the next available buffer on the
// receive queue and publishes the used entry with the number of bytes
// actually written. Returns false if no buffer was available, the payload
// exceeds BufferSize, or the chain's write-segment total exceeds BufferSize
// or fails to translate; in the last two cases the chain is still consumed,
// with a zero-length used entry.
func PublishReceive(q *Queue, mem Translator, log *dirtylog.Log, payload []byte) bool {
	if !q.Ready() || q.Pending() == 0 {
		return false
	}

	if len(payload) > BufferSize {
		return false
	}

	head := q.headAt(q.LastAvailIdx)

	descs, err := q.gatherChain(head, mem)

	writeTotal := 0

	for _, d := range descs {
		if d.write {
			writeTotal += len(d.host)
		}
	}

	if err != nil || writeTotal > BufferSize {
		q.publishUsed(head, 0, log)
		q.LastAvailIdx++

		return false
	}

	remaining := payload

	var written uint32

	for _, d := range descs {
		if !d.write || len(remaining) == 0 {
			continue
		}

		n := copy(d.host, remaining)
		remaining = remaining[n:]
		written += uint32(n)

		if log != nil && n > 0 {
			log.MarkRange(d.gpa, uint64(n))
		}
	}

	q.publishUsed(head, written, log)
	q.LastAvailIdx++

	return true
}
