package vring

import "syscall"

// Table holds the fixed pair of virtqueues this endpoint exposes: receive
// (index 0) and transmit (index 1).
type Table struct {
	Queues [NumQueues]*Queue
}

// NewTable returns a table with both queues in their sentinel post-reset
// state.
func NewTable() *Table {
	t := &Table{}
	for i := range t.Queues {
		t.Queues[i] = NewQueue()
	}

	return t
}

// Close closes every kick/call descriptor the peer has installed. Called
// once on session shutdown.
func (t *Table) Close() {
	for _, q := range t.Queues {
		if q.Kick >= 0 {
			_ = syscall.Close(q.Kick)
			q.Kick = -1
		}

		if q.Call >= 0 {
			_ = syscall.Close(q.Call)
			q.Call = -1
		}
	}
}

// Signal writes 1 to queue idx's call descriptor, notifying the peer that
// used-ring entries are ready to be consumed.
func (t *Table) Signal(idx int) error {
	q := t.Queues[idx]
	if q.Call < 0 {
		return nil
	}

	var buf [8]byte
	buf[0] = 1

	_, err := syscall.Write(q.Call, buf[:])

	return err
}

// DrainKick reads (and discards) the 8-byte eventfd counter on the kick
// descriptor fd, returning false if the descriptor was closed by the peer
// (a zero-length read).
func DrainKick(fd int) (bool, error) {
	var buf [8]byte

	n, err := syscall.Read(fd, buf[:])
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
