package vhostuser

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Message is one decoded vhost-user control message: the header plus its
// raw payload bytes and any ancillary descriptors that rode along with it.
type Message struct {
	Request Request
	Flags   uint32
	Payload []byte
	FDs     []int
}

// ReplyNeeded reports whether the peer set the reply-needed header bit.
// This endpoint does not currently gate replies on it (every handler that
// must reply always does), but it is preserved for diagnostics.
func (m *Message) ReplyNeeded() bool {
	return m.Flags&FlagReplyNeeded != 0
}

// ReadMessage decodes one message from conn: the 12-byte header (with any
// SCM_RIGHTS ancillary descriptors that accompanied it) followed by its
// payload, if any. Returns io.EOF when the peer has closed the socket.
func ReadMessage(conn *net.UnixConn) (*Message, error) {
	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerMessage*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(hdr, oob)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, io.EOF
	}

	if n < headerSize {
		return nil, fmt.Errorf("vhostuser: short header read (%d bytes)", n)
	}

	req := Request(binary.LittleEndian.Uint32(hdr[0:4]))
	flags := binary.LittleEndian.Uint32(hdr[4:8])
	size := binary.LittleEndian.Uint32(hdr[8:12])

	fds, err := parseFDs(oob[:oobn])
	if err != nil {
		return nil, err
	}

	var payload []byte

	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, fmt.Errorf("vhostuser: read payload (request=%s size=%d): %w", req, size, err)
		}
	}

	return &Message{Request: req, Flags: flags, Payload: payload, FDs: fds}, nil
}

// WriteMessage frames and sends a reply: the header with size set to
// len(payload), followed by payload itself. Replies never carry ancillary
// descriptors in this protocol subset.
func WriteMessage(conn *net.UnixConn, req Request, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(req))
	binary.LittleEndian.PutUint32(hdr[4:8], FlagVersion1)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	if _, err := conn.Write(hdr); err != nil {
		return fmt.Errorf("vhostuser: write header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("vhostuser: write payload: %w", err)
		}
	}

	return nil
}

// parseFDs extracts SCM_RIGHTS file descriptors from raw out-of-band
// control message bytes.
func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: parse control message: %w", err)
	}

	var fds []int

	for _, msg := range msgs {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}

		fds = append(fds, rights...)
	}

	return fds, nil
}
