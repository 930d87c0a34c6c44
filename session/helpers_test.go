package session

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"

	"github.com/vhostloop/vhostloopd/vhostuser"
)

// sendRaw writes a framed control message from the test's perspective as
// the monitor peer, optionally attaching SCM_RIGHTS descriptors -- the one
// piece of the wire protocol vhostuser.WriteMessage does not cover, since
// this endpoint itself never sends descriptors in a reply.
func sendRaw(conn *net.UnixConn, req vhostuser.Request, payload []byte, fds []int) error {
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(req))
	binary.LittleEndian.PutUint32(hdr[4:8], vhostuser.FlagVersion1)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	if _, _, err := conn.WriteMsgUnix(hdr, oob, nil); err != nil {
		return err
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}

	return nil
}
