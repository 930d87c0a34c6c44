package session

import (
	"fmt"
	"log"
	"syscall"

	"github.com/vhostloop/vhostloopd/dirtylog"
	"github.com/vhostloop/vhostloopd/memmap"
	"github.com/vhostloop/vhostloopd/vhostuser"
	"github.com/vhostloop/vhostloopd/vring"
)

// dispatch mutates session state for one decoded control message and
// reports the reply payload, if any, and whether a reply must be sent. A
// non-nil error is always treated as fatal to the session -- only malformed
// or out-of-range requests, or a failure to register the transmit kick
// descriptor with the reactor, produce one; mapping failures on individual
// resources are logged and leave the session running with that resource
// disabled, per the degrade-rather-than-abort handling the distilled
// invariants call for.
func (s *Session) dispatch(msg *vhostuser.Message) ([]byte, bool, error) {
	if !msg.Request.Valid() {
		return nil, false, fmt.Errorf("unrecognized request code %d", uint32(msg.Request))
	}

	switch msg.Request {
	case vhostuser.GetFeatures:
		return vhostuser.EncodeU64(vhostuser.FeatureLogAll | vhostuser.FeatureProtocolFeatures), true, nil

	case vhostuser.SetFeatures:
		v, err := vhostuser.U64Payload(msg.Payload)
		if err != nil {
			return nil, false, err
		}

		log.Printf("session: SET_FEATURES %#x accepted, no local feature state to gate", v)

		return nil, false, nil

	case vhostuser.SetOwner:
		log.Printf("session: SET_OWNER (single-owner session, no-op)")

		return nil, false, nil

	case vhostuser.ResetOwner:
		if err := s.resetLog(); err != nil {
			log.Printf("session: RESET_OWNER: unmap log: %v", err)
		}

		return nil, false, nil

	case vhostuser.SetMemTable:
		return nil, false, s.handleSetMemTable(msg)

	case vhostuser.SetLogBase:
		return nil, false, s.handleSetLogBase(msg)

	case vhostuser.SetLogFd:
		return nil, false, s.handleSetLogFd(msg)

	case vhostuser.SetVringNum:
		return nil, false, s.handleSetVringNum(msg)

	case vhostuser.SetVringAddr:
		return nil, false, s.handleSetVringAddr(msg)

	case vhostuser.SetVringBase:
		return nil, false, s.handleSetVringBase(msg)

	case vhostuser.GetVringBase:
		return s.handleGetVringBase(msg)

	case vhostuser.SetVringKick:
		return nil, false, s.handleSetVringKick(msg)

	case vhostuser.SetVringCall:
		return nil, false, s.handleSetVringCall(msg)

	case vhostuser.SetVringErr:
		log.Printf("session: SET_VRING_ERR received, no local error-fd consumer")

		return nil, false, nil

	case vhostuser.GetProtocolFeatures:
		return vhostuser.EncodeU64(vhostuser.ProtocolFeatureLogShmfd), true, nil

	case vhostuser.SetProtocolFeatures:
		v, err := vhostuser.U64Payload(msg.Payload)
		if err != nil {
			return nil, false, err
		}

		log.Printf("session: SET_PROTOCOL_FEATURES %#x accepted", v)

		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("unhandled request code %s", msg.Request)
	}
}

func (s *Session) handleSetMemTable(msg *vhostuser.Message) error {
	regions, err := vhostuser.DecodeMemoryTable(msg.Payload)
	if err != nil {
		return err
	}

	specs := make([]memmap.RegionSpec, len(regions))

	for i, r := range regions {
		fd := -1
		if i < len(msg.FDs) {
			fd = msg.FDs[i]
		}

		specs[i] = memmap.RegionSpec{
			GuestPhysAddr: r.GuestPhysAddr,
			UserspaceAddr: r.UserspaceAddr,
			Size:          r.MemorySize,
			MmapOffset:    r.MmapOffset,
			FD:            fd,
		}
	}

	if err := s.mem.Install(specs); err != nil {
		log.Printf("session: SET_MEM_TABLE: %v, memory table left empty", err)
	}

	return nil
}

func (s *Session) handleSetLogBase(msg *vhostuser.Message) error {
	if err := s.resetLog(); err != nil {
		log.Printf("session: SET_LOG_BASE: unmap previous log: %v", err)
	}

	if len(msg.FDs) == 0 {
		// No descriptor means logging is being disabled; the log stays nil.
		return nil
	}

	if len(msg.FDs) != 1 {
		return fmt.Errorf("SET_LOG_BASE: expected at most one descriptor, got %d", len(msg.FDs))
	}

	fd := msg.FDs[0]
	size := s.logSize()

	l, err := dirtylog.New(fd, size)

	// The descriptor is closed once mapping has been attempted, regardless
	// of outcome: mmap(2) takes its own reference, so the fd is never
	// needed again.
	_ = syscall.Close(fd)

	if err != nil {
		log.Printf("session: SET_LOG_BASE: map log (size=%d): %v, logging disabled", size, err)

		return nil
	}

	l.EventFD = s.logEventFD
	s.log = l

	return nil
}

func (s *Session) handleSetLogFd(msg *vhostuser.Message) error {
	if len(msg.FDs) != 1 {
		return fmt.Errorf("SET_LOG_FD: expected exactly one descriptor, got %d", len(msg.FDs))
	}

	if s.logEventFD >= 0 {
		_ = syscall.Close(s.logEventFD)
	}

	s.logEventFD = msg.FDs[0]

	if s.log != nil {
		s.log.EventFD = s.logEventFD
	}

	return nil
}

func (s *Session) handleSetVringNum(msg *vhostuser.Message) error {
	state, err := vhostuser.DecodeState(msg.Payload)
	if err != nil {
		return err
	}

	if int(state.Index) >= vring.NumQueues {
		return fmt.Errorf("SET_VRING_NUM: index %d out of range", state.Index)
	}

	s.rings.Queues[state.Index].Num = uint16(state.Num)

	return nil
}

func (s *Session) handleSetVringAddr(msg *vhostuser.Message) error {
	addr, err := vhostuser.DecodeAddr(msg.Payload)
	if err != nil {
		return err
	}

	if int(addr.Index) >= vring.NumQueues {
		return fmt.Errorf("SET_VRING_ADDR: index %d out of range", addr.Index)
	}

	q := s.rings.Queues[addr.Index]

	desc := s.translateRing(addr.DescUserAddr, int(q.Num)*16)
	avail := s.translateRing(addr.AvailUserAddr, 4+int(q.Num)*2+2)
	used := s.translateRing(addr.UsedUserAddr, 4+int(q.Num)*8+2)

	if desc == nil || avail == nil || used == nil {
		log.Printf("session: SET_VRING_ADDR: ring %d address translation failed, queue left unready", addr.Index)
	}

	q.SetAddr(desc, avail, used, addr.Flags, addr.LogGuestAddr)

	return nil
}

func (s *Session) handleSetVringBase(msg *vhostuser.Message) error {
	state, err := vhostuser.DecodeState(msg.Payload)
	if err != nil {
		return err
	}

	if int(state.Index) >= vring.NumQueues {
		return fmt.Errorf("SET_VRING_BASE: index %d out of range", state.Index)
	}

	s.rings.Queues[state.Index].LastAvailIdx = uint16(state.Num)

	return nil
}

func (s *Session) handleGetVringBase(msg *vhostuser.Message) ([]byte, bool, error) {
	state, err := vhostuser.DecodeState(msg.Payload)
	if err != nil {
		return nil, false, err
	}

	if int(state.Index) >= vring.NumQueues {
		return nil, false, fmt.Errorf("GET_VRING_BASE: index %d out of range", state.Index)
	}

	q := s.rings.Queues[state.Index]
	reply := vhostuser.StatePayload{Index: state.Index, Num: uint32(q.LastAvailIdx)}

	return reply.Encode(), true, nil
}

func (s *Session) handleSetVringKick(msg *vhostuser.Message) error {
	v, err := vhostuser.U64Payload(msg.Payload)
	if err != nil {
		return err
	}

	idx, hasFD := vhostuser.VringIndex(v)
	if idx >= vring.NumQueues {
		return fmt.Errorf("SET_VRING_KICK: index %d out of range", idx)
	}

	if !hasFD {
		s.polling = true

		return nil
	}

	if len(msg.FDs) != 1 {
		return fmt.Errorf("SET_VRING_KICK: expected one descriptor, got %d", len(msg.FDs))
	}

	q := s.rings.Queues[idx]
	q.Kick = msg.FDs[0]
	s.polling = false

	if idx == vring.TX {
		if err := s.reactor.Register(q.Kick, s.onKick); err != nil {
			return fmt.Errorf("SET_VRING_KICK: register tx kick fd: %w", err)
		}
	}

	return nil
}

func (s *Session) handleSetVringCall(msg *vhostuser.Message) error {
	v, err := vhostuser.U64Payload(msg.Payload)
	if err != nil {
		return err
	}

	idx, hasFD := vhostuser.VringIndex(v)
	if idx >= vring.NumQueues {
		return fmt.Errorf("SET_VRING_CALL: index %d out of range", idx)
	}

	if !hasFD {
		return nil
	}

	if len(msg.FDs) != 1 {
		return fmt.Errorf("SET_VRING_CALL: expected one descriptor, got %d", len(msg.FDs))
	}

	s.rings.Queues[idx].Call = msg.FDs[0]

	return nil
}
