// Package vhostuser implements the on-wire framing of the vhost-user control
// protocol: the length-prefixed {request,flags,size} header, the payload
// variants this endpoint recognizes, and SCM_RIGHTS ancillary descriptor
// passing over a UNIX stream socket. It does not itself mutate any session
// state -- that is session's job, driven by the Request codes and payload
// accessors defined here.
package vhostuser

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Request identifies one of the recognized vhost-user control messages.
// Code 0 is reserved (VHOST_USER_NONE); codes 1-16 are the handlers named
// below, matching the sixteen-entry dispatch table of the source this
// protocol is grounded on (its VHOST_USER_MAX=17 bounds the enum at 0..16,
// so any code >= MaxRequest is rejected rather than merely unrecognized).
type Request uint32

const (
	none Request = iota
	GetFeatures
	SetFeatures
	SetOwner
	ResetOwner
	SetMemTable
	SetLogBase
	SetLogFd
	SetVringNum
	SetVringAddr
	SetVringBase
	GetVringBase
	SetVringKick
	SetVringCall
	SetVringErr
	GetProtocolFeatures
	SetProtocolFeatures
	// MaxRequest is the first request code this endpoint rejects as
	// malformed.
	MaxRequest
)

func (r Request) String() string {
	switch r {
	case GetFeatures:
		return "GET_FEATURES"
	case SetFeatures:
		return "SET_FEATURES"
	case SetOwner:
		return "SET_OWNER"
	case ResetOwner:
		return "RESET_OWNER"
	case SetMemTable:
		return "SET_MEM_TABLE"
	case SetLogBase:
		return "SET_LOG_BASE"
	case SetLogFd:
		return "SET_LOG_FD"
	case SetVringNum:
		return "SET_VRING_NUM"
	case SetVringAddr:
		return "SET_VRING_ADDR"
	case SetVringBase:
		return "SET_VRING_BASE"
	case GetVringBase:
		return "GET_VRING_BASE"
	case SetVringKick:
		return "SET_VRING_KICK"
	case SetVringCall:
		return "SET_VRING_CALL"
	case SetVringErr:
		return "SET_VRING_ERR"
	case GetProtocolFeatures:
		return "GET_PROTOCOL_FEATURES"
	case SetProtocolFeatures:
		return "SET_PROTOCOL_FEATURES"
	default:
		return fmt.Sprintf("Request(%d)", uint32(r))
	}
}

// Valid reports whether r is a recognized, non-reserved request code.
func (r Request) Valid() bool {
	return r > none && r < MaxRequest
}

// Header flag bits.
const (
	FlagVersion1     = 1 << 0
	FlagReplyNeeded  = 1 << 2
	headerSize       = 12
	maxFDsPerMessage = 8
)

// Feature bits this endpoint advertises.
const (
	FeatureLogAll           = uint64(1) << 63
	FeatureProtocolFeatures = uint64(1) << 30
)

// Protocol feature bits this endpoint advertises via GET_PROTOCOL_FEATURES.
const ProtocolFeatureLogShmfd = uint64(1) << 0

// SET_VRING_KICK/SET_VRING_CALL payload encoding.
const (
	vringIdxMask  = 0xff
	vringNoFDFlag = 1 << 8
)

var (
	// ErrShortPayload is returned when a payload is smaller than the
	// fixed size its request code requires.
	ErrShortPayload = errors.New("vhostuser: payload too short for request")
	// ErrTooManyRegions is returned when a SET_MEM_TABLE payload claims
	// more regions than its fixed-size array holds.
	ErrTooManyRegions = errors.New("vhostuser: memory payload exceeds region capacity")
)

// U64Payload decodes an 8-byte payload (GET_FEATURES reply input, the
// SET_FEATURES value, and the SET_VRING_KICK/CALL encoding).
func U64Payload(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, ErrShortPayload
	}

	return binary.LittleEndian.Uint64(payload[:8]), nil
}

// EncodeU64 builds an 8-byte payload from a u64 value.
func EncodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return buf
}

// VringIndex splits a SET_VRING_KICK/SET_VRING_CALL u64 payload into its
// queue index and whether a descriptor accompanies it.
func VringIndex(v uint64) (idx int, hasFD bool) {
	return int(v & vringIdxMask), v&vringNoFDFlag == 0
}

// StatePayload is the {index,num} payload shared by SET_VRING_NUM,
// SET_VRING_BASE, and GET_VRING_BASE.
type StatePayload struct {
	Index uint32
	Num   uint32
}

// DecodeState parses a StatePayload.
func DecodeState(payload []byte) (StatePayload, error) {
	if len(payload) < 8 {
		return StatePayload{}, ErrShortPayload
	}

	return StatePayload{
		Index: binary.LittleEndian.Uint32(payload[0:4]),
		Num:   binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// Encode serializes a StatePayload.
func (s StatePayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], s.Index)
	binary.LittleEndian.PutUint32(buf[4:8], s.Num)

	return buf
}

// AddrPayload is the SET_VRING_ADDR payload.
type AddrPayload struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// DecodeAddr parses an AddrPayload.
func DecodeAddr(payload []byte) (AddrPayload, error) {
	if len(payload) < 40 {
		return AddrPayload{}, ErrShortPayload
	}

	return AddrPayload{
		Index:         binary.LittleEndian.Uint32(payload[0:4]),
		Flags:         binary.LittleEndian.Uint32(payload[4:8]),
		DescUserAddr:  binary.LittleEndian.Uint64(payload[8:16]),
		UsedUserAddr:  binary.LittleEndian.Uint64(payload[16:24]),
		AvailUserAddr: binary.LittleEndian.Uint64(payload[24:32]),
		LogGuestAddr:  binary.LittleEndian.Uint64(payload[32:40]),
	}, nil
}

// MemoryRegion is one entry of a SET_MEM_TABLE payload's region array.
type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	MmapOffset    uint64
}

// MaxRegionsInPayload bounds the fixed-size region array carried by a
// SET_MEM_TABLE payload.
const MaxRegionsInPayload = 8

// regionEncodedSize is the on-wire size of one MemoryRegion entry.
const regionEncodedSize = 32

// DecodeMemoryTable parses the SET_MEM_TABLE payload's region count and
// array. The descriptors that rode along with the message are not part of
// the payload; the caller pairs them with the regions by index.
func DecodeMemoryTable(payload []byte) ([]MemoryRegion, error) {
	if len(payload) < 8 {
		return nil, ErrShortPayload
	}

	nregions := binary.LittleEndian.Uint32(payload[0:4])
	if nregions > MaxRegionsInPayload {
		return nil, ErrTooManyRegions
	}

	need := 8 + int(nregions)*regionEncodedSize
	if len(payload) < need {
		return nil, ErrShortPayload
	}

	regions := make([]MemoryRegion, nregions)

	for i := range regions {
		off := 8 + i*regionEncodedSize
		regions[i] = MemoryRegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(payload[off : off+8]),
			MemorySize:    binary.LittleEndian.Uint64(payload[off+8 : off+16]),
			UserspaceAddr: binary.LittleEndian.Uint64(payload[off+16 : off+24]),
			MmapOffset:    binary.LittleEndian.Uint64(payload[off+24 : off+32]),
		}
	}

	return regions, nil
}
