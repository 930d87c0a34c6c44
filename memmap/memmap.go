// Package memmap owns the table of guest memory regions installed by
// SET_MEM_TABLE and translates addresses between the three address spaces a
// region lives in: guest-physical, monitor userspace, and host-mapped.
package memmap

import (
	"fmt"
	"syscall"

	"github.com/vhostloop/vhostloopd/shm"
)

// MaxRegions bounds the number of regions a single SET_MEM_TABLE request may
// install, matching the payload's fixed-size region array.
const MaxRegions = 8

// Region describes one mapped slice of guest memory under its three
// synchronized address-space identities.
type Region struct {
	GuestPhysAddr uint64
	UserspaceAddr uint64
	Size          uint64
	HostAddr      []byte
	fd            int
}

// end returns the first guest-physical address past the region.
func (r Region) end() uint64 { return r.GuestPhysAddr + r.Size }

// Map holds the active region table. Regions are never split, merged, or
// aged; SET_MEM_TABLE truncates and rebuilds the whole table atomically.
type Map struct {
	regions []Region
}

// New returns an empty memory map.
func New() *Map {
	return &Map{}
}

// RegionSpec is one incoming region from a SET_MEM_TABLE payload, paired with
// the descriptor the monitor sent for it (or -1 if none arrived).
type RegionSpec struct {
	GuestPhysAddr uint64
	UserspaceAddr uint64
	Size          uint64
	MmapOffset    uint64
	FD            int
}

// Reset tears down every currently mapped region (munmap + close) before the
// map is rebuilt. Errors while unmapping are collected but do not stop the
// teardown of the remaining regions.
func (m *Map) Reset() error {
	var firstErr error

	for i := range m.regions {
		r := &m.regions[i]

		if err := shm.Unmap(r.HostAddr); err != nil && firstErr == nil {
			firstErr = err
		}

		if r.fd >= 0 {
			_ = syscall.Close(r.fd)
		}
	}

	m.regions = nil

	return firstErr
}

// Install replaces the region table with specs, mapping the descriptor of
// each spec that carries one and dropping specs that don't (per SET_MEM_TABLE
// §4.1: "Regions without a valid descriptor are dropped"). The old map is
// torn down first.
func (m *Map) Install(specs []RegionSpec) error {
	if err := m.Reset(); err != nil {
		return fmt.Errorf("memmap: reset before install: %w", err)
	}

	regions := make([]Region, 0, len(specs))

	for _, s := range specs {
		if s.FD < 0 {
			continue
		}

		if len(regions) >= MaxRegions {
			break
		}

		host, err := shm.MapFromFD(s.FD, int(s.Size))
		if err != nil {
			return fmt.Errorf("memmap: map region gpa=%#x: %w", s.GuestPhysAddr, err)
		}

		regions = append(regions, Region{
			GuestPhysAddr: s.GuestPhysAddr,
			UserspaceAddr: s.UserspaceAddr,
			Size:          s.Size,
			HostAddr:      host[s.MmapOffset:],
			fd:            s.FD,
		})
	}

	m.regions = regions

	return nil
}

// Regions returns the currently installed regions, for callers (dirtylog)
// that need to iterate every mapped range.
func (m *Map) Regions() []Region {
	return m.regions
}

// GuestToHost translates a guest-physical address into a host-mapped byte
// slice of at least `length` bytes, or nil if no region covers it.
func (m *Map) GuestToHost(addr uint64, length uint64) []byte {
	for _, r := range m.regions {
		if addr >= r.GuestPhysAddr && addr < r.end() {
			off := addr - r.GuestPhysAddr
			if off+length > r.Size {
				return nil
			}

			return r.HostAddr[off : off+length]
		}
	}

	return nil
}

// UserspaceToHost translates a monitor-userspace address into a host-mapped
// byte slice, or nil if no region covers it. Used only while processing
// SET_VRING_ADDR, where the monitor names ring control structures by its own
// address space rather than the guest's.
func (m *Map) UserspaceToHost(addr uint64) []byte {
	for _, r := range m.regions {
		if addr >= r.UserspaceAddr && addr < r.UserspaceAddr+r.Size {
			off := addr - r.UserspaceAddr

			return r.HostAddr[off:]
		}
	}

	return nil
}
