//go:build linux

package aqlqueue

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// packetBytes is the fixed AQL slot size: 16 dwords, 64 bytes.
const packetBytes = uint64(PacketDwords * 4)

const (
	minRingBytes   = uint64(1024)
	maxRingBytes32 = uint64(1) << 32
)

// Mapping is a virtually-contiguous packet ring, optionally
// double-mapped so that base[i] and base[i+ringSize] alias the same
// physical slot. Base points at the *first* logical copy; for a
// double-mapped ring, Bytes is 2P and writing through base[0:P) is
// observable at base[P:2P) and vice versa.
type Mapping struct {
	Base         unsafe.Pointer
	LogicalBytes uint64 // P
	Bytes        uint64 // P, or 2P when DoubleMapped
	DoubleMapped bool

	unmap func() error
}

// RingMapper is the platform abstraction behind ring allocation: map a
// logical ring size to a (possibly double-mapped) region, and unmap it.
type RingMapper interface {
	Map(logicalBytes uint64, exec bool) (Mapping, error)
	Unmap(m Mapping) error
}

func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// ringSizing enforces that packet capacity is a power of two; minimum
// and maximum byte budgets widen/shrink on legacy GFX7/8 because the
// double-map trick needs whole pages and doubles VA usage.
func ringSizing(requestedPackets uint32, legacy bool, pageSize uint64) (capacityPackets uint32, logicalBytes uint64, err error) {
	if !isPowerOfTwo(requestedPackets) {
		return 0, 0, newQueueError(ErrorInvalidQueueCreation,
			"requested packet count %d is not a power of two", requestedPackets)
	}

	minBytes := minRingBytes
	if legacy && pageSize > minBytes {
		minBytes = pageSize
	}
	maxBytes := maxRingBytes32
	if legacy {
		maxBytes /= 2
	}

	bytes := uint64(requestedPackets) * packetBytes
	if bytes < minBytes {
		bytes = minBytes
	}
	if bytes > maxBytes {
		bytes = maxBytes
	}

	capacityPackets = nextPowerOfTwo(uint32(bytes / packetBytes))
	logicalBytes = uint64(capacityPackets) * packetBytes
	if logicalBytes > maxBytes {
		capacityPackets >>= 1
		logicalBytes = uint64(capacityPackets) * packetBytes
	}
	return capacityPackets, logicalBytes, nil
}

// capabilityHostOnly is a bit in AgentProperties.Capability flagging an
// APU whose ring must be double-mapped through the system allocator
// rather than a process-private memfd ("host-only variant").
const capabilityHostOnly = uint32(1) << 0

// selectRingMapper picks the double-map strategy: memfd-backed double
// mapping on FULL-profile (discrete) legacy parts, a single allocator
// call requesting a double-mapped region on BASE-profile (APU /
// "host-only") legacy parts, and a plain single mapping everywhere
// else.
func selectRingMapper(agent Agent, legacy bool) RingMapper {
	if !legacy {
		return &singleMapper{agent: agent}
	}
	if agent.Properties().Capability&capabilityHostOnly != 0 {
		return &allocatorDoubleMapper{agent: agent}
	}
	return &memfdDoubleMapper{}
}

// singleMapper allocates one P-byte region through the agent's allocator.
// Used for every non-legacy (GFX9+) queue, which needs no double mapping.
type singleMapper struct{ agent Agent }

func (m *singleMapper) Map(logicalBytes uint64, exec bool) (Mapping, error) {
	flags := AllocFlags(0)
	if exec {
		flags |= AllocExecutable
	}
	ptr, err := m.agent.SystemAllocator(uintptr(logicalBytes), uintptr(unix.Getpagesize()), flags)
	if err != nil {
		return Mapping{}, err
	}
	agent := m.agent
	return Mapping{
		Base:         ptr,
		LogicalBytes: logicalBytes,
		Bytes:        logicalBytes,
		unmap:        func() error { agent.SystemDeallocator(ptr); return nil },
	}, nil
}

func (m *singleMapper) Unmap(mp Mapping) error {
	if mp.unmap == nil {
		return nil
	}
	return mp.unmap()
}

// allocatorDoubleMapper delegates double-mapping to the agent's own
// allocator via the DoubleMap flag -- the "host-only variant" that uses
// a single allocator call instead of hand-rolling memfd + two mmaps.
type allocatorDoubleMapper struct{ agent Agent }

func (m *allocatorDoubleMapper) Map(logicalBytes uint64, exec bool) (Mapping, error) {
	flags := AllocDoubleMap
	if exec {
		flags |= AllocExecutable
	}
	ptr, err := m.agent.SystemAllocator(uintptr(logicalBytes), uintptr(unix.Getpagesize()), flags)
	if err != nil {
		return Mapping{}, err
	}
	agent := m.agent
	return Mapping{
		Base:         ptr,
		LogicalBytes: logicalBytes,
		Bytes:        2 * logicalBytes,
		DoubleMapped: true,
		unmap:        func() error { agent.SystemDeallocator(ptr); return nil },
	}, nil
}

func (m *allocatorDoubleMapper) Unmap(mp Mapping) error {
	if mp.unmap == nil {
		return nil
	}
	return mp.unmap()
}

// memfdDoubleMapper implements the double-map procedure directly: an
// anonymous shared-memory object of size P, a reserved 2P virtual
// range, and two MAP_FIXED mappings of the object at offsets 0 and P.
type memfdDoubleMapper struct{}

func (m *memfdDoubleMapper) Map(logicalBytes uint64, exec bool) (Mapping, error) {
	fd, err := unix.MemfdCreate("aqlqueue-ring", unix.MFD_CLOEXEC)
	if err != nil {
		return Mapping{}, fmt.Errorf("aqlqueue: memfd_create: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(logicalBytes)); err != nil {
		return Mapping{}, fmt.Errorf("aqlqueue: ftruncate: %w", err)
	}

	total := 2 * logicalBytes
	reserveAddr, err := mmapRaw(0, total, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return Mapping{}, fmt.Errorf("aqlqueue: reserve double-map VA: %w", err)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec {
		prot |= unix.PROT_EXEC
	}

	if _, err := mmapRaw(reserveAddr, logicalBytes, prot, unix.MAP_SHARED|unix.MAP_FIXED, fd, 0); err != nil {
		_ = munmapRaw(reserveAddr, total)
		return Mapping{}, fmt.Errorf("aqlqueue: map copy 0: %w", err)
	}
	if _, err := mmapRaw(reserveAddr+uintptr(logicalBytes), logicalBytes, prot, unix.MAP_SHARED|unix.MAP_FIXED, fd, 0); err != nil {
		_ = munmapRaw(reserveAddr, total)
		return Mapping{}, fmt.Errorf("aqlqueue: map copy 1: %w", err)
	}

	base := unsafe.Pointer(reserveAddr)
	return Mapping{
		Base:         base,
		LogicalBytes: logicalBytes,
		Bytes:        total,
		DoubleMapped: true,
		unmap:        func() error { return munmapRaw(reserveAddr, total) },
	}, nil
}

func (m *memfdDoubleMapper) Unmap(mp Mapping) error {
	if mp.unmap == nil {
		return nil
	}
	return mp.unmap()
}

func mmapRaw(addr uintptr, length uint64, prot, flags, fd int, offset int64) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func munmapRaw(addr uintptr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// initRingSlots stamps every slot's header INVALID.
func initRingSlots(base unsafe.Pointer, capacityPackets uint32) []RawPacket {
	slots := unsafe.Slice((*RawPacket)(base), capacityPackets)
	for i := range slots {
		slots[i].MarkInvalid()
	}
	return slots
}
