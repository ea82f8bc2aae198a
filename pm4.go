//go:build linux

package aqlqueue

import "unsafe"

// vendorSpecificPacketDwords is the AQL vendor-specific packet size used
// to carry a PM4 indirect-buffer command in-band: the only AQL packet
// type the command processor lets through unmodified to the microcode
// that parses raw PM4.
const vendorSpecificPacketDwords = PacketDwords

// pm4MaxDwords bounds how many PM4 dwords a single AQL vendor-specific
// packet's inline payload can carry before ExecutePM4 must reject it;
// this engine does not build an out-of-line indirect buffer for PM4.
const pm4MaxDwords = vendorSpecificPacketDwords - 4 // header + 3 reserved words

// ExecutePM4 injects a PM4 command in-band on the AQL ring: reserve a
// slot, encode the command per the agent's ISA generation (ISA <= 8
// uses a narrower PM4 packet3 count field than ISA >= 9), write it
// with the completion signal wired in, publish with a release fence,
// and ring the doorbell. q.pm4Mu serializes PM4 injection against
// itself; ordinary kernel-dispatch producers use their own writeIndex
// reservation and are unaffected.
func (q *Queue) ExecutePM4(pm4 []uint32, completion Signal) error {
	if q.agent.ISA().MajorVersion < 7 {
		return ErrNotSupported
	}
	if len(pm4) > pm4MaxDwords {
		return ErrPM4TooLarge
	}

	q.pm4Mu.Lock()
	defer q.pm4Mu.Unlock()

	index := q.AddWriteIndexAcqRel(1)

	var raw RawPacket
	encodePM4Slot(&raw, q.agent.ISA(), pm4, completion)
	q.WritePacket(index, &raw)

	slot := q.slotFor(index)
	slot.setHeader(PacketHeaderWord(PacketTypeVendorSpecific))

	q.Ring(index + 1)
	return nil
}

// encodePM4Slot lays the PM4 payload into the vendor-specific packet's
// dword body, starting at dword 2 after the count word; the completion
// signal handle occupies the last two dwords. ISA <= 8 parts expect the
// PM4 packet3 count field in the
// low 14 bits of dword 1 (matching the classic PM4 PACKET3 header);
// ISA >= 9 widened that field.
func encodePM4Slot(raw *RawPacket, isa ISA, pm4 []uint32, completion Signal) {
	body := raw[2:]
	copy(body, pm4)

	if isa.MajorVersion <= 8 {
		raw[1] = (raw[1] &^ 0x3FFF) | (uint32(len(pm4)) & 0x3FFF)
	} else {
		raw[1] = (raw[1] &^ 0xFFFF) | (uint32(len(pm4)) & 0xFFFF)
	}

	if completion != nil {
		completionPtr := completionSignalHandle(completion)
		raw[PacketDwords-2] = uint32(completionPtr)
		raw[PacketDwords-1] = uint32(completionPtr >> 32)
	}
}

// completionSignalHandle extracts a wire-compatible 64-bit handle from
// a Signal for embedding in the packet's CompletionSignal field. The
// reference simSignal backend has no stable address contract beyond
// its own pointer identity, which is sufficient for in-process tests;
// a real signal backend would export its kernel-visible handle here
// instead.
func completionSignalHandle(s Signal) uint64 {
	type pointerIdentity interface{ pointerHandle() uintptr }
	if p, ok := s.(pointerIdentity); ok {
		return uint64(p.pointerHandle())
	}
	if p, ok := s.(*simSignal); ok {
		return uint64(uintptr(unsafe.Pointer(p)))
	}
	return uint64(uintptr(unsafe.Pointer(&s)))
}
