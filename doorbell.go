//go:build linux

package aqlqueue

import (
	"sync/atomic"
)

// Doorbell submission. Three hardware variants share one entry point
// (ringDoorbellLocked, called with q.doorbellMu held) and diverge only
// in how the write index reaches the device:
//
//   - DoorbellNativeAQL: a single 64-bit store to the MMIO page. The
//     device itself enforces monotonicity.
//   - DoorbellLegacy64: under doorbellMu, the value is clamped to the
//     ring's current extent before storing, because the legacy KMD
//     doorbell aperture does not reject stale or duplicate writes on
//     its own.
//   - DoorbellLegacyGFX7DW: the same clamp, but the stored value is a
//     dword ring offset rather than a raw dispatch index.
func (q *Queue) ringDoorbellLocked(writeIndex uint64) {
	switch q.doorbellType {
	case DoorbellNativeAQL:
		q.storeDoorbellNativeAQL(writeIndex)
	case DoorbellLegacy64:
		q.storeDoorbellLegacy64(writeIndex)
	case DoorbellLegacyGFX7DW:
		q.storeDoorbellLegacyGFX7DW(writeIndex)
	}
}

// storeDoorbellNativeAQL is the direct case: store the write index to
// the doorbell MMIO address with release semantics, making every
// packet write below it visible to the command processor.
func (q *Queue) storeDoorbellNativeAQL(writeIndex uint64) {
	ptr := (*uint64)(q.doorbellMMIO)
	atomic.StoreUint64(ptr, writeIndex)
}

// storeDoorbellLegacy64 implements the legacy 64-bit-index doorbell: a
// monotonic clamp (never ring backward, never duplicate the last
// value) guarded by the caller's doorbellMu -- read the current
// doorbell value, clamp the candidate to read_index+ring_size, and
// drop it if it would not advance the doorbell.
func (q *Queue) storeDoorbellLegacy64(writeIndex uint64) {
	ptr := (*uint64)(q.doorbellMMIO)
	current := atomic.LoadUint64(ptr)

	candidate := writeIndex
	readIdx := atomic.LoadUint64(q.readIndex)
	ceiling := readIdx + uint64(q.capacityPackets)
	if candidate > ceiling {
		candidate = ceiling
	}
	if candidate <= current {
		return
	}
	atomic.StoreUint64(ptr, candidate)
}

// storeDoorbellLegacyGFX7DW implements the GFX7 dword-ring-offset
// doorbell: the device wants the packet offset within the ring
// expressed in dwords, not the raw monotonic dispatch index. The same
// ceiling clamp applies, and a value equal to the current offset is
// dropped. Because the offset wraps around the ring, an index behind
// the last one rung is not recognized as backward and is stored.
func (q *Queue) storeDoorbellLegacyGFX7DW(writeIndex uint64) {
	ptr := (*uint32)(q.doorbellMMIO)
	current := atomic.LoadUint32(ptr)

	readIdx := atomic.LoadUint64(q.readIndex)
	ceiling := readIdx + uint64(q.capacityPackets)
	clamped := writeIndex
	if clamped > ceiling {
		clamped = ceiling
	}

	dwordsPerPacket := uint32(PacketDwords)
	ringDwords := q.capacityPackets * dwordsPerPacket
	candidate := uint32(clamped*uint64(dwordsPerPacket)) % ringDwords

	if candidate == current {
		return
	}
	atomic.StoreUint32(ptr, candidate)
}

// doorbellCellSize reports the byte width of this queue's doorbell
// MMIO cell -- exposed for QueueReport only.
func doorbellCellSize(t DoorbellType) uintptr {
	if t == DoorbellLegacyGFX7DW {
		return 4
	}
	return 8
}
