//go:build linux

package aqlqueue

import "fmt"

// srdSwizzleEnableBit sits above the stride field in word 1 on every
// ISA generation this package supports; scratch SRDs always run in
// swizzled mode, so it is set unconditionally.
const srdSwizzleEnableBit = 1 << 31

// buildScratchSRD constructs the 128-bit (4-dword) V# buffer descriptor
// the shader compiler expects private-segment scratch to be addressed
// through: base address split across words 0-1, STRIDE forced to 0
// (the CP derives the effective per-wave stride from
// COMPUTE_TMPRING_SIZE, not from the SRD), SWIZZLE_ENABLE set, and
// NUM_RECORDS holding the allocation's total size.
func buildScratchSRD(isa ISA, info *ScratchInfo) ([4]uint32, error) {
	var srd [4]uint32

	base := uint64(info.QueueBase)
	srd[0] = uint32(base)
	srd[1] = uint32(base >> 32)

	if info.Size >= 1<<32 {
		return srd, fmt.Errorf("aqlqueue: scratch allocation %d bytes exceeds 32-bit SRD size field", info.Size)
	}

	if isa.MajorVersion <= 8 {
		srd[1] = (srd[1] &^ 0x3FFF) | srdSwizzleEnableBit
	} else {
		// GFX9+ widened the stride field to 16 bits alongside it.
		srd[1] = (srd[1] &^ 0xFFFF) | srdSwizzleEnableBit
	}
	srd[2] = uint32(info.Size)
	srd[3] = scratchSRDFormatWord(isa)

	return srd, nil
}

// scratchSRDFormatWord is the fixed format/swizzle word HSA scratch
// buffers use: 32-bit stride units, raw numeric format. Swizzling is
// enabled separately, by srdSwizzleEnableBit in word 1.
// The exact encoded constant differs across ISA generations the same
// way the stride field width does.
func scratchSRDFormatWord(isa ISA) uint32 {
	const gfx9PlusFormat = 0x00020000
	const legacyFormat = 0x0002_1000
	if isa.MajorVersion <= 8 {
		return legacyFormat
	}
	return gfx9PlusFormat
}

// computeTmpRingSize is the COMPUTE_TMPRING_SIZE register value:
// WAVESIZE in bits 12-27, WAVES in bits 0-11, programmed so the command
// processor knows the new per-wave footprint. The register is 28 bits
// wide; overflow here indicates a request the hardware cannot express
// and must be caught before it silently wraps.
func computeTmpRingSize(sizePerWaveKiB, waves uint32) (uint32, error) {
	const waveSizeBits = 16
	const waveSizeMask = (1 << waveSizeBits) - 1
	const wavesMask = (1 << 12) - 1

	if sizePerWaveKiB > waveSizeMask {
		return 0, fmt.Errorf("aqlqueue: scratch wave size %d KiB overflows COMPUTE_TMPRING_SIZE.WAVESIZE", sizePerWaveKiB)
	}
	if waves > wavesMask {
		return 0, fmt.Errorf("aqlqueue: wave count %d overflows COMPUTE_TMPRING_SIZE.WAVES", waves)
	}

	return (sizePerWaveKiB&waveSizeMask)<<12 | (waves & wavesMask), nil
}

// EnableGWS grants the queue its global wave sync resource through the
// KMD and marks the queue's cached state so a later Destroy knows to
// release it. New already does this once at construction for
// QueueTypeCooperative queues; EnableGWS exists for a queue that was
// created without GWS and needs it enabled afterward.
func (q *Queue) EnableGWS(numResources uint32) error {
	if !q.HasGWS() {
		return ErrCooperativeOnly
	}
	return q.kmd.AllocQueueGWS(q.resource.QueueID, numResources)
}
