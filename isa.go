//go:build linux

package aqlqueue

// Profile distinguishes the APU/discrete memory model that governs whether
// ring pages may be marked EXEC and whether the scratch SRD sets ATC.
type Profile int

const (
	ProfileFull Profile = iota // discrete GPU, full PCIe-visible VA
	ProfileBase                // APU sharing the CPU's page tables
)

// DeviceClass flags the KV APU generation, the one class that forbids
// EXEC pages on the ring.
type DeviceClass int

const (
	DeviceClassDiscrete DeviceClass = iota
	DeviceClassAPU
	DeviceClassKVAPU
)

// DoorbellType is the tagged variant of doorbell hardware a queue
// targets: a small enum and branch rather than a v-table per variant.
type DoorbellType uint32

const (
	DoorbellLegacyGFX7DW DoorbellType = 0
	DoorbellLegacy64     DoorbellType = 1
	DoorbellNativeAQL    DoorbellType = 2
)

// ISA describes the subset of an agent's instruction-set version this
// package depends on.
type ISA struct {
	MajorVersion int
	Microcode    uint32
}

// AgentProperties mirrors the facts about an agent this package needs
// at queue-construction time.
type AgentProperties struct {
	NumFComputeCores  uint32
	NumSIMDPerCU      uint32
	MaxSlotsScratchCU uint32
	NumShaderBanks    uint32 // shader-engine count
	MaxWavesPerSIMD   uint32
	DoorbellType      DoorbellType
	Capability        uint32
}

// DeviceShape is the subset of queue-record device shape fields
// derived from the agent at construction time: max_cu_id, max_wave_id.
type DeviceShape struct {
	MaxCUID   uint32
	MaxWaveID uint32
}
