//go:build linux

package aqlqueue

import (
	"sync"
	"unsafe"
)

// SimAgent and SimKMD are the software stand-ins every test in this
// package runs against: enough behavior to drive the real state
// machines under test, nothing that pretends to be a GPU.
type SimAgent struct {
	mu          sync.Mutex
	props       AgentProperties
	isa         ISA
	shape       DeviceShape
	class       DeviceClass
	flatScratch bool

	allocs map[unsafe.Pointer][]byte

	scratchFail        bool
	scratchFailOnce    bool
	scratchGrantsLarge bool
	gwsReleased        bool
}

func NewSimAgent() *SimAgent {
	return &SimAgent{
		props: AgentProperties{
			NumFComputeCores:  4,
			NumSIMDPerCU:      4,
			MaxSlotsScratchCU: 32,
			NumShaderBanks:    2,
			MaxWavesPerSIMD:   10,
			DoorbellType:      DoorbellNativeAQL,
			Capability:        capabilityGWS | capabilityCooperativeGroups | capabilityFlatScratch,
		},
		isa:         ISA{MajorVersion: 9, Microcode: 900},
		shape:       DeviceShape{MaxCUID: 63, MaxWaveID: 39},
		class:       DeviceClassDiscrete,
		flatScratch: true,
		allocs:      make(map[unsafe.Pointer][]byte),
	}
}

func (a *SimAgent) SystemAllocator(size, align uintptr, flags AllocFlags) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, size)
	ptr := unsafe.Pointer(&buf[0])
	a.allocs[ptr] = buf
	return ptr, nil
}

func (a *SimAgent) SystemDeallocator(ptr unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocs, ptr)
}

func (a *SimAgent) AcquireQueueScratch(info *ScratchInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scratchFail {
		if a.scratchFailOnce {
			a.scratchFail = false
		}
		return ErrNotSupported
	}
	buf := make([]byte, info.Size)
	info.QueueBase = uintptr(unsafe.Pointer(&buf[0]))
	info.Large = a.scratchGrantsLarge
	return nil
}

func (a *SimAgent) ReleaseQueueScratch(info *ScratchInfo) {}

func (a *SimAgent) GetMicrocodeVersion() uint32 { return a.isa.Microcode }
func (a *SimAgent) Properties() AgentProperties { return a.props }
func (a *SimAgent) ISA() ISA                    { return a.isa }
func (a *SimAgent) Regions() []MemoryRegion {
	return []MemoryRegion{{IsLDS: true, Size: 65536}, {IsScratch: true, Size: 1 << 20}}
}
func (a *SimAgent) DeviceClass() DeviceClass { return a.class }
func (a *SimAgent) DeviceShape() DeviceShape { return a.shape }

func (a *SimAgent) GWSRelease(q *Queue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gwsReleased = true
}

func (a *SimAgent) FlatScratchCheckEnabled() bool { return a.flatScratch }

// SimKMD is the in-process kernel-mode-driver stand-in: it allocates a
// fake doorbell cell per queue from a backing byte slice so the real
// doorbell store paths (doorbell.go) have somewhere real to write.
type SimKMD struct {
	mu          sync.Mutex
	nextID      uint32
	doorbells   map[uint32][]byte
	cuMasks     map[uint32][]uint32
	destroyed   map[uint32]bool
	exceptDebug bool
}

func NewSimKMD(supportsExceptionDebugging bool) *SimKMD {
	return &SimKMD{
		doorbells:   make(map[uint32][]byte),
		cuMasks:     make(map[uint32][]uint32),
		destroyed:   make(map[uint32]bool),
		exceptDebug: supportsExceptionDebugging,
	}
}

func (k *SimKMD) CreateQueue(p CreateQueueParams) (QueueResource, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextID++
	id := k.nextID
	cell := make([]byte, 8)
	k.doorbells[id] = cell
	return QueueResource{QueueID: id, DoorbellMMIO: unsafe.Pointer(&cell[0])}, nil
}

func (k *SimKMD) DestroyQueue(queueID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.destroyed[queueID] = true
	return nil
}

func (k *SimKMD) UpdateQueue(queueID uint32, percent uint32, priority Priority) error {
	return nil
}

func (k *SimKMD) SetQueueCUMask(queueID uint32, mask []uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cuMasks[queueID] = append([]uint32(nil), mask...)
	return nil
}

func (k *SimKMD) AllocQueueGWS(queueID uint32, numResources uint32) error { return nil }

func (k *SimKMD) SupportsExceptionDebugging() bool { return k.exceptDebug }
