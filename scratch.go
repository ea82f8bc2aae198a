//go:build linux

package aqlqueue

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ScratchInfo is the per-queue scratch allocation record: the input and
// output of the dynamic-scratch fault handler, handed to
// Agent.AcquireQueueScratch/ReleaseQueueScratch and consumed by the SRD
// builder.
type ScratchInfo struct {
	QueueBase          uintptr
	QueueProcessOffset uintptr

	// Size is the worst-case footprint the handler provisions for:
	// size_per_thread * MaxScratchSlots * lanes_per_wave.
	Size uint64

	SizePerThread uint32
	LanesPerWave  uint32
	WavesPerGroup uint32
	WantedSlots   uint32

	// DispatchSize is the footprint actually needed by the dispatch
	// that faulted: size_per_thread * wanted_slots * lanes_per_wave.
	// It is informational -- AcquireQueueScratch is asked for Size, the
	// worst-case figure, not DispatchSize.
	DispatchSize uint64

	// Large is set by the agent (or left false) to report whether this
	// grant is an oversized, one-shot allocation that must be
	// explicitly reclaimed: when true, growScratch sets
	// USE_SCRATCH_ONCE on the queue.
	Large bool

	// Retry is not read or written by the scratch fault handler: an
	// agent asks the handler to re-arm and ask again later by returning
	// ErrScratchRetry from AcquireQueueScratch.
	Retry bool

	// QueueRetrySignal is not written by the scratch fault handler; on
	// a retry the handler re-arms on the unchanged error_code already
	// held by the inactive signal.
	QueueRetrySignal int64

	SRD         [4]uint32
	TmpRingSize uint32
	acquired    bool
}

// dynamicScratchState is the bitfield the scratch fault handler and
// Destroy negotiate over: RETRY marks an allocation attempt the agent
// asked to be retried, TERMINATE asks the handler to settle into DONE
// and stop, DONE means the destructor may proceed.
type dynamicScratchState int32

const (
	scratchIdle dynamicScratchState = iota
	scratchRetry
	scratchTerminate
	scratchDone
)

type scratchState struct {
	mu    sync.Mutex
	state dynamicScratchState
	info  *ScratchInfo
}

func (s *scratchState) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case scratchIdle:
		return "idle"
	case scratchRetry:
		return "retry"
	case scratchTerminate:
		return "terminate"
	case scratchDone:
		return "done"
	default:
		return "unknown"
	}
}

func (s *scratchState) terminateRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == scratchTerminate
}

// Raw error_code conventions the GPU posts into the inactive signal.
// error_code == 512 means "give back an oversized allocation";
// error_code & 0x401 means "this dispatch needs more scratch than it
// has", with bit 0x400 distinguishing the wave32 encoding from wave64.
const (
	scratchErrorLargeReclaim     = 512
	scratchErrorInsufficientMask = 0x401
	scratchErrorWave32Bit        = 0x400
)

// armScratchHandler registers the dynamic-scratch handler on
// q.inactiveSignal, watching for any non-zero fault code.
func (q *Queue) armScratchHandler() {
	q.inactiveSignal.SetAsyncSignalHandler(CondNotEqual, 0, q.handleScratchFault, q)
}

// handleScratchFault is invoked by the signal dispatcher with the
// fault's raw error_code as value. It routes to large-scratch reclaim,
// insufficient-scratch growth, or -- when this queue has no separate
// hardware exception channel -- inline exception decoding, mirroring
// the GPU's own error_code bit layout rather than an invented
// convention.
func (q *Queue) handleScratchFault(value int64, arg any) HandlerResult {
	if q.scratch.terminateRequested() {
		q.finishScratchHandler()
		return HandlerUnarmed
	}

	// A prior retry attempt re-arms on the unchanged error_code; once
	// it fires again there is nothing left to remember about the retry
	// itself, only which branch to take below.
	q.scratch.mu.Lock()
	if q.scratch.state == scratchRetry {
		q.scratch.state = scratchIdle
	}
	q.scratch.mu.Unlock()

	// Retain the inactive signal before doing anything that could race
	// a concurrent Destroy freeing the queue out from under the
	// handler goroutine.
	q.inactiveSignal.Retain()
	defer q.inactiveSignal.Release()

	switch {
	case value == scratchErrorLargeReclaim:
		q.reclaimLargeScratch()
		if q.scratch.terminateRequested() {
			q.finishScratchHandler()
			return HandlerUnarmed
		}
		q.inactiveSignal.StoreRelease(0)
		q.armScratchHandler()

	case value&scratchErrorInsufficientMask != 0:
		q.growScratch(value)

	default:
		if q.handleExceptionsInline {
			q.reportFault(decodeScratchChannelError(value))
		}
		if q.scratch.terminateRequested() {
			q.finishScratchHandler()
			return HandlerUnarmed
		}
		q.inactiveSignal.StoreRelease(0)
		q.armScratchHandler()
	}

	return HandlerUnarmed
}

// decodeScratchChannelError maps the subset of the GPU's error_code
// bitmask this engine decodes inline when HandleExceptions is true
// (no separate hardware-exception channel exists to do it instead).
func decodeScratchChannelError(code int64) ErrorKind {
	switch {
	case code&2 != 0:
		return ErrorIncompatibleArguments
	case code&4 != 0:
		return ErrorInvalidAllocation
	case code&8 != 0:
		return ErrorInvalidCodeObject
	case code&(32|256) != 0:
		return ErrorInvalidPacketFormat
	case code&64 != 0:
		return ErrorInvalidArgument
	case code&128 != 0:
		return ErrorInvalidISA
	case code&0x20000000 != 0:
		return ErrorMemoryApertureViolation
	case code&0x40000000 != 0:
		return ErrorIllegalInstruction
	case code&0x80000000 != 0:
		return ErrorException
	default:
		return ErrorGeneric
	}
}

// growScratch recomputes the worst-case scratch footprint from the
// dispatch packet that faulted and the device's shape, asks the agent
// for it, and either installs the grant, re-arms for a retry, or
// surfaces OUT_OF_RESOURCES and finalizes the handler. A retry re-arms
// on the unchanged error_code, so the handler runs again at once; the
// number of retries is not bounded.
func (q *Queue) growScratch(errorCode int64) {
	dispatch, err := q.peekFaultingDispatch()
	if err != nil {
		q.reportFault(ErrorInvalidPacketFormat)
		q.finishScratchHandler()
		return
	}

	q.scratch.mu.Lock()
	prev := q.scratch.info
	q.scratch.mu.Unlock()
	if prev != nil && prev.acquired {
		q.agent.ReleaseQueueScratch(prev)
	}

	lanes := uint32(64)
	if errorCode&scratchErrorWave32Bit != 0 {
		lanes = 32
	}

	props := q.agent.Properties()
	shape := q.agent.DeviceShape()

	sizePerThread := alignUp(dispatch.PrivateSegmentSize, 1024/lanes)
	maxSlots := (shape.MaxCUID + 1) * props.MaxSlotsScratchCU
	size := uint64(sizePerThread) * uint64(maxSlots) * uint64(lanes)

	wgX := uint32(dispatch.WorkgroupSize[0])
	wgY := uint32(dispatch.WorkgroupSize[1])
	wgZ := uint32(dispatch.WorkgroupSize[2])
	wavesPerGroup := divCeil(wgX*wgY*wgZ, lanes)

	groups := divCeil(dispatch.GridSize[0], wgX) *
		divCeil(dispatch.GridSize[1], wgY) *
		divCeil(dispatch.GridSize[2], wgZ)
	groups = roundUpToMultiple(groups, props.NumShaderBanks)

	wantedSlots := groups * wavesPerGroup
	if wantedSlots > maxSlots {
		wantedSlots = maxSlots
	}
	dispatchSize := uint64(sizePerThread) * uint64(wantedSlots) * uint64(lanes)

	info := &ScratchInfo{
		SizePerThread: sizePerThread,
		LanesPerWave:  lanes,
		WavesPerGroup: wavesPerGroup,
		WantedSlots:   wantedSlots,
		DispatchSize:  dispatchSize,
		Size:          size,
	}

	switch err := q.agent.AcquireQueueScratch(info); {
	case errors.Is(err, ErrScratchRetry):
		q.scratch.mu.Lock()
		q.scratch.state = scratchRetry
		q.scratch.mu.Unlock()
		if q.scratch.terminateRequested() {
			q.finishScratchHandler()
			return
		}
		q.armScratchHandler()
		return

	case err != nil:
		q.reportFault(ErrorOutOfResources)
		q.finishScratchHandler()
		return
	}

	info.acquired = true
	if info.Large {
		q.setUseScratchOnce(true)
		if isa := q.agent.ISA(); isa.MajorVersion == 8 && isa.Microcode < 729 {
			dispatch.SetReleaseFenceSystem()
		}
	}
	q.installScratch(info)

	if q.scratch.terminateRequested() {
		q.finishScratchHandler()
		return
	}
	q.inactiveSignal.StoreRelease(0)
	q.armScratchHandler()
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return divCeil(v, align) * align
}

func divCeil(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUpToMultiple(v, m uint32) uint32 {
	if m == 0 {
		return v
	}
	return divCeil(v, m) * m
}

// peekFaultingDispatch reads the kernel dispatch packet at the queue's
// current read index. It returns ErrInvalidPacket if the slot there is
// not (or no longer) a kernel dispatch packet -- possible if the
// consumer raced ahead between the fault firing and the handler
// running.
func (q *Queue) peekFaultingDispatch() (*KernelDispatchPacket, error) {
	readIdx := q.LoadReadIndexAcquire()
	slot := q.slotFor(readIdx)
	if slot.Header().Type() != PacketTypeKernelDispatch {
		return nil, ErrInvalidPacket
	}
	return slot.AsKernelDispatch(), nil
}

// reclaimLargeScratch releases the current allocation back to the
// agent, clears USE_SCRATCH_ONCE, and resets the queue's scratch state
// (and SRD) to empty so the next insufficient-scratch fault starts
// from zero rather than growing an allocation that was never given
// back.
func (q *Queue) reclaimLargeScratch() {
	q.scratch.mu.Lock()
	prev := q.scratch.info
	q.scratch.mu.Unlock()

	if prev != nil && prev.acquired {
		q.agent.ReleaseQueueScratch(prev)
	}

	q.setUseScratchOnce(false)

	empty := &ScratchInfo{}
	if srd, err := buildScratchSRD(q.agent.ISA(), empty); err == nil {
		empty.SRD = srd
	}

	q.scratch.mu.Lock()
	q.scratch.info = empty
	q.scratch.mu.Unlock()

	atomic.StoreUint64(&q.scratchBackingByteSize, 0)
	q.scratchBackingLocation = 0
	q.scratchWave64LaneByteSize = 0
}

// installScratch records the new allocation, rebuilds the SRD over it,
// and reprograms COMPUTE_TMPRING_SIZE with the wave-limit formula.
func (q *Queue) installScratch(info *ScratchInfo) {
	srd, err := buildScratchSRD(q.agent.ISA(), info)
	if err == nil {
		info.SRD = srd
	}

	if info.Size == 0 {
		info.TmpRingSize = 0
	} else {
		waveSizeKiB := divCeil(info.LanesPerWave*info.SizePerThread, 1024)
		props := q.agent.Properties()
		shape := q.agent.DeviceShape()
		maxWaves := (shape.MaxCUID + 1) * props.MaxSlotsScratchCU

		waves := uint32(info.Size / (uint64(waveSizeKiB) * 1024))
		if waves > maxWaves {
			waves = maxWaves
		}
		if tmpRingSize, err := computeTmpRingSize(waveSizeKiB, waves); err == nil {
			info.TmpRingSize = tmpRingSize
		}
	}

	q.scratch.mu.Lock()
	q.scratch.info = info
	q.scratch.mu.Unlock()

	q.scratchBackingLocation = info.QueueProcessOffset
	atomic.StoreUint64(&q.scratchBackingByteSize, info.Size)
	if info.LanesPerWave != 0 {
		q.scratchWave64LaneByteSize = uint64(info.SizePerThread) * uint64(info.LanesPerWave) / 64
	}
}

// terminateScratchHandler requests termination, then blocks until the
// handler reaches DONE. If the handler has already settled into DONE
// (no handler is in flight), it returns at once.
func (q *Queue) terminateScratchHandler() {
	q.scratch.mu.Lock()
	already := q.scratch.state == scratchDone
	if !already {
		q.scratch.state = scratchTerminate
	}
	q.scratch.mu.Unlock()
	if already {
		return
	}

	// Wake any handler parked on CondNotEqual 0 so it observes the
	// terminate request instead of waiting for a fault that will
	// never come from a queue being torn down.
	q.inactiveSignal.StoreRelease(1)
	q.inactiveSignal.Wait(CondEqual, int64(scratchDone))
}

func (q *Queue) finishScratchHandler() {
	q.scratch.mu.Lock()
	q.scratch.state = scratchDone
	q.scratch.mu.Unlock()
	q.inactiveSignal.StoreRelease(int64(scratchDone))
}
