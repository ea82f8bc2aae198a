//go:build linux

package aqlqueue

import "sync"

// exceptionPhase mirrors dynamicScratchState's shape for the hardware
// exception channel: the debug-trap and memory-violation signal this
// package's destructor waits DONE on before it may free the queue.
type exceptionPhase int32

const (
	exceptionIdle exceptionPhase = iota
	exceptionRetry
	exceptionTerminate
	exceptionDone
)

type exceptionState struct {
	mu    sync.Mutex
	state exceptionPhase
}

func (e *exceptionState) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case exceptionIdle:
		return "idle"
	case exceptionRetry:
		return "retry"
	case exceptionTerminate:
		return "terminate"
	case exceptionDone:
		return "done"
	default:
		return "unknown"
	}
}

// exceptionBitPosition enumerates the fixed bit layout of the hardware
// exception status word. It covers memory faults and aperture
// violations, illegal instructions and wave aborts/traps/math faults,
// the dispatch-validation codes that mirror the scratch channel's
// inline decode table, preemption, and the device RAS/fatal/hot-plug
// bits that fall back to a generic error.
type exceptionBitPosition uint

const (
	bitMemoryFault       exceptionBitPosition = 0
	bitApertureViolation exceptionBitPosition = 1
	bitIllegalInstr      exceptionBitPosition = 2
	bitWaveAbort         exceptionBitPosition = 3
	bitDebugTrap         exceptionBitPosition = 4
	bitMathError         exceptionBitPosition = 5

	bitIncompatibleArgs    exceptionBitPosition = 6
	bitInvalidAllocation   exceptionBitPosition = 7
	bitInvalidCodeObject   exceptionBitPosition = 8
	bitInvalidPacketFormat exceptionBitPosition = 9
	bitInvalidArgument     exceptionBitPosition = 10
	bitInvalidISA          exceptionBitPosition = 11

	bitPreemption exceptionBitPosition = 12
	bitRASFatal   exceptionBitPosition = 13
	bitHotPlug    exceptionBitPosition = 14
)

// decodeException maps the fixed bit positions to an ErrorKind, picking
// the highest-severity bit set when several fire in the same status
// word: a memory fault that corrupted state outranks a debug trap that
// only requests attention.
func decodeException(status int64) ErrorKind {
	switch {
	case status&(1<<bitMemoryFault) != 0:
		return ErrorMemoryFault
	case status&(1<<bitApertureViolation) != 0:
		return ErrorMemoryApertureViolation
	case status&(1<<bitIllegalInstr) != 0:
		return ErrorIllegalInstruction
	case status&(1<<bitWaveAbort) != 0:
		return ErrorWaveAbort
	case status&(1<<bitDebugTrap) != 0:
		return ErrorDebugTrap
	case status&(1<<bitMathError) != 0:
		return ErrorALUFault
	case status&(1<<bitIncompatibleArgs) != 0:
		return ErrorIncompatibleArguments
	case status&(1<<bitInvalidAllocation) != 0:
		return ErrorInvalidAllocation
	case status&(1<<bitInvalidCodeObject) != 0:
		return ErrorInvalidCodeObject
	case status&(1<<bitInvalidPacketFormat) != 0:
		return ErrorInvalidPacketFormat
	case status&(1<<bitInvalidArgument) != 0:
		return ErrorInvalidArgument
	case status&(1<<bitInvalidISA) != 0:
		return ErrorInvalidISA
	default:
		// Preemption and the RAS/fatal/hot-plug bits all degrade to a
		// generic error; none of them has a dedicated ErrorKind.
		return ErrorGeneric
	}
}

// armExceptionHandler registers the hardware-exception handler on
// q.exceptionSignal, only when KMD.SupportsExceptionDebugging is true;
// otherwise New leaves the exception signal permanently DONE, since the
// scratch handler alone clears faults on hardware with no separate
// exception channel.
func (q *Queue) armExceptionHandler() {
	q.exceptionSignal.SetAsyncSignalHandler(CondNotEqual, 0, q.handleException, q)
}

// handleException decodes the fixed bit layout, suspends the queue,
// and invokes the errors callback. The exception channel is single-shot
// per queue: once a real exception has been decoded and reported, this
// handler settles into DONE rather than re-arming -- a queue that has
// taken a hardware exception is not expected to keep dispatching on the
// same channel without its owner (the errors callback) deciding what to
// do next.
func (q *Queue) handleException(value int64, arg any) HandlerResult {
	q.exception.mu.Lock()
	term := q.exception.state == exceptionTerminate
	q.exception.mu.Unlock()

	if term {
		q.finishExceptionHandler()
		return HandlerUnarmed
	}

	q.reportFault(decodeException(value))

	q.finishExceptionHandler()
	return HandlerUnarmed
}

// terminateExceptionHandler mirrors terminateScratchHandler for the
// exception channel.
func (q *Queue) terminateExceptionHandler() {
	q.exception.mu.Lock()
	already := q.exception.state == exceptionDone
	q.exception.state = exceptionTerminate
	q.exception.mu.Unlock()
	if already {
		return
	}

	q.exceptionSignal.StoreRelease(1)
	q.exceptionSignal.Wait(CondEqual, int64(exceptionDone))
}

func (q *Queue) finishExceptionHandler() {
	q.exception.mu.Lock()
	q.exception.state = exceptionDone
	q.exception.mu.Unlock()
	q.exceptionSignal.StoreRelease(int64(exceptionDone))
}
