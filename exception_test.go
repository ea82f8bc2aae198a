//go:build linux

package aqlqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeExceptionPrioritizesMemoryFault(t *testing.T) {
	status := int64(1<<bitMemoryFault | 1<<bitDebugTrap)
	require.Equal(t, ErrorMemoryFault, decodeException(status))
}

func TestDecodeExceptionBitPriorityOrder(t *testing.T) {
	require.Equal(t, ErrorMemoryFault, decodeException(1<<bitMemoryFault))
	require.Equal(t, ErrorMemoryApertureViolation, decodeException(1<<bitApertureViolation))
	require.Equal(t, ErrorIllegalInstruction, decodeException(1<<bitIllegalInstr))
	require.Equal(t, ErrorWaveAbort, decodeException(1<<bitWaveAbort))
	require.Equal(t, ErrorDebugTrap, decodeException(1<<bitDebugTrap))
	require.Equal(t, ErrorALUFault, decodeException(1<<bitMathError))
	require.Equal(t, ErrorIncompatibleArguments, decodeException(1<<bitIncompatibleArgs))
	require.Equal(t, ErrorInvalidAllocation, decodeException(1<<bitInvalidAllocation))
	require.Equal(t, ErrorInvalidCodeObject, decodeException(1<<bitInvalidCodeObject))
	require.Equal(t, ErrorInvalidPacketFormat, decodeException(1<<bitInvalidPacketFormat))
	require.Equal(t, ErrorInvalidArgument, decodeException(1<<bitInvalidArgument))
	require.Equal(t, ErrorInvalidISA, decodeException(1<<bitInvalidISA))
	require.Equal(t, ErrorGeneric, decodeException(0))
}

func TestDecodeExceptionRASFatalAndPreemptionAreGeneric(t *testing.T) {
	require.Equal(t, ErrorGeneric, decodeException(1<<bitPreemption))
	require.Equal(t, ErrorGeneric, decodeException(1<<bitRASFatal))
	require.Equal(t, ErrorGeneric, decodeException(1<<bitHotPlug))
}

func TestExceptionSuspendsQueueAndInvokesCallback(t *testing.T) {
	var gotKind ErrorKind
	var gotQueueID uint32
	var gotUserData any

	agent := NewSimAgent()
	kmd := NewSimKMD(true)
	sub := NewSubsystem()
	q, err := New(agent, kmd, sub, WithPacketCapacity(16), WithErrorsCallback(func(kind ErrorKind, queueID uint32, userData any) {
		gotKind = kind
		gotQueueID = queueID
		gotUserData = userData
	}, "marker"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Destroy() })

	q.exceptionSignal.StoreRelease(1 << bitMemoryFault)

	require.Eventually(t, func() bool {
		return q.exception.String() == "done"
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, ErrorMemoryFault, gotKind)
	require.Equal(t, q.resource.QueueID, gotQueueID)
	require.Equal(t, "marker", gotUserData)
	require.True(t, q.suspended)
	// Suspend does not tear the queue down; only Inactivate/Destroy do.
	require.Equal(t, "active", q.stateString())
}

func TestExceptionHandlerIsSingleShot(t *testing.T) {
	q, _, _ := newTestQueue(t, WithPacketCapacity(16))

	q.exceptionSignal.StoreRelease(1 << bitDebugTrap)

	require.Eventually(t, func() bool {
		return q.exception.String() == "done"
	}, time.Second, 5*time.Millisecond)

	// Once settled into DONE, the handler is no longer armed: storing
	// another status has no effect.
	q.exceptionSignal.StoreRelease(1 << bitWaveAbort)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, "done", q.exception.String())
}

func TestExceptionHandlerTerminatesOnDestroy(t *testing.T) {
	agent := NewSimAgent()
	kmd := NewSimKMD(true)
	sub := NewSubsystem()
	q, err := New(agent, kmd, sub, WithPacketCapacity(16))
	require.NoError(t, err)

	require.NoError(t, q.Destroy())
	require.Equal(t, "done", q.exception.String())
}

func TestExceptionChannelStartsDoneWithoutDebuggingSupport(t *testing.T) {
	agent := NewSimAgent()
	kmd := NewSimKMD(false)
	sub := NewSubsystem()
	q, err := New(agent, kmd, sub, WithPacketCapacity(16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Destroy() })

	require.Equal(t, int64(exceptionDone), q.exceptionSignal.LoadRelaxed())
}
