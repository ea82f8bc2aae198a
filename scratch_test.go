//go:build linux

package aqlqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFaultingDispatch(t *testing.T, q *Queue) {
	t.Helper()
	index, err := q.Reserve(1)
	require.NoError(t, err)

	var raw RawPacket
	raw.setHeader(PacketHeaderWord(PacketTypeKernelDispatch))
	dispatch := raw.AsKernelDispatch()
	dispatch.PrivateSegmentSize = 256
	dispatch.WorkgroupSize = [3]uint16{64, 1, 1}
	dispatch.GridSize = [3]uint32{4096, 1, 1}
	q.WritePacket(index, &raw)
}

func TestScratchFaultGrowsAllocationWave64(t *testing.T) {
	q, agent, _ := newTestQueue(t, WithPacketCapacity(16))
	_ = agent
	writeFaultingDispatch(t, q)

	// error_code=1: bit 0 set (insufficient scratch), bit 0x400 clear
	// selects the wave64 lane count.
	//
	// Dispatch: private_segment_size=256, workgroup={64,1,1}, grid={4096,1,1}.
	q.inactiveSignal.StoreRelease(1)

	require.Eventually(t, func() bool {
		info := q.scratch.info
		return info != nil && info.acquired
	}, time.Second, 5*time.Millisecond)

	info := q.scratch.info
	require.NotNil(t, info)
	require.Equal(t, uint32(256), info.SizePerThread)
	require.Equal(t, uint32(64), info.LanesPerWave)
	maxSlots := (agent.shape.MaxCUID + 1) * agent.props.MaxSlotsScratchCU
	require.Equal(t, uint64(256)*uint64(maxSlots)*64, info.Size)
	require.Equal(t, uint32(info.Size), info.SRD[2])
	require.Equal(t, int64(0), q.inactiveSignal.LoadRelaxed())
}

func TestScratchFaultGrowsAllocationWave32(t *testing.T) {
	q, _, _ := newTestQueue(t, WithPacketCapacity(16))
	writeFaultingDispatch(t, q)

	// error_code with bit 0x400 set selects the wave32 lane count.
	q.inactiveSignal.StoreRelease(0x401)

	require.Eventually(t, func() bool {
		info := q.scratch.info
		return info != nil && info.acquired
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, uint32(32), q.scratch.info.LanesPerWave)
}

func TestScratchFaultLargeReclaimReleasesAllocation(t *testing.T) {
	q, _, _ := newTestQueue(t, WithPacketCapacity(16))
	writeFaultingDispatch(t, q)

	q.inactiveSignal.StoreRelease(1) // grow first, error_code=1
	require.Eventually(t, func() bool {
		info := q.scratch.info
		return info != nil && info.acquired
	}, time.Second, 5*time.Millisecond)

	q.scratch.info.Large = true
	q.setUseScratchOnce(true)

	q.inactiveSignal.StoreRelease(512) // error_code=512, large-scratch reclaim
	require.Eventually(t, func() bool {
		info := q.scratch.info
		return info != nil && info.Size == 0
	}, time.Second, 5*time.Millisecond)

	require.False(t, q.UseScratchOnce())
	require.Equal(t, uint32(0), q.scratch.info.SRD[2])
	require.Equal(t, int64(0), q.inactiveSignal.LoadRelaxed())
}

func TestScratchFaultSetsUseScratchOnceOnLargeGrant(t *testing.T) {
	agent := NewSimAgent()
	kmd := NewSimKMD(true)
	sub := NewSubsystem()
	q, err := New(agent, kmd, sub, WithPacketCapacity(16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Destroy() })

	writeFaultingDispatch(t, q)
	agent.scratchGrantsLarge = true

	q.inactiveSignal.StoreRelease(1)

	require.Eventually(t, func() bool {
		return q.scratch.info != nil && q.scratch.info.acquired
	}, time.Second, 5*time.Millisecond)

	require.True(t, q.UseScratchOnce())
}

func TestScratchFaultReportsOutOfResourcesOnAcquireFailure(t *testing.T) {
	var gotKind ErrorKind
	agent := NewSimAgent()
	agent.scratchFail = true
	kmd := NewSimKMD(true)
	sub := NewSubsystem()
	q, err := New(agent, kmd, sub, WithPacketCapacity(16), WithErrorsCallback(func(kind ErrorKind, queueID uint32, userData any) {
		gotKind = kind
	}, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Destroy() })

	writeFaultingDispatch(t, q)
	q.inactiveSignal.StoreRelease(1)

	require.Eventually(t, func() bool {
		return q.scratch.String() == "done"
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, ErrorOutOfResources, gotKind)
}

func TestScratchHandlerTerminatesOnDestroy(t *testing.T) {
	agent := NewSimAgent()
	kmd := NewSimKMD(true)
	sub := NewSubsystem()
	q, err := New(agent, kmd, sub, WithPacketCapacity(16))
	require.NoError(t, err)

	require.NoError(t, q.Destroy())
	require.Equal(t, "done", q.scratch.String())
}

func TestPeekFaultingDispatchRejectsNonDispatchSlot(t *testing.T) {
	q, _, _ := newTestQueue(t, WithPacketCapacity(16))

	_, err := q.peekFaultingDispatch()
	require.ErrorIs(t, err, ErrInvalidPacket)
}
