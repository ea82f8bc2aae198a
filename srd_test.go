//go:build linux

package aqlqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildScratchSRDSetsStrideZeroAndSwizzleEnable(t *testing.T) {
	isa := ISA{MajorVersion: 8}
	info := &ScratchInfo{QueueBase: 0x1000, Size: 4096}

	srd, err := buildScratchSRD(isa, info)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), srd[0])
	require.Equal(t, uint32(0), srd[1]&0x3FFF, "STRIDE must be zero")
	require.NotZero(t, srd[1]&srdSwizzleEnableBit, "SWIZZLE_ENABLE must be set")
	require.Equal(t, uint32(4096), srd[2])
}

func TestBuildScratchSRDGFX9NumRecordsIsScratchSize(t *testing.T) {
	isa := ISA{MajorVersion: 9}
	info := &ScratchInfo{QueueBase: 0x2000, Size: 8192}

	srd, err := buildScratchSRD(isa, info)
	require.NoError(t, err)
	require.Equal(t, uint32(0), srd[1]&0xFFFF, "STRIDE must be zero")
	require.NotZero(t, srd[1]&srdSwizzleEnableBit, "SWIZZLE_ENABLE must be set")
	require.Equal(t, uint32(8192), srd[2])
}

func TestBuildScratchSRDRejectsOversizeAllocation(t *testing.T) {
	isa := ISA{MajorVersion: 9}
	info := &ScratchInfo{Size: uint64(1) << 33}

	_, err := buildScratchSRD(isa, info)
	require.Error(t, err)
}

func TestComputeTmpRingSizeEncodesWavesAndWaveSize(t *testing.T) {
	value, err := computeTmpRingSize(16, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(10), value&0xFFF)
	require.Equal(t, uint32(16), (value>>12)&0xFFFF)
}

func TestComputeTmpRingSizeRejectsOverflow(t *testing.T) {
	_, err := computeTmpRingSize(1<<20, 1)
	require.Error(t, err)

	_, err = computeTmpRingSize(1, 1<<20)
	require.Error(t, err)
}

func TestEnableGWSRequiresCapability(t *testing.T) {
	agent := NewSimAgent()
	agent.props.Capability &^= capabilityGWS
	kmd := NewSimKMD(true)
	sub := NewSubsystem()

	q, err := New(agent, kmd, sub, WithPacketCapacity(16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Destroy() })

	require.ErrorIs(t, q.EnableGWS(1), ErrCooperativeOnly)
}
