//go:build linux

package aqlqueue

import "sync/atomic"

// Capability bit layout for AgentProperties.Capability, queried the
// same way a single feature-flags word is usually turned into a
// battery of HasXxx predicates.
const (
	capabilityCooperativeGroups uint32 = 1 << 1
	capabilityGWS               uint32 = 1 << 2
	capabilityFlatScratch       uint32 = 1 << 3
	capabilityDebugTrap         uint32 = 1 << 4
)

// queue_properties bit layout (Queue.queueProps).
const (
	queuePropIsPtr64        uint32 = 1 << 0
	queuePropUseScratchOnce uint32 = 1 << 1
)

// setUseScratchOnce CASes USE_SCRATCH_ONCE into or out of
// queue_properties. The scratch fault handler sets it when it grants a
// large one-shot allocation and clears it on reclaim.
func (q *Queue) setUseScratchOnce(set bool) {
	for {
		old := atomic.LoadUint32(&q.queueProps)
		next := old &^ queuePropUseScratchOnce
		if set {
			next |= queuePropUseScratchOnce
		}
		if next == old || atomic.CompareAndSwapUint32(&q.queueProps, old, next) {
			return
		}
	}
}

// UseScratchOnce reports whether USE_SCRATCH_ONCE is currently set.
func (q *Queue) UseScratchOnce() bool {
	return atomic.LoadUint32(&q.queueProps)&queuePropUseScratchOnce != 0
}

// HasCooperativeGroups reports whether this agent supports cooperative
// (GWS-gated) dispatch. New does not consult it; QueueTypeCooperative
// construction is gated on the GWS bit alone (see HasGWS).
func (q *Queue) HasCooperativeGroups() bool {
	return q.agent.Properties().Capability&capabilityCooperativeGroups != 0
}

// HasGWS reports whether the agent has global wave sync hardware,
// required before Queue.New will accept QueueTypeCooperative.
func (q *Queue) HasGWS() bool {
	return q.agent.Properties().Capability&capabilityGWS != 0
}

// HasFlatScratch mirrors Agent.FlatScratchCheckEnabled for callers that
// only hold a *Queue.
func (q *Queue) HasFlatScratch() bool {
	return q.agent.FlatScratchCheckEnabled()
}

// SupportsExceptionDebugging mirrors KMD.SupportsExceptionDebugging for
// callers that only hold a *Queue.
func (q *Queue) SupportsExceptionDebugging() bool {
	return q.kmd.SupportsExceptionDebugging()
}

// probeDoorbellType resolves which of the three doorbell variants an
// agent's AgentProperties.DoorbellType names, defaulting to the native
// path for any value this package doesn't recognize so a newer ISA
// never regresses to the legacy spinlock path by accident.
func probeDoorbellType(props AgentProperties) DoorbellType {
	switch props.DoorbellType {
	case DoorbellLegacyGFX7DW, DoorbellLegacy64, DoorbellNativeAQL:
		return props.DoorbellType
	default:
		return DoorbellNativeAQL
	}
}

// isLegacyDoorbell reports whether t requires the double-mapped ring
// and monotonic-clamp submission path.
func isLegacyDoorbell(t DoorbellType) bool {
	return t == DoorbellLegacy64 || t == DoorbellLegacyGFX7DW
}
