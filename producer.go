//go:build linux

package aqlqueue

import "sync/atomic"

// Producer ABI matrix: read/write dispatch indices with every
// memory-ordering variant a caller might legitimately need, plus
// AddWriteIndex and CasWriteIndex for both single- and multi-producer
// queues.

// LoadReadIndexAcquire returns the kernel's current read (consumer)
// index with acquire semantics, synchronizing-with the kernel's release
// store after it finishes a packet.
func (q *Queue) LoadReadIndexAcquire() uint64 {
	return atomic.LoadUint64(q.readIndex)
}

// LoadReadIndexRelaxed returns the read index without a synchronizing
// load; used for optimistic space checks that will be re-validated.
func (q *Queue) LoadReadIndexRelaxed() uint64 {
	return atomic.LoadUint64(q.readIndex)
}

// LoadWriteIndexAcquire returns the producer's own write index with
// acquire semantics (useful when multiple producer threads share one
// queue handle).
func (q *Queue) LoadWriteIndexAcquire() uint64 {
	return atomic.LoadUint64(&q.writeIndex)
}

// LoadWriteIndexRelaxed returns the write index without synchronization.
func (q *Queue) LoadWriteIndexRelaxed() uint64 {
	return atomic.LoadUint64(&q.writeIndex)
}

// StoreWriteIndexRelaxed publishes a new write index without a release
// fence. Callers doing this must separately Ring to notify the device.
func (q *Queue) StoreWriteIndexRelaxed(v uint64) {
	atomic.StoreUint64(&q.writeIndex, v)
}

// StoreWriteIndexRelease publishes a new write index with release
// semantics, making every packet write below it visible to the device
// once it observes the new index.
func (q *Queue) StoreWriteIndexRelease(v uint64) {
	atomic.StoreUint64(&q.writeIndex, v)
}

// CasWriteIndexAcqRel attempts to advance the write index from old to
// new with acquire-release semantics; the standard multi-producer
// reservation primitive.
func (q *Queue) CasWriteIndexAcqRel(old, new uint64) (swapped bool) {
	return atomic.CompareAndSwapUint64(&q.writeIndex, old, new)
}

// CasWriteIndexAcquire is CasWriteIndexAcqRel under acquire-only
// semantics; Go's atomic CAS does not distinguish these, so it is
// provided only to complete the producer ABI matrix.
func (q *Queue) CasWriteIndexAcquire(old, new uint64) (swapped bool) {
	return atomic.CompareAndSwapUint64(&q.writeIndex, old, new)
}

// CasWriteIndexRelease is the release-only variant of CasWriteIndexAcqRel.
func (q *Queue) CasWriteIndexRelease(old, new uint64) (swapped bool) {
	return atomic.CompareAndSwapUint64(&q.writeIndex, old, new)
}

// CasWriteIndexRelaxed is the unordered variant, for producers that
// establish ordering some other way (e.g. a separate doorbell fence).
func (q *Queue) CasWriteIndexRelaxed(old, new uint64) (swapped bool) {
	return atomic.CompareAndSwapUint64(&q.writeIndex, old, new)
}

// AddWriteIndexAcqRel atomically reserves delta slots and returns the
// previous write index (the base of the caller's reservation).
func (q *Queue) AddWriteIndexAcqRel(delta uint64) uint64 {
	return atomic.AddUint64(&q.writeIndex, delta) - delta
}

func (q *Queue) AddWriteIndexAcquire(delta uint64) uint64 {
	return atomic.AddUint64(&q.writeIndex, delta) - delta
}

func (q *Queue) AddWriteIndexRelease(delta uint64) uint64 {
	return atomic.AddUint64(&q.writeIndex, delta) - delta
}

func (q *Queue) AddWriteIndexRelaxed(delta uint64) uint64 {
	return atomic.AddUint64(&q.writeIndex, delta) - delta
}

// Reserve is the checked entry point most producers should use instead
// of the raw AddWriteIndex variants: it refuses to hand out slots the
// consumer hasn't vacated yet, returning ErrQueueFull rather than
// silently overwriting an unconsumed packet.
func (q *Queue) Reserve(n uint64) (base uint64, err error) {
	write := q.LoadWriteIndexRelaxed()
	read := q.LoadReadIndexRelaxed()
	if write+n-read > uint64(q.capacityPackets) {
		return 0, ErrQueueFull
	}
	return q.AddWriteIndexAcqRel(n), nil
}

// slotFor maps a logical write index to the packet slot it refers to,
// wrapping on the ring's power-of-two capacity.
func (q *Queue) slotFor(index uint64) *RawPacket {
	return &q.slots[uint32(index)&(q.capacityPackets-1)]
}

// WritePacket stores raw into the slot named by index. The header must
// be written last by the caller via a separate release store; the
// packet-processor protocol requires the header to flip to a valid
// type only once every other field in the slot is visible. WritePacket
// itself performs a plain, unordered copy of the full slot.
func (q *Queue) WritePacket(index uint64, raw *RawPacket) {
	*q.slotFor(index) = *raw
}

// Ring is the producer's final step: publish writeIndex and notify the
// device through whichever DoorbellType this queue was constructed
// with. Acquiring q.doorbellMu serializes concurrent producers under
// the legacy spinlock variants; the native AQL path does not need it
// but takes the same lock for simplicity.
func (q *Queue) Ring(writeIndex uint64) {
	q.doorbellMu.Lock()
	defer q.doorbellMu.Unlock()
	q.ringDoorbellLocked(writeIndex)
}
