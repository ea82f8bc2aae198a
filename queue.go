//go:build linux

package aqlqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// queueState is the lifecycle bitfield a Queue walks through:
// active -> inactive (Inactivate) -> destroyed (Destroy). It is
// distinct from the per-handler dynamicScratchState/exceptionState
// bitfields in scratch.go/exception.go, which track the async-handler
// TERMINATE/DONE protocol independently of whether the queue itself is
// still dispatchable.
type queueState int32

const (
	queueActive queueState = iota
	queueInactive
	queueDestroyed
)

// Option configures a Queue at construction time, a functional-options
// pattern matching how this codebase configures other long-lived
// objects.
type Option func(*queueConfig)

type queueConfig struct {
	requestedPackets uint32
	queueType        QueueType
	priority         Priority
	exec             bool
	name             string
	errorsCallback   ErrorsCallback
	userData         any
}

func defaultQueueConfig() *queueConfig {
	return &queueConfig{
		requestedPackets: 256,
		queueType:        QueueTypeComputeAQL,
		priority:         PriorityNormal,
	}
}

// WithPacketCapacity requests a ring sized for n packets. n must be a
// power of two (New rejects anything else with ErrorInvalidQueueCreation);
// the ring is then clamped to the minimum/maximum ring byte budget.
func WithPacketCapacity(n uint32) Option {
	return func(c *queueConfig) { c.requestedPackets = n }
}

// WithQueueType selects QueueTypeComputeAQL (default) or
// QueueTypeCooperative.
func WithQueueType(t QueueType) Option {
	return func(c *queueConfig) { c.queueType = t }
}

// WithPriority sets the initial KMD scheduling priority.
func WithPriority(p Priority) Option {
	return func(c *queueConfig) { c.priority = p }
}

// WithExecutableRing marks the ring mapping executable, needed only by
// agents that place trap handlers or indirect PM4 buffers inline in
// the ring's VA range.
func WithExecutableRing() Option {
	return func(c *queueConfig) { c.exec = true }
}

// WithName attaches a debug label surfaced in Properties; it has no
// effect on any hardware programming step.
func WithName(name string) Option {
	return func(c *queueConfig) { c.name = name }
}

// WithErrorsCallback registers the callback the scratch and exception
// handlers invoke on every runtime fault they decide to surface, after
// the queue has already been suspended. userData is passed back
// unmodified on every call.
func WithErrorsCallback(cb ErrorsCallback, userData any) Option {
	return func(c *queueConfig) {
		c.errorsCallback = cb
		c.userData = userData
	}
}

// Queue is a single AMD ROCm compute hardware queue: a packet ring, its
// doorbell, and the KMD queue record backing it, combined with the
// dynamic scratch and exception state machines that drive off of it.
// Every exported method that touches hardware-facing state takes
// q.stateMu or q.doorbellMu as appropriate; packet production itself
// (producer.go) relies on atomics alone for the hot path.
type Queue struct {
	id uuid.UUID

	agent     Agent
	kmd       KMD
	subsystem *Subsystem
	config    queueConfig

	// Ring geometry.
	mapping         Mapping
	mapper          RingMapper
	slots           []RawPacket
	capacityPackets uint32

	// Producer/consumer indices. writeIndex is owned by this package;
	// readIndex is a pointer into shared memory the KMD/CP updates.
	writeIndex uint64
	readIndex  *uint64

	// Doorbell.
	doorbellMu   sync.Mutex
	doorbellType DoorbellType
	doorbellMMIO unsafe.Pointer

	// KMD queue record.
	resource QueueResource
	legacy   bool

	stateMu   sync.Mutex
	state     int32
	suspended bool

	// queueProps mirrors the hardware queue record's queue_properties
	// bit-set; only USE_SCRATCH_ONCE is modeled, toggled by the scratch
	// fault handler around large one-shot allocations.
	queueProps uint32

	event *Event // nil for polled-signal queues

	inactiveSignal  Signal
	exceptionSignal Signal

	scratch     scratchState
	exception   exceptionState
	cuMaskState cuMaskState

	// handleExceptionsInline is true when the KMD has no separate
	// exception channel: the dynamic-scratch handler then decodes
	// exception bitmasks itself instead of leaving them for the
	// (otherwise permanently idle) exception handler.
	handleExceptionsInline bool

	errorsCallback ErrorsCallback
	userData       any

	// Scratch-backed queue-record fields, recomputed by installScratch
	// on every grow/reclaim.
	scratchBackingLocation    uintptr
	scratchBackingByteSize    uint64
	scratchWave64LaneByteSize uint64

	pm4Mu sync.Mutex
}

// New constructs and fully activates a queue against agent, through
// kmd, tracked by subsystem: size and map the ring, zero every slot,
// acquire the shared event if this queue needs interrupts, create the
// two async signals, call KMD.CreateQueue, register the handlers, and
// -- on any failure -- unwind everything already acquired.
func New(agent Agent, kmd KMD, subsystem *Subsystem, opts ...Option) (q *Queue, err error) {
	cfg := defaultQueueConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.queueType == QueueTypeCooperative {
		if agent.Properties().Capability&capabilityGWS == 0 {
			return nil, newQueueError(ErrorInvalidQueueCreation, "agent has no GWS hardware for a cooperative queue")
		}
	}

	hasGroup, hasPrivate := false, false
	for _, r := range agent.Regions() {
		hasGroup = hasGroup || r.IsLDS
		hasPrivate = hasPrivate || r.IsScratch
	}
	if !hasGroup {
		return nil, newQueueError(ErrorInvalidQueueCreation, "agent has no group (LDS) memory region")
	}
	if agent.FlatScratchCheckEnabled() && !hasPrivate {
		return nil, newQueueError(ErrorInvalidQueueCreation, "agent has no private (scratch) memory region")
	}

	legacy := isLegacyDoorbell(probeDoorbellType(agent.Properties()))
	capacityPackets, logicalBytes, err := ringSizing(cfg.requestedPackets, legacy, agentPageSize(agent))
	if err != nil {
		return nil, err
	}

	mapper := selectRingMapper(agent, legacy)
	mapping, err := mapper.Map(logicalBytes, cfg.exec)
	if err != nil {
		return nil, fmt.Errorf("aqlqueue: map ring: %w", err)
	}
	unwindMapping := true
	defer func() {
		if unwindMapping {
			_ = mapper.Unmap(mapping)
		}
	}()

	slots := initRingSlots(mapping.Base, capacityPackets)

	q = &Queue{
		id:              uuid.New(),
		agent:           agent,
		kmd:             kmd,
		subsystem:       subsystem,
		config:          *cfg,
		mapping:         mapping,
		mapper:          mapper,
		slots:           slots,
		capacityPackets: capacityPackets,
		legacy:          legacy,
		doorbellType:    probeDoorbellType(agent.Properties()),
		errorsCallback:  cfg.errorsCallback,
		userData:        cfg.userData,
	}

	readIdx := new(uint64)
	q.readIndex = readIdx

	wantsEvent := !legacy // interrupt-driven queues need the shared event; legacy/polled variants don't.
	if wantsEvent {
		ev, err := subsystem.AcquireEvent()
		if err != nil {
			return nil, fmt.Errorf("aqlqueue: acquire event: %w", err)
		}
		q.event = ev
	}
	unwindEvent := true
	defer func() {
		if unwindEvent && q.event != nil {
			subsystem.ReleaseEvent()
		}
	}()

	q.inactiveSignal = NewSimSignal(0)
	q.exceptionSignal = NewSimSignal(0)

	createParams := CreateQueueParams{
		Type:      cfg.queueType,
		Priority:  cfg.priority,
		RingBase:  mapping.Base,
		RingBytes: logicalBytes,
		ReadPtr:   readIdx,
		WritePtr:  &q.writeIndex,
	}
	if q.event != nil {
		createParams.HasEvent = true
		createParams.EventID = uint32(q.event.FD())
	}

	resource, err := kmd.CreateQueue(createParams)
	if err != nil {
		return nil, fmt.Errorf("aqlqueue: kmd create queue: %w", err)
	}
	q.resource = resource
	q.doorbellMMIO = resource.DoorbellMMIO

	if cfg.queueType == QueueTypeCooperative {
		if err := kmd.AllocQueueGWS(resource.QueueID, 1); err != nil {
			_ = kmd.DestroyQueue(resource.QueueID)
			return nil, fmt.Errorf("aqlqueue: alloc gws: %w", err)
		}
	}

	q.handleExceptionsInline = !kmd.SupportsExceptionDebugging()
	if q.handleExceptionsInline {
		// No separate exception channel: the exception signal starts
		// DONE and the scratch handler is responsible for decoding its
		// own fault bitmask inline (scratch.go's HandleExceptions path).
		q.exception.state = exceptionDone
		q.exceptionSignal.StoreRelease(int64(exceptionDone))
	} else {
		q.armExceptionHandler()
	}
	q.armScratchHandler()

	unwindMapping = false
	unwindEvent = false
	return q, nil
}

// Properties exposes the agent/KMD-derived facts callers need to
// reason about a live queue without reaching into package internals.
type Properties struct {
	ID              uuid.UUID
	QueueID         uint32
	CapacityPackets uint32
	DoorbellType    DoorbellType
	Legacy          bool
	Type            QueueType
	Name            string
}

func (q *Queue) Properties() Properties {
	return Properties{
		ID:              q.id,
		QueueID:         q.resource.QueueID,
		CapacityPackets: q.capacityPackets,
		DoorbellType:    q.doorbellType,
		Legacy:          q.legacy,
		Type:            q.config.queueType,
		Name:            q.config.name,
	}
}

// QueueReport is a debug snapshot of producer/consumer state. It takes
// no locks beyond what the individual atomic loads need, so it is safe
// to call concurrently with dispatch but may observe a torn mid-update
// view under heavy concurrent producers (acceptable for a diagnostic
// tool).
type QueueReport struct {
	WriteIndex             uint64
	ReadIndex              uint64
	State                  string
	Scratch                string
	Exception              string
	DoorbellCellBytes      uintptr
	ScratchBackingByteSize uint64
}

func (q *Queue) QueueReport() QueueReport {
	return QueueReport{
		WriteIndex:             atomic.LoadUint64(&q.writeIndex),
		ReadIndex:              atomic.LoadUint64(q.readIndex),
		State:                  q.stateString(),
		Scratch:                q.scratch.String(),
		Exception:              q.exception.String(),
		DoorbellCellBytes:      doorbellCellSize(q.doorbellType),
		ScratchBackingByteSize: atomic.LoadUint64(&q.scratchBackingByteSize),
	}
}

func (q *Queue) stateString() string {
	switch queueState(atomic.LoadInt32(&q.state)) {
	case queueActive:
		return "active"
	case queueInactive:
		return "inactive"
	case queueDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Inactivate idempotently transitions the queue out of active state:
// exactly one caller observes the active->inactive edge. That caller
// alone calls KMD.DestroyQueue and follows it with an acquire fence so
// later teardown (Destroy unmapping the ring, freeing signals) observes
// the GPU has gone quiescent. Everyone else's call is a no-op.
func (q *Queue) Inactivate() bool {
	if !atomic.CompareAndSwapInt32(&q.state, int32(queueActive), int32(queueInactive)) {
		return false
	}
	_ = q.kmd.DestroyQueue(q.resource.QueueID)
	atomic.LoadInt32(&q.state) // acquire fence: pair with the CAS above
	return true
}

// reportFault suspends the queue and, if an errors callback was
// registered at construction, invokes it with kind. The scratch and
// exception handlers call this once they have decided a fault is worth
// surfacing; the callback must return promptly, since the handler
// cannot report DONE to Destroy until it does.
func (q *Queue) reportFault(kind ErrorKind) {
	_ = q.Suspend()
	if q.errorsCallback != nil {
		q.errorsCallback(kind, q.resource.QueueID, q.userData)
	}
}

func (q *Queue) isDestroyed() bool {
	return queueState(atomic.LoadInt32(&q.state)) == queueDestroyed
}

// Suspend sets the KMD scheduling percentage to 0 without tearing down
// the queue record. SetPriority is forbidden while suspended because
// the KMD ioctl this package models combines both fields in one
// UpdateQueue call and a concurrent racing SetPriority could
// resurrect a suspended queue at full percentage.
func (q *Queue) Suspend() error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.isDestroyed() {
		return ErrQueueDestroyed
	}
	if err := q.kmd.UpdateQueue(q.resource.QueueID, 0, q.config.priority); err != nil {
		return err
	}
	q.suspended = true
	return nil
}

// Resume restores full scheduling percentage after Suspend.
func (q *Queue) Resume() error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.isDestroyed() {
		return ErrQueueDestroyed
	}
	if err := q.kmd.UpdateQueue(q.resource.QueueID, 100, q.config.priority); err != nil {
		return err
	}
	q.suspended = false
	return nil
}

// SetPriority changes the KMD scheduling priority. Forbidden while the
// queue is suspended, since SetPriority and Suspend share one
// underlying UpdateQueue call and a racing SetPriority could otherwise
// resurrect a suspended queue at full scheduling percentage.
func (q *Queue) SetPriority(p Priority) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.isDestroyed() {
		return ErrQueueDestroyed
	}
	if q.suspended {
		return ErrQueueSuspended
	}
	q.config.priority = p
	return q.kmd.UpdateQueue(q.resource.QueueID, 100, p)
}

// Destroy runs the full destructor protocol: terminate both async
// handlers, wait for each to reach DONE, Inactivate the queue (which
// drives the actual KMD teardown), release any scratch, unmap the
// ring, and release the shared event. Destroy is idempotent; calling it
// more than once after the first call completes is a no-op.
//
// A cooperative (GWS-enabled) queue is owned by the agent's queue pool,
// not by this call: Destroy only releases the GWS resource and returns,
// leaving handlers, the KMD record, and the ring intact for the pool to
// manage.
func (q *Queue) Destroy() error {
	if q.config.queueType == QueueTypeCooperative {
		q.agent.GWSRelease(q)
		return nil
	}

	q.stateMu.Lock()
	if q.isDestroyed() {
		q.stateMu.Unlock()
		return nil
	}
	q.stateMu.Unlock()

	q.terminateScratchHandler()
	q.terminateExceptionHandler()

	q.Inactivate()

	q.stateMu.Lock()
	atomic.StoreInt32(&q.state, int32(queueDestroyed))
	q.stateMu.Unlock()

	if s := q.scratch.info; s != nil && s.acquired {
		q.agent.ReleaseQueueScratch(s)
	}

	if err := q.mapper.Unmap(q.mapping); err != nil {
		return fmt.Errorf("aqlqueue: unmap ring: %w", err)
	}

	if q.event != nil {
		q.subsystem.ReleaseEvent()
	}

	return nil
}
