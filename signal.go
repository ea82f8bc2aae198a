//go:build linux

package aqlqueue

import "sync"

// Condition is the comparison an async handler or a blocking Wait
// watches for.
type Condition int

const (
	CondEqual Condition = iota
	CondNotEqual
	CondGTE
	CondLT
)

func (c Condition) satisfiedBy(value, target int64) bool {
	switch c {
	case CondEqual:
		return value == target
	case CondNotEqual:
		return value != target
	case CondGTE:
		return value >= target
	case CondLT:
		return value < target
	default:
		return false
	}
}

// HandlerResult is an async handler's verdict on whether the signal
// subsystem should consider it armed afterward. Handlers are single-shot:
// returning HandlerKeepArmed only matters if the caller re-registers
// (typically by calling SetAsyncSignalHandler again with the same
// condition from inside the handler, as the scratch handler in scratch.go
// does); the dispatcher itself does not loop.
type HandlerResult int

const (
	HandlerUnarmed HandlerResult = iota
	HandlerKeepArmed
)

// AsyncHandler is the callback shape dispatched by SetAsyncSignalHandler.
// arg is whatever was passed at registration (the faulting *Queue for
// the scratch and exception handlers).
type AsyncHandler func(value int64, arg any) HandlerResult

// Signal is the refcounted signal object contract this package depends
// on: store/load/wait plus an async-handler dispatcher. The engine
// never assumes a concrete representation — see simSignal for the
// software stand-in every test in this package actually runs against.
type Signal interface {
	LoadRelaxed() int64
	LoadAcquire() int64
	StoreRelaxed(v int64)
	StoreRelease(v int64)

	// Wait blocks until cond holds against the signal's current value,
	// returning the observed value. Used by the destructor to block on
	// each handler's DONE transition.
	Wait(cond Condition, value int64) int64

	// Retain/Release implement the reference-counting discipline:
	// a copy of the signal handle taken before writing DONE guards
	// against use-after-free. Handlers must Retain their signal before
	// any action that might let the queue be freed, and Release once
	// they are done touching it.
	Retain()
	Release()

	// SetAsyncSignalHandler registers a single-shot callback: the
	// dispatcher goroutine wakes, observes cond against value, invokes
	// handler exactly once, and does not re-arm on its own.
	SetAsyncSignalHandler(cond Condition, value int64, handler AsyncHandler, arg any)
}

// simSignal is the in-process signal implementation every test in this
// module exercises. It does not model a particular OS primitive — it
// models the contract: atomic value, condition-wait, and single-shot
// async dispatch.
type simSignal struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int64
	refs  int32
}

// NewSimSignal constructs a Signal usable outside of a queue for tests
// and for the reference Agent/KMD simulators.
func NewSimSignal(initial int64) Signal {
	s := &simSignal{value: initial, refs: 1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *simSignal) LoadRelaxed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *simSignal) LoadAcquire() int64 { return s.LoadRelaxed() }

func (s *simSignal) store(v int64) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *simSignal) StoreRelaxed(v int64) { s.store(v) }
func (s *simSignal) StoreRelease(v int64) { s.store(v) }

func (s *simSignal) Wait(cond Condition, value int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !cond.satisfiedBy(s.value, value) {
		s.cond.Wait()
	}
	return s.value
}

func (s *simSignal) Retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *simSignal) Release() {
	s.mu.Lock()
	s.refs--
	s.mu.Unlock()
}

// SetAsyncSignalHandler spawns the dispatcher goroutine. Real signal
// subsystems run these on a shared worker pool; one goroutine per
// registration is the direct equivalent for a simulation and keeps
// single-shot semantics trivially correct.
func (s *simSignal) SetAsyncSignalHandler(cond Condition, value int64, handler AsyncHandler, arg any) {
	s.Retain()
	go func() {
		defer s.Release()
		observed := s.Wait(cond, value)
		handler(observed, arg)
	}()
}
