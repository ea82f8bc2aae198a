//go:build linux

package aqlqueue

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Event is the per-process KMD event shared by every interrupt-mode
// queue. It is backed by a real Linux eventfd: a small wrapped syscall
// handle, nothing more.
type Event struct {
	fd int
}

// NewEvent creates the shared KMD event. Called lazily by Subsystem the
// first time an interrupt-mode queue is constructed: if the count
// transitions 0→1 the shared per-process event is created.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("aqlqueue: eventfd: %w", err)
	}
	return &Event{fd: fd}, nil
}

// FD exposes the raw descriptor for KMD.CreateQueue's event parameter.
func (e *Event) FD() int { return e.fd }

// Close destroys the event. Only ever called by Subsystem.ReleaseEvent
// when the last interrupt-mode queue in the process has gone away.
func (e *Event) Close() error {
	return unix.Close(e.fd)
}

// Subsystem is the explicit, non-global form of per-process queue
// state: the queue_lock/queue_count/queue_event triple, expressed as a
// constructible type instead of package globals so tests can run many
// independent "processes" without cross-test leakage.
type Subsystem struct {
	mu    sync.Mutex
	count int
	event *Event

	// globalCUMask is the process-wide CU mask ANDed into every queue's
	// SetCUMasking call. nil means "no restriction".
	globalCUMask []uint32
}

// NewSubsystem constructs an empty per-process subsystem.
func NewSubsystem() *Subsystem {
	return &Subsystem{}
}

// AcquireEvent increments the interrupt-queue refcount and lazily
// creates the shared event on the 0→1 transition: the per-process
// event exists iff the interrupt-mode queue count is greater than zero.
func (s *Subsystem) AcquireEvent() (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		ev, err := NewEvent()
		if err != nil {
			return nil, err
		}
		s.event = ev
	}
	s.count++
	return s.event, nil
}

// ReleaseEvent decrements the refcount and destroys the event when it
// reaches zero.
func (s *Subsystem) ReleaseEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return
	}
	s.count--
	if s.count == 0 && s.event != nil {
		_ = s.event.Close()
		s.event = nil
	}
}

// QueueCount reports the live interrupt-mode queue count (test/
// diagnostic surface).
func (s *Subsystem) QueueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// SetGlobalCUMask installs the process-wide CU mask that SetCUMasking
// ANDs against.
func (s *Subsystem) SetGlobalCUMask(mask []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCUMask = append([]uint32(nil), mask...)
}

func (s *Subsystem) globalMask() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalCUMask
}
